package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"vimms-gateway/internal/session"
)

// ProfileRule assigns a profile to peripherals whose name has a prefix.
type ProfileRule struct {
	NamePrefix string `yaml:"name_prefix"`
	Profile    string `yaml:"profile"`
}

// ProfileSet is the set of transport profiles known to the gateway.
type ProfileSet struct {
	Profiles map[string]session.TransportProfile
	Rules    []ProfileRule
}

type profilesFile struct {
	Profiles map[string]yaml.Node `yaml:"profiles"`
	Rules    []ProfileRule        `yaml:"rules"`
}

// DefaultProfiles holds only the built-in profiles.
func DefaultProfiles() ProfileSet {
	return ProfileSet{Profiles: map[string]session.TransportProfile{
		session.ProfileStandard: session.StandardProfile(),
		session.ProfileManaged:  session.ManagedProfile(),
	}}
}

// LoadProfiles reads profile overrides from a YAML file. Entries named after
// a built-in profile overlay it field by field; other names start from the
// standard profile. An empty path yields the defaults.
//
//	profiles:
//	  managed:
//	    connect_settle: 3s
//	rules:
//	  - name_prefix: SPS30-IOS
//	    profile: managed
func LoadProfiles(path string) (ProfileSet, error) {
	set := DefaultProfiles()
	if path == "" {
		return set, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return ProfileSet{}, fmt.Errorf("read profiles %s: %w", path, err)
	}
	return parseProfiles(b, set)
}

func parseProfiles(b []byte, set ProfileSet) (ProfileSet, error) {
	var f profilesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return ProfileSet{}, fmt.Errorf("parse profiles: %w", err)
	}

	for name, node := range f.Profiles {
		name = strings.ToLower(name)
		base, ok := set.Profiles[name]
		if !ok {
			base = session.StandardProfile()
		}
		if err := node.Decode(&base); err != nil {
			return ProfileSet{}, fmt.Errorf("profile %q: %w", name, err)
		}
		base.Name = name
		if err := base.Validate(); err != nil {
			return ProfileSet{}, err
		}
		set.Profiles[name] = base
	}

	for i, r := range f.Rules {
		if r.NamePrefix == "" {
			return ProfileSet{}, fmt.Errorf("rule %d: name_prefix is required", i)
		}
		if _, ok := set.Profiles[strings.ToLower(r.Profile)]; !ok {
			return ProfileSet{}, fmt.Errorf("rule %d: unknown profile %q", i, r.Profile)
		}
		f.Rules[i].Profile = strings.ToLower(r.Profile)
	}
	set.Rules = f.Rules
	return set, nil
}

// Lookup returns a profile by name.
func (ps ProfileSet) Lookup(name string) (session.TransportProfile, error) {
	p, ok := ps.Profiles[strings.ToLower(name)]
	if !ok {
		return session.TransportProfile{}, fmt.Errorf("unknown transport profile %q", name)
	}
	return p, nil
}

// Selector picks the first rule matching the peripheral name, falling back
// to def.
func (ps ProfileSet) Selector(def session.TransportProfile) func(session.Peripheral) session.TransportProfile {
	rules := append([]ProfileRule(nil), ps.Rules...)
	profiles := ps.Profiles
	return func(p session.Peripheral) session.TransportProfile {
		for _, r := range rules {
			if strings.HasPrefix(p.Name(), r.NamePrefix) {
				return profiles[r.Profile]
			}
		}
		return def
	}
}
