package session

import (
	"fmt"
	"time"
)

// TransportProfile collects the timing and write-mode differences between
// peripheral stacks. A session reads it uniformly and never branches on the
// profile name.
type TransportProfile struct {
	Name string `yaml:"name" json:"name"`

	ConnectAttempts int           `yaml:"connect_attempts" json:"connect_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// ConnectSettle is waited after the link opens, before service resolution.
	ConnectSettle time.Duration `yaml:"connect_settle" json:"connect_settle"`
	// NotifySettle is waited after resolution, before enabling notifications.
	NotifySettle time.Duration `yaml:"notify_settle" json:"notify_settle"`
	// InfoDelay is waited after connecting before the info command is sent.
	InfoDelay time.Duration `yaml:"info_delay" json:"info_delay"`

	ReconnectDelay    time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" json:"reconnect_attempts"`

	PreferWriteWithoutResponse bool `yaml:"prefer_write_without_response" json:"prefer_write_without_response"`

	// ManagedReconnect marks stacks that keep their own link cache; failure
	// hints then include clearing it.
	ManagedReconnect bool `yaml:"managed_reconnect" json:"managed_reconnect"`
}

const (
	ProfileStandard = "standard"
	ProfileManaged  = "managed"
)

// StandardProfile suits hosts that expose the link directly.
func StandardProfile() TransportProfile {
	return TransportProfile{
		Name:              ProfileStandard,
		ConnectAttempts:   3,
		RetryDelay:        time.Second,
		NotifySettle:      time.Second,
		InfoDelay:         2 * time.Second,
		ReconnectDelay:    time.Second,
		ReconnectAttempts: 2,
	}
}

// ManagedProfile suits stacks that retry internally and need extra settle
// time before the link is usable.
func ManagedProfile() TransportProfile {
	return TransportProfile{
		Name:                       ProfileManaged,
		ConnectAttempts:            1,
		RetryDelay:                 time.Second,
		ConnectSettle:              2 * time.Second,
		NotifySettle:               2 * time.Second,
		InfoDelay:                  3 * time.Second,
		ReconnectDelay:             time.Second,
		ReconnectAttempts:          2,
		PreferWriteWithoutResponse: true,
		ManagedReconnect:           true,
	}
}

// ProfileByName returns a built-in profile.
func ProfileByName(name string) (TransportProfile, error) {
	switch name {
	case ProfileStandard, "":
		return StandardProfile(), nil
	case ProfileManaged:
		return ManagedProfile(), nil
	default:
		return TransportProfile{}, fmt.Errorf("unknown transport profile %q (allowed: %s, %s)", name, ProfileStandard, ProfileManaged)
	}
}

// Validate rejects profiles that would never connect.
func (p TransportProfile) Validate() error {
	if p.ConnectAttempts < 1 {
		return fmt.Errorf("profile %q: connect_attempts must be >= 1, got %d", p.Name, p.ConnectAttempts)
	}
	if p.ReconnectAttempts < 0 {
		return fmt.Errorf("profile %q: reconnect_attempts must be >= 0, got %d", p.Name, p.ReconnectAttempts)
	}
	for name, d := range map[string]time.Duration{
		"retry_delay":     p.RetryDelay,
		"connect_settle":  p.ConnectSettle,
		"notify_settle":   p.NotifySettle,
		"info_delay":      p.InfoDelay,
		"reconnect_delay": p.ReconnectDelay,
	} {
		if d < 0 {
			return fmt.Errorf("profile %q: %s must not be negative, got %v", p.Name, name, d)
		}
	}
	return nil
}
