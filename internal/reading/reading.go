// Package reading defines the canonical particulate-matter sample shared by
// the decoder, the session and every downstream store.
package reading

import (
	"encoding/json"
	"math"
)

// Channel identifies one measured quantity of an SPS30 sample.
type Channel int

const (
	PM1_0 Channel = iota
	PM2_5
	PM4_0
	PM10
	TypicalSize
	NC0_5
	NC1_0
	NC2_5
	NC4_0
	NC10

	NumChannels
)

var channelNames = [NumChannels]string{
	PM1_0:       "pm1_0",
	PM2_5:       "pm2_5",
	PM4_0:       "pm4_0",
	PM10:        "pm10",
	TypicalSize: "typical_size",
	NC0_5:       "nc0_5",
	NC1_0:       "nc1_0",
	NC2_5:       "nc2_5",
	NC4_0:       "nc4_0",
	NC10:        "nc10",
}

// Channels lists every channel in declaration order.
func Channels() []Channel {
	out := make([]Channel, NumChannels)
	for i := range out {
		out[i] = Channel(i)
	}
	return out
}

func (c Channel) String() string {
	if c < 0 || c >= NumChannels {
		return "unknown"
	}
	return channelNames[c]
}

// Reading is an immutable sample where each channel is independently present
// or absent. The zero value has no channels.
type Reading struct {
	values  [NumChannels]float32
	present uint16
}

// With returns a copy of r with channel c set to v.
func (r Reading) With(c Channel, v float32) Reading {
	if c < 0 || c >= NumChannels {
		return r
	}
	r.values[c] = v
	r.present |= 1 << uint(c)
	return r
}

// Get returns the value of channel c and whether it is present.
func (r Reading) Get(c Channel) (float32, bool) {
	if !r.Has(c) {
		return 0, false
	}
	return r.values[c], true
}

func (r Reading) Has(c Channel) bool {
	if c < 0 || c >= NumChannels {
		return false
	}
	return r.present&(1<<uint(c)) != 0
}

// IsEmpty reports whether no channel is present.
func (r Reading) IsEmpty() bool { return r.present == 0 }

// Len returns the number of present channels.
func (r Reading) Len() int {
	n := 0
	for c := Channel(0); c < NumChannels; c++ {
		if r.Has(c) {
			n++
		}
	}
	return n
}

// Fields returns the present channels keyed by name, widened to float64.
// Non-finite values are skipped.
func (r Reading) Fields() map[string]float64 {
	out := make(map[string]float64, r.Len())
	for c := Channel(0); c < NumChannels; c++ {
		v, ok := r.Get(c)
		if !ok {
			continue
		}
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		out[c.String()] = f
	}
	return out
}

// MarshalJSON encodes only the present, finite channels.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

// UnmarshalJSON accepts the object form produced by MarshalJSON. Unknown keys
// are ignored.
func (r *Reading) UnmarshalJSON(b []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out Reading
	for c := Channel(0); c < NumChannels; c++ {
		if v, ok := m[c.String()]; ok {
			out = out.With(c, float32(v))
		}
	}
	*r = out
	return nil
}
