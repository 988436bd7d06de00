// Package position supplies the gateway's geographic fix for geo-tagging.
package position

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Fix is a geographic position in decimal degrees.
type Fix struct {
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Accuracy float64   `json:"accuracy_m,omitempty"`
	Time     time.Time `json:"time"`
}

func (f Fix) Valid() bool {
	return !math.IsNaN(f.Lat) && !math.IsNaN(f.Lng) &&
		f.Lat >= -90 && f.Lat <= 90 && f.Lng >= -180 && f.Lng <= 180
}

// Source reports the latest known position.
type Source interface {
	Current() (Fix, bool)
}

// Static is a fixed position, for stationary gateways without a receiver.
type Static struct {
	fix Fix
}

func NewStatic(f Fix) *Static {
	return &Static{fix: f}
}

func (s *Static) Current() (Fix, bool) {
	f := s.fix
	f.Time = time.Now()
	return f, true
}

// None never has a position.
type None struct{}

func (None) Current() (Fix, bool) { return Fix{}, false }

// ParseFix parses "lat,lng" in decimal degrees.
func ParseFix(s string) (Fix, error) {
	latStr, lngStr, ok := strings.Cut(s, ",")
	if !ok {
		return Fix{}, fmt.Errorf("position %q: want lat,lng", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return Fix{}, fmt.Errorf("position latitude %q: %w", latStr, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return Fix{}, fmt.Errorf("position longitude %q: %w", lngStr, err)
	}
	f := Fix{Lat: lat, Lng: lng}
	if !f.Valid() {
		return Fix{}, fmt.Errorf("position %q out of range", s)
	}
	return f, nil
}
