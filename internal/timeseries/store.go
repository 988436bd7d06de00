// Package timeseries keeps a bounded, in-order window of pm2.5 and pm10
// values for charting.
package timeseries

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"vimms-gateway/internal/reading"
)

// Range names a retention window.
type Range string

const (
	Range5m  Range = "5m"
	Range15m Range = "15m"
	Range30m Range = "30m"
)

const (
	ceilingFloor  = 15
	ceilingFactor = 1.2
	labelLayout   = "15:04:05"
)

// DefaultBounds are point counts per range.
func DefaultBounds() map[Range]int {
	return map[Range]int{Range5m: 150, Range15m: 450, Range30m: 900}
}

// CompactBounds are smaller point counts for constrained consumers.
func CompactBounds() map[Range]int {
	return map[Range]int{Range5m: 30, Range15m: 60, Range30m: 90}
}

// ParseRange validates a range name.
func ParseRange(s string) (Range, error) {
	switch r := Range(s); r {
	case Range5m, Range15m, Range30m:
		return r, nil
	}
	return "", fmt.Errorf("invalid range %q (allowed: 5m, 15m, 30m)", s)
}

type Options struct {
	Bounds map[Range]int
	Active Range
	// Now stamps labels; defaults to time.Now.
	Now func() time.Time
}

// Series is a copy of the store contents.
type Series struct {
	Range   Range     `json:"range"`
	Bound   int       `json:"bound"`
	Labels  []string  `json:"labels"`
	PM2_5   []float32 `json:"pm2_5"`
	PM10    []float32 `json:"pm10"`
	Ceiling float64   `json:"ceiling"`
}

// Store holds parallel label/pm2_5/pm10 sequences in insertion order.
type Store struct {
	mu      sync.Mutex
	bounds  map[Range]int
	active  Range
	now     func() time.Time
	labels  []string
	pm25    []float32
	pm10    []float32
	ceiling float64
}

func New(opts Options) (*Store, error) {
	if opts.Bounds == nil {
		opts.Bounds = DefaultBounds()
	}
	if opts.Active == "" {
		opts.Active = Range5m
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	for r, n := range opts.Bounds {
		if n <= 0 {
			return nil, fmt.Errorf("range %s: bound must be positive, got %d", r, n)
		}
	}
	if _, ok := opts.Bounds[opts.Active]; !ok {
		return nil, fmt.Errorf("no bound for active range %q", opts.Active)
	}
	s := &Store{
		bounds: opts.Bounds,
		active: opts.Active,
		now:    opts.Now,
	}
	s.ceiling = ceilingOf(nil, nil)
	return s, nil
}

// Append records pm2_5 and pm10 from r. Readings missing either channel are
// ignored. It reports whether a point was added.
func (s *Store) Append(r reading.Reading) bool {
	pm25, ok25 := r.Get(reading.PM2_5)
	pm10, ok10 := r.Get(reading.PM10)
	if !ok25 || !ok10 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = append(s.labels, s.now().Format(labelLayout))
	s.pm25 = append(s.pm25, pm25)
	s.pm10 = append(s.pm10, pm10)
	s.trimLocked()
	s.ceiling = ceilingOf(s.pm25, s.pm10)
	return true
}

// SetRange switches the active range and trims to its bound.
func (s *Store) SetRange(r Range) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bounds[r]; !ok {
		return fmt.Errorf("unknown range %q", r)
	}
	s.active = r
	s.trimLocked()
	s.ceiling = ceilingOf(s.pm25, s.pm10)
	return nil
}

func (s *Store) Range() Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.labels)
}

// Ceiling is the suggested y-axis maximum for the retained values.
func (s *Store) Ceiling() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ceiling
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels, s.pm25, s.pm10 = nil, nil, nil
	s.ceiling = ceilingOf(nil, nil)
}

func (s *Store) Snapshot() Series {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Series{
		Range:   s.active,
		Bound:   s.bounds[s.active],
		Labels:  slices.Clone(s.labels),
		PM2_5:   slices.Clone(s.pm25),
		PM10:    slices.Clone(s.pm10),
		Ceiling: s.ceiling,
	}
}

// trimLocked evicts from the front until the active bound holds.
func (s *Store) trimLocked() {
	bound := s.bounds[s.active]
	if over := len(s.labels) - bound; over > 0 {
		s.labels = slices.Delete(s.labels, 0, over)
		s.pm25 = slices.Delete(s.pm25, 0, over)
		s.pm10 = slices.Delete(s.pm10, 0, over)
	}
}

// ceilingOf returns ceil(1.2 * max(15, max(a), max(b))), ignoring NaN.
func ceilingOf(a, b []float32) float64 {
	m := float64(ceilingFloor)
	for _, vs := range [][]float32{a, b} {
		for _, v := range vs {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			m = math.Max(m, f)
		}
	}
	return math.Ceil(ceilingFactor * m)
}
