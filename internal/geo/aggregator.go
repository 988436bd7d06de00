// Package geo accumulates geo-tagged pm2.5 samples for heatmap rendering
// and persists them as snapshots.
package geo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"vimms-gateway/internal/position"
	"vimms-gateway/internal/reading"
)

// DefaultJitter is the per-axis displacement, in degrees, applied to every
// point so repeated samples at one spot spread into a visible blob.
const DefaultJitter = 0.0005

const DefaultSnapshotKey = "heatmapData"

// Point is one heatmap sample.
type Point struct {
	Lat       float64 `json:"lat" cbor:"1,keyasint"`
	Lng       float64 `json:"lng" cbor:"2,keyasint"`
	Intensity float32 `json:"intensity" cbor:"3,keyasint"`
}

// Bounds is the bounding box of a point set.
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Store persists opaque snapshot bytes under a key.
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) error
}

type Options struct {
	Store       Store
	SnapshotKey string
	Jitter      float64
	Tracking    bool
	// Rand drives jitter; tests seed it.
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Aggregator is an append-only list of geo points gated by a tracking flag.
type Aggregator struct {
	store  Store
	key    string
	jitter float64
	logger *slog.Logger

	// persistMu orders store writes so a Save cannot resurrect a snapshot
	// that Clear removed.
	persistMu sync.Mutex

	mu       sync.Mutex
	points   []Point
	tracking bool
	rnd      *rand.Rand
}

func New(opts Options) *Aggregator {
	if opts.SnapshotKey == "" {
		opts.SnapshotKey = DefaultSnapshotKey
	}
	if opts.Jitter == 0 {
		opts.Jitter = DefaultJitter
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		store:    opts.Store,
		key:      opts.SnapshotKey,
		jitter:   opts.Jitter,
		logger:   opts.Logger,
		tracking: opts.Tracking,
		rnd:      opts.Rand,
	}
}

// AddPoint records r's pm2_5 at a jittered pos. It is a no-op unless
// tracking is on, pos is known and pm2_5 is present, finite and non-zero.
func (a *Aggregator) AddPoint(pos *position.Fix, r reading.Reading) bool {
	if pos == nil {
		return false
	}
	pm25, ok := r.Get(reading.PM2_5)
	if !ok || pm25 == 0 || math.IsNaN(float64(pm25)) || math.IsInf(float64(pm25), 0) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.tracking {
		return false
	}
	a.points = append(a.points, Point{
		Lat:       pos.Lat + a.offsetLocked(),
		Lng:       pos.Lng + a.offsetLocked(),
		Intensity: pm25,
	})
	return true
}

// offsetLocked returns a uniform value in [-jitter, +jitter).
func (a *Aggregator) offsetLocked() float64 {
	return (a.rnd.Float64()*2 - 1) * a.jitter
}

func (a *Aggregator) SetTracking(on bool) {
	a.mu.Lock()
	a.tracking = on
	a.mu.Unlock()
	a.logger.Info("geo: tracking changed", "tracking", on)
}

func (a *Aggregator) Tracking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracking
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.points)
}

// Points returns a copy of the accumulated points.
func (a *Aggregator) Points() []Point {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.points)
}

// Bounds returns the bounding box of the points, or false if there are none.
func (a *Aggregator) Bounds() (Bounds, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return boundsOf(a.points)
}

// Clear empties the list and removes the persisted snapshot.
func (a *Aggregator) Clear(ctx context.Context) error {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	a.mu.Lock()
	a.points = nil
	a.mu.Unlock()

	if a.store == nil {
		return nil
	}
	if err := a.store.Remove(ctx, a.key); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	a.logger.Info("geo: cleared")
	return nil
}

// Save persists the full point list. An empty list is not saved.
func (a *Aggregator) Save(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	pts := a.Points()
	if len(pts) == 0 {
		return nil
	}
	data, err := EncodeSnapshot(pts)
	if err != nil {
		return err
	}
	if err := a.store.Save(ctx, a.key, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	a.logger.Debug("geo: snapshot saved", "points", len(pts), "bytes", len(data))
	return nil
}

// Restore replaces the list with the persisted snapshot, if any, and returns
// its bounds for the initial viewport.
func (a *Aggregator) Restore(ctx context.Context) (Bounds, bool, error) {
	if a.store == nil {
		return Bounds{}, false, nil
	}
	data, ok, err := a.store.Load(ctx, a.key)
	if err != nil {
		return Bounds{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return Bounds{}, false, nil
	}
	pts, err := DecodeSnapshot(data)
	if err != nil {
		return Bounds{}, false, err
	}

	a.mu.Lock()
	a.points = pts
	a.mu.Unlock()

	a.logger.Info("geo: snapshot restored", "points", len(pts))
	b, ok := boundsOf(pts)
	return b, ok, nil
}

func boundsOf(pts []Point) (Bounds, bool) {
	if len(pts) == 0 {
		return Bounds{}, false
	}
	b := Bounds{South: pts[0].Lat, North: pts[0].Lat, West: pts[0].Lng, East: pts[0].Lng}
	for _, p := range pts[1:] {
		b.South = math.Min(b.South, p.Lat)
		b.North = math.Max(b.North, p.Lat)
		b.West = math.Min(b.West, p.Lng)
		b.East = math.Max(b.East, p.Lng)
	}
	return b, true
}
