package geo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"vimms-gateway/internal/position"
	"vimms-gateway/internal/reading"
)

type memStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
	err   error
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saves++
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	return d, ok, m.err
}

func (m *memStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return m.err
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newAgg(store Store) *Aggregator {
	return New(Options{
		Store:    store,
		Tracking: true,
		Rand:     rand.New(rand.NewPCG(1, 2)),
		Logger:   discard(),
	})
}

func pm25(v float32) reading.Reading {
	return reading.Reading{}.With(reading.PM2_5, v)
}

func TestAddPoint_Gating(t *testing.T) {
	here := &position.Fix{Lat: 52.5, Lng: 13.4}

	tests := []struct {
		name     string
		pos      *position.Fix
		r        reading.Reading
		tracking bool
		want     bool
	}{
		{"accepted", here, pm25(12), true, true},
		{"no position", nil, pm25(12), true, false},
		{"tracking off", here, pm25(12), false, false},
		{"pm2_5 absent", here, reading.Reading{}.With(reading.PM10, 3), true, false},
		{"pm2_5 zero", here, pm25(0), true, false},
		{"pm2_5 NaN", here, pm25(float32(math.NaN())), true, false},
		{"pm2_5 Inf", here, pm25(float32(math.Inf(1))), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAgg(nil)
			a.SetTracking(tt.tracking)
			if got := a.AddPoint(tt.pos, tt.r); got != tt.want {
				t.Errorf("AddPoint() = %v; want %v", got, tt.want)
			}
			wantLen := 0
			if tt.want {
				wantLen = 1
			}
			if a.Len() != wantLen {
				t.Errorf("Len() = %d; want %d", a.Len(), wantLen)
			}
		})
	}
}

func TestAddPoint_JitterBounds(t *testing.T) {
	a := newAgg(nil)
	here := &position.Fix{Lat: 10, Lng: 20}
	for i := 0; i < 1000; i++ {
		a.AddPoint(here, pm25(7))
	}
	moved := false
	for _, p := range a.Points() {
		if math.Abs(p.Lat-10) > DefaultJitter || math.Abs(p.Lng-20) > DefaultJitter {
			t.Fatalf("point %v outside jitter bound", p)
		}
		if p.Lat != 10 || p.Lng != 20 {
			moved = true
		}
		if p.Intensity != 7 {
			t.Fatalf("Intensity = %v; want 7", p.Intensity)
		}
	}
	if !moved {
		t.Error("no point was jittered")
	}
}

func TestSaveRestore(t *testing.T) {
	store := newMemStore()
	a := newAgg(store)
	a.AddPoint(&position.Fix{Lat: 1, Lng: 2}, pm25(5))
	a.AddPoint(&position.Fix{Lat: 3, Lng: 4}, pm25(9))

	if err := a.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	b := newAgg(store)
	bounds, ok, err := b.Restore(context.Background())
	if err != nil || !ok {
		t.Fatalf("Restore() = %v, %v", ok, err)
	}
	want := a.Points()
	got := b.Points()
	if len(got) != len(want) {
		t.Fatalf("restored %d points; want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("point %d = %v; want %v", i, got[i], want[i])
		}
	}
	if bounds.South > 1.001 || bounds.North < 2.999 || bounds.West > 2.001 || bounds.East < 3.999 {
		t.Errorf("bounds = %+v", bounds)
	}
}

func TestSave_EmptyIsSkipped(t *testing.T) {
	store := newMemStore()
	a := newAgg(store)
	if err := a.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if store.saves != 0 {
		t.Errorf("saves = %d; want 0", store.saves)
	}
}

func TestRestore_Missing(t *testing.T) {
	a := newAgg(newMemStore())
	_, ok, err := a.Restore(context.Background())
	if err != nil || ok {
		t.Errorf("Restore() = %v, %v; want false, nil", ok, err)
	}
}

func TestClear_RemovesSnapshot(t *testing.T) {
	store := newMemStore()
	a := newAgg(store)
	a.AddPoint(&position.Fix{Lat: 1, Lng: 2}, pm25(5))
	_ = a.Save(context.Background())

	if err := a.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d; want 0", a.Len())
	}
	if store.has(DefaultSnapshotKey) {
		t.Error("snapshot still stored after Clear")
	}
}

func TestSave_StoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk full")
	a := newAgg(store)
	a.AddPoint(&position.Fix{Lat: 1, Lng: 2}, pm25(5))
	if err := a.Save(context.Background()); !errors.Is(err, store.err) {
		t.Errorf("Save() = %v; want wrapped store error", err)
	}
}

func TestBounds(t *testing.T) {
	a := newAgg(nil)
	if _, ok := a.Bounds(); ok {
		t.Error("Bounds() ok on empty aggregator")
	}
	a.AddPoint(&position.Fix{Lat: 1, Lng: 1}, pm25(1))
	if _, ok := a.Bounds(); !ok {
		t.Error("Bounds() not ok with one point")
	}
}

func TestDecodeSnapshot_Formats(t *testing.T) {
	pts, err := DecodeSnapshot([]byte(`[[52.1,13.2,8.5],[52.2,13.3,9]]`))
	if err != nil {
		t.Fatalf("DecodeSnapshot(json): %v", err)
	}
	if len(pts) != 2 || pts[0].Lat != 52.1 || pts[1].Intensity != 9 {
		t.Errorf("points = %v", pts)
	}

	if _, err := DecodeSnapshot([]byte(`[[1,2]]`)); err == nil {
		t.Error("short triple accepted")
	}
	if _, err := DecodeSnapshot(nil); err == nil {
		t.Error("empty snapshot accepted")
	}
	if _, err := DecodeSnapshot([]byte{0x7f, 1, 2}); err == nil {
		t.Error("unknown format accepted")
	}
	if _, err := DecodeSnapshot([]byte{snapshotVersion, 1, 2, 3}); err == nil {
		t.Error("corrupt zstd accepted")
	}
}

func TestEncodeSnapshot_Deterministic(t *testing.T) {
	pts := []Point{{Lat: 1, Lng: 2, Intensity: 3}}
	a, err := EncodeSnapshot(pts)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	b, _ := EncodeSnapshot(pts)
	if string(a) != string(b) {
		t.Error("encoding is not deterministic")
	}
	if a[0] != snapshotVersion {
		t.Errorf("version byte = %d; want %d", a[0], snapshotVersion)
	}
}

type fixedSource struct {
	fix position.Fix
	ok  bool
}

func (f *fixedSource) Current() (position.Fix, bool) { return f.fix, f.ok }

func TestSampler(t *testing.T) {
	a := newAgg(nil)
	src := &fixedSource{fix: position.Fix{Lat: 1, Lng: 1}, ok: true}
	s := NewSampler(a, src, time.Hour, discard())

	if s.Sample() {
		t.Error("Sample() before any reading added a point")
	}

	s.Observe(pm25(4))
	if a.Len() != 1 {
		t.Fatalf("first Observe: Len() = %d; want 1", a.Len())
	}
	s.Observe(pm25(5))
	if a.Len() != 1 {
		t.Errorf("second Observe sampled immediately: Len() = %d", a.Len())
	}
	if !s.Sample() {
		t.Error("Sample() = false with reading and position")
	}
	if got := a.Points()[1].Intensity; got != 5 {
		t.Errorf("Intensity = %v; want latest reading 5", got)
	}

	src.ok = false
	if s.Sample() {
		t.Error("Sample() without position added a point")
	}

	src.ok = true
	s.Reset()
	if s.Sample() {
		t.Error("Sample() after Reset added a point")
	}
	s.Observe(pm25(6))
	if a.Len() != 3 {
		t.Errorf("Observe after Reset: Len() = %d; want 3", a.Len())
	}
}

func TestSampler_Run(t *testing.T) {
	a := newAgg(nil)
	src := &fixedSource{fix: position.Fix{Lat: 1, Lng: 1}, ok: true}
	s := NewSampler(a, src, 2*time.Millisecond, discard())
	s.Observe(pm25(4))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if a.Len() < 3 {
		t.Errorf("Len() = %d; want several samples", a.Len())
	}
}

func TestAutosave_FinalSave(t *testing.T) {
	store := newMemStore()
	a := newAgg(store)
	a.AddPoint(&position.Fix{Lat: 1, Lng: 1}, pm25(4))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewAutosave(a, time.Hour, discard()).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Autosave did not stop")
	}
	if !store.has(DefaultSnapshotKey) {
		t.Error("no snapshot after teardown")
	}
}

func TestAutosave_Periodic(t *testing.T) {
	store := newMemStore()
	a := newAgg(store)
	a.AddPoint(&position.Fix{Lat: 1, Lng: 1}, pm25(4))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = NewAutosave(a, 5*time.Millisecond, discard()).Run(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saves < 2 {
		t.Errorf("saves = %d; want periodic saves plus final", store.saves)
	}
}

// gatedStore holds Save until released.
type gatedStore struct {
	*memStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Save(ctx context.Context, key string, data []byte) error {
	close(g.entered)
	<-g.release
	return g.memStore.Save(ctx, key, data)
}

func TestClear_DuringSaveStaysCleared(t *testing.T) {
	store := &gatedStore{memStore: newMemStore(), entered: make(chan struct{}), release: make(chan struct{})}
	a := newAgg(store)
	a.AddPoint(&position.Fix{Lat: 1, Lng: 2}, pm25(5))

	saved := make(chan error, 1)
	go func() { saved <- a.Save(context.Background()) }()
	<-store.entered

	cleared := make(chan error, 1)
	go func() { cleared <- a.Clear(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	if err := <-saved; err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := <-cleared; err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d; want 0", a.Len())
	}
	if store.has(DefaultSnapshotKey) {
		t.Error("snapshot written by an in-flight Save survived Clear")
	}

	b := newAgg(store.memStore)
	if _, ok, err := b.Restore(context.Background()); err != nil || ok {
		t.Errorf("Restore() = %v, %v; want nothing to restore", ok, err)
	}
}
