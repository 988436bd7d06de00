package geo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vimms-gateway/internal/position"
	"vimms-gateway/internal/reading"
)

const (
	DefaultSampleInterval   = 3 * time.Second
	DefaultAutosaveInterval = 30 * time.Second
	teardownSaveTimeout     = 5 * time.Second
)

// Sampler adds the most recent reading at a fixed cadence, independent of
// how often the sensor notifies.
type Sampler struct {
	agg      *Aggregator
	pos      position.Source
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	latest reading.Reading
	have   bool
}

func NewSampler(agg *Aggregator, pos position.Source, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pos == nil {
		pos = position.None{}
	}
	return &Sampler{agg: agg, pos: pos, interval: interval, logger: logger}
}

// Observe remembers r as the latest reading. The first reading after a
// Reset is sampled immediately.
func (s *Sampler) Observe(r reading.Reading) {
	s.mu.Lock()
	first := !s.have
	s.latest, s.have = r, true
	s.mu.Unlock()

	if first {
		s.Sample()
	}
}

// Reset forgets the latest reading so nothing is sampled until the next
// Observe.
func (s *Sampler) Reset() {
	s.mu.Lock()
	s.latest, s.have = reading.Reading{}, false
	s.mu.Unlock()
}

// Sample adds one point from the latest reading and current position.
func (s *Sampler) Sample() bool {
	s.mu.Lock()
	r, have := s.latest, s.have
	s.mu.Unlock()
	if !have {
		return false
	}

	fix, ok := s.pos.Current()
	if !ok {
		return false
	}
	added := s.agg.AddPoint(&fix, r)
	if added {
		s.logger.Debug("geo: point added", "lat", fix.Lat, "lng", fix.Lng, "points", s.agg.Len())
	}
	return added
}

// Run samples every interval until ctx ends.
func (s *Sampler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sample()
		}
	}
}

// Autosave persists the aggregator periodically and once more on teardown.
type Autosave struct {
	agg      *Aggregator
	interval time.Duration
	logger   *slog.Logger
}

func NewAutosave(agg *Aggregator, interval time.Duration, logger *slog.Logger) *Autosave {
	if interval <= 0 {
		interval = DefaultAutosaveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Autosave{agg: agg, interval: interval, logger: logger}
}

func (a *Autosave) Run(ctx context.Context) error {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownSaveTimeout)
			defer cancel()
			if err := a.agg.Save(saveCtx); err != nil {
				a.logger.Error("geo: final save failed", "error", err)
				return err
			}
			a.logger.Info("geo: final save", "points", a.agg.Len())
			return nil
		case <-t.C:
			if err := a.agg.Save(ctx); err != nil {
				a.logger.Warn("geo: autosave failed", "error", err)
			}
		}
	}
}
