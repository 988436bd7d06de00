package app

import (
	"log/slog"
	"sync"
	"time"

	"vimms-gateway/internal/position"
)

// fixGap is how long the receiver may go quiet before the next fix is
// reported as regained.
const fixGap = 10 * time.Second

// fixLogger reports when the GPS first gets a fix and when it comes back
// after a gap. Sampling pauses while there is no fix, so these lines explain
// holes in the heatmap.
func fixLogger(logger *slog.Logger, gap time.Duration) func(position.Fix) {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(f position.Fix) {
		mu.Lock()
		prev := last
		last = f.Time
		mu.Unlock()

		switch {
		case prev.IsZero():
			logger.Info("gps: fix acquired", "lat", f.Lat, "lng", f.Lng)
		case f.Time.Sub(prev) > gap:
			logger.Info("gps: fix regained", "lat", f.Lat, "lng", f.Lng, "gap", f.Time.Sub(prev).Round(time.Second))
		}
	}
}
