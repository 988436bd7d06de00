package position

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// userEquivalentRangeError converts HDOP to an approximate 1-sigma accuracy
// in meters.
const userEquivalentRangeError = 5.0

const defaultMaxAge = 10 * time.Second

type GPSOptions struct {
	// Device is a character device or file streaming NMEA 0183 sentences.
	Device string
	// MaxAge is how long a fix stays current without a new sentence.
	MaxAge time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// GPS tracks the latest fix from an NMEA receiver. RMC sentences move the
// position; GGA sentences move it and refresh accuracy.
type GPS struct {
	opts GPSOptions

	mu       sync.RWMutex
	fix      Fix
	have     bool
	watchers map[int]func(Fix)
	nextID   int
}

func NewGPS(opts GPSOptions) *GPS {
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &GPS{opts: opts, watchers: make(map[int]func(Fix))}
}

// Current returns the latest fix if it is fresher than MaxAge.
func (g *GPS) Current() (Fix, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.have || g.opts.Now().Sub(g.fix.Time) > g.opts.MaxAge {
		return Fix{}, false
	}
	return g.fix, true
}

// Watch registers fn for every new fix and returns a func to unregister it.
func (g *GPS) Watch(fn func(Fix)) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.watchers[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.watchers, id)
		g.mu.Unlock()
	}
}

// Run opens the device and reads sentences until ctx ends.
func (g *GPS) Run(ctx context.Context) error {
	f, err := os.Open(g.opts.Device)
	if err != nil {
		return fmt.Errorf("gps open %s: %w", g.opts.Device, err)
	}
	go func() {
		<-ctx.Done()
		_ = f.Close()
	}()

	g.opts.Logger.Info("gps: reading", "device", g.opts.Device)
	err = g.Read(ctx, f)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Read consumes NMEA lines from r until EOF or ctx ends.
func (g *GPS) Read(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := g.handleSentence(line); err != nil {
			g.opts.Logger.Debug("gps: skip sentence", "sentence", line, "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("gps read: %w", err)
	}
	return nil
}

func (g *GPS) handleSentence(line string) error {
	s, err := nmea.Parse(line)
	if err != nil {
		return err
	}

	var fix Fix
	switch m := s.(type) {
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return fmt.Errorf("rmc: no fix (validity %q)", m.Validity)
		}
		fix = Fix{Lat: m.Latitude, Lng: m.Longitude}
		g.mu.RLock()
		fix.Accuracy = g.fix.Accuracy
		g.mu.RUnlock()
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			return fmt.Errorf("gga: no fix")
		}
		fix = Fix{Lat: m.Latitude, Lng: m.Longitude, Accuracy: m.HDOP * userEquivalentRangeError}
	default:
		return nil
	}

	fix.Time = g.opts.Now()
	if !fix.Valid() {
		return fmt.Errorf("fix out of range: %v,%v", fix.Lat, fix.Lng)
	}
	g.update(fix)
	return nil
}

func (g *GPS) update(fix Fix) {
	g.mu.Lock()
	g.fix = fix
	g.have = true
	watchers := make([]func(Fix), 0, len(g.watchers))
	for _, fn := range g.watchers {
		watchers = append(watchers, fn)
	}
	g.mu.Unlock()

	for _, fn := range watchers {
		fn(fix)
	}
}
