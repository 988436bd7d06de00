// Package sim is a session.Transport backed by a simulated SPS30 bridge.
// It advertises one peripheral, streams alternating compact and raw frames,
// and answers the info command with an identification string.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"vimms-gateway/internal/frame"
	"vimms-gateway/internal/reading"
	"vimms-gateway/internal/session"
)

const (
	DefaultName     = "SPS30-SIM"
	DefaultSerial   = "SIM-0001"
	DefaultInterval = time.Second
)

type Options struct {
	Name         string
	Serial       string
	Interval     time.Duration
	ServiceID    string
	WriteCharID  string
	NotifyCharID string
	Seed         uint64
	Logger       *slog.Logger
}

type Transport struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	current *link
}

var _ session.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Serial == "" {
		opts.Serial = DefaultSerial
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ServiceID == "" {
		opts.ServiceID = session.DefaultServiceID
	}
	if opts.WriteCharID == "" {
		opts.WriteCharID = session.DefaultWriteCharID
	}
	if opts.NotifyCharID == "" {
		opts.NotifyCharID = session.DefaultNotifyCharID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transport{
		opts:   opts,
		logger: opts.Logger.With("component", "sim"),
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed)),
	}
}

type peripheral struct{ name string }

func (p peripheral) ID() string   { return "sim:" + p.name }
func (p peripheral) Name() string { return p.name }

// Discover finds the simulated peripheral after one interval when its name
// matches the filter; otherwise it waits for ctx like a real empty scan.
func (t *Transport) Discover(ctx context.Context, f session.Filter) (session.Peripheral, error) {
	if !strings.HasPrefix(t.opts.Name, f.NamePrefix) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(min(t.opts.Interval, 100*time.Millisecond)):
		return peripheral{name: t.opts.Name}, nil
	}
}

func (t *Transport) Open(ctx context.Context, p session.Peripheral) (session.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Name() != t.opts.Name {
		return nil, fmt.Errorf("sim: unknown peripheral %q", p.Name())
	}
	l := &link{t: t, lost: make(chan struct{}), done: make(chan struct{})}
	t.mu.Lock()
	t.current = l
	t.mu.Unlock()
	t.logger.Info("sim: connected", "name", p.Name())
	return l, nil
}

// Drop simulates an unsolicited link loss on the open link.
func (t *Transport) Drop() bool {
	t.mu.Lock()
	l := t.current
	t.current = nil
	t.mu.Unlock()
	if l == nil {
		return false
	}
	l.drop()
	return true
}

// next produces a plausible reading drifting around an indoor baseline.
func (t *Transport) next(seq int) reading.Reading {
	t.mu.Lock()
	defer t.mu.Unlock()
	base := 8 + 4*math.Sin(float64(seq)/20) + t.rng.Float64()*2
	pm1 := float32(base * 0.7)
	pm25 := float32(base)
	pm4 := float32(base * 1.1)
	pm10 := float32(base * 1.2)
	return reading.Reading{}.
		With(reading.PM1_0, round2(pm1)).
		With(reading.PM2_5, round2(pm25)).
		With(reading.PM4_0, round2(pm4)).
		With(reading.PM10, round2(pm10)).
		With(reading.NC0_5, round2(pm1*6)).
		With(reading.NC1_0, round2(pm1*7)).
		With(reading.NC2_5, round2(pm25*7.2)).
		With(reading.NC4_0, round2(pm4*7.3)).
		With(reading.NC10, round2(pm10*7.3)).
		With(reading.TypicalSize, round2(0.45+float32(t.rng.Float64())*0.2))
}

func round2(v float32) float32 {
	return float32(math.Round(float64(v)*100) / 100)
}

type link struct {
	t *Transport

	mu       sync.Mutex
	notify   func([]byte)
	closed   bool
	lost     chan struct{}
	lostOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func (l *link) Lost() <-chan struct{} { return l.lost }

func (l *link) drop() {
	l.stop()
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *link) stop() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.stop()

	l.t.mu.Lock()
	if l.t.current == l {
		l.t.current = nil
	}
	l.t.mu.Unlock()
	return nil
}

func (l *link) Resolve(ctx context.Context, serviceID, characteristicID string) (session.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := l.t.opts
	if !strings.EqualFold(serviceID, opts.ServiceID) {
		return nil, fmt.Errorf("sim: service %s not found", serviceID)
	}
	switch {
	case strings.EqualFold(characteristicID, opts.NotifyCharID):
		return &notifyChannel{l: l}, nil
	case strings.EqualFold(characteristicID, opts.WriteCharID):
		return &writeChannel{l: l}, nil
	}
	return nil, fmt.Errorf("sim: characteristic %s not found", characteristicID)
}

func (l *link) emit(payload string) {
	l.mu.Lock()
	fn, closed := l.notify, l.closed
	l.mu.Unlock()
	if fn == nil || closed {
		return
	}
	fn([]byte(payload))
}

func (l *link) stream() {
	tick := time.NewTicker(l.t.opts.Interval)
	defer tick.Stop()
	for seq := 0; ; seq++ {
		select {
		case <-l.done:
			return
		case <-tick.C:
		}
		r := l.t.next(seq)
		if seq%2 == 0 {
			l.emit(frame.FormatCompact(r))
		} else {
			l.emit(frame.RawFrameOf(r).Encode())
		}
	}
}

type notifyChannel struct{ l *link }

func (c *notifyChannel) Subscribe(onFrame func([]byte)) error {
	c.l.mu.Lock()
	first := c.l.notify == nil
	c.l.notify = onFrame
	c.l.mu.Unlock()
	if first {
		go c.l.stream()
	}
	return nil
}

func (c *notifyChannel) Write(context.Context, []byte, session.WriteMode) error {
	return fmt.Errorf("sim: notify characteristic is not writable")
}

func (c *notifyChannel) CanWriteWithoutResponse() bool { return false }

type writeChannel struct{ l *link }

func (c *writeChannel) Subscribe(func([]byte)) error {
	return fmt.Errorf("sim: write characteristic does not notify")
}

func (c *writeChannel) CanWriteWithoutResponse() bool { return true }

func (c *writeChannel) Write(ctx context.Context, p []byte, mode session.WriteMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.l.mu.Lock()
	closed := c.l.closed
	c.l.mu.Unlock()
	if closed {
		return fmt.Errorf("sim: link closed")
	}

	cmd := strings.TrimSpace(string(p))
	c.l.t.logger.Debug("sim: command", "command", cmd, "without_response", mode == session.WriteWithoutResponse)
	if cmd == string(session.CommandInfo) {
		go c.l.emit(frame.IdentificationMarker + c.l.t.opts.Serial)
	}
	return nil
}
