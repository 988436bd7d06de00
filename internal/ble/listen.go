// Package ble is the BlueZ implementation of session.Transport.
package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"vimms-gateway/internal/session"
)

type Options struct {
	Adapter string // "hci0" by default
	Logger  *slog.Logger
}

// Transport scans for and connects to peripherals through one adapter.
type Transport struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	links map[string]*link
}

var _ session.Transport = (*Transport)(nil)

func NewTransport(opts Options) *Transport {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Transport{
		adapter: bluetooth.NewAdapter(opts.Adapter),
		opts:    opts,
		logger:  opts.Logger.With("component", "ble", "adapter", opts.Adapter),
		links:   make(map[string]*link),
	}
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		t.logger.Info("ble: enabling adapter")
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("ble enable (%s): %w", t.opts.Adapter, err)
			return
		}
		t.adapter.SetConnectHandler(t.onConnectChange)
		t.logger.Info("ble: adapter enabled")
	})
	return t.enableErr
}

// peripheral is one advertisement that matched the scan filter.
type peripheral struct {
	addr bluetooth.Address
	name string
	rssi int16
}

func (p *peripheral) ID() string   { return p.addr.String() }
func (p *peripheral) Name() string { return p.name }

// Discover scans until a peripheral whose local name has the filter prefix
// advertises, or ctx ends.
func (t *Transport) Discover(ctx context.Context, f session.Filter) (session.Peripheral, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}

	found := make(chan *peripheral, 1)
	scanErr := make(chan error, 1)

	t.logger.Info("ble: scanning started", "name_prefix", f.NamePrefix)
	go func() {
		// adapter.Scan blocks until StopScan() or error.
		scanErr <- t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			name := r.LocalName()
			if !matchName(f.NamePrefix, name) {
				return
			}
			select {
			case found <- &peripheral{addr: r.Address, name: name, rssi: r.RSSI}:
				_ = a.StopScan()
			default:
			}
		})
	}()

	select {
	case p := <-found:
		<-scanErr
		t.logger.Info("ble: peripheral found", "name", p.name, "address", p.ID(), "rssi", p.rssi)
		return p, nil
	case err := <-scanErr:
		select {
		case p := <-found:
			return p, nil
		default:
		}
		if err == nil {
			err = fmt.Errorf("ble scan stopped: %w", session.ErrUserCancelled)
		}
		return nil, fmt.Errorf("ble scan: %w", err)
	case <-ctx.Done():
		_ = t.adapter.StopScan()
		<-scanErr
		t.logger.Info("ble: scanning stopped", "reason", ctx.Err())
		return nil, ctx.Err()
	}
}

func matchName(prefix, name string) bool {
	if name == "" {
		return false
	}
	return strings.HasPrefix(name, prefix)
}
