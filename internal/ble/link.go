package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"vimms-gateway/internal/session"
	"vimms-gateway/internal/utils"
)

// Open connects to a peripheral returned by Discover. BlueZ connects
// without a context, so a cancelled Open disconnects whatever it gets.
func (t *Transport) Open(ctx context.Context, p session.Peripheral) (session.Link, error) {
	per, ok := p.(*peripheral)
	if !ok {
		return nil, fmt.Errorf("ble: foreign peripheral %T", p)
	}
	if err := t.enable(); err != nil {
		return nil, err
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	res := make(chan result, 1)
	go func() {
		dev, err := t.adapter.Connect(per.addr, bluetooth.ConnectionParams{})
		res <- result{dev, err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("ble connect %s: %w", per.ID(), r.err)
		}
		l := &link{
			dev:    r.dev,
			id:     per.ID(),
			lost:   make(chan struct{}),
			logger: t.logger.With("address", per.ID()),
			forget: t.forget,
		}
		t.mu.Lock()
		t.links[l.id] = l
		t.mu.Unlock()
		t.logger.Info("ble: connected", "name", per.name, "address", per.ID())
		return l, nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.err == nil {
				_ = r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *Transport) onConnectChange(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := dev.Address.String()
	t.mu.Lock()
	l := t.links[id]
	delete(t.links, id)
	t.mu.Unlock()
	if l != nil {
		l.markLost()
	}
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.links, id)
	t.mu.Unlock()
}

type link struct {
	dev    bluetooth.Device
	id     string
	logger *slog.Logger
	forget func(string)

	mu       sync.Mutex
	lost     chan struct{}
	lostOnce sync.Once
	closed   bool
}

func (l *link) Lost() <-chan struct{} { return l.lost }

func (l *link) markLost() {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.lostOnce.Do(func() {
		l.logger.Warn("ble: link lost")
		close(l.lost)
	})
}

// Resolve discovers one characteristic of one service.
func (l *link) Resolve(ctx context.Context, serviceID, characteristicID string) (session.Channel, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return nil, fmt.Errorf("service uuid %q: %w", serviceID, err)
	}
	charUUID, err := bluetooth.ParseUUID(characteristicID)
	if err != nil {
		return nil, fmt.Errorf("characteristic uuid %q: %w", characteristicID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	svcs, err := l.dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover service %s: %w", serviceID, err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", serviceID)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return nil, fmt.Errorf("discover characteristic %s: %w", characteristicID, err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", characteristicID)
	}
	return &channel{char: chars[0], uuid: characteristicID, logger: l.logger}, nil
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.forget(l.id)
	if err := l.dev.Disconnect(); err != nil {
		return fmt.Errorf("ble disconnect %s: %w", l.id, err)
	}
	return nil
}

type channel struct {
	char   bluetooth.DeviceCharacteristic
	uuid   string
	logger *slog.Logger
}

func (c *channel) Subscribe(onFrame func([]byte)) error {
	err := c.char.EnableNotifications(func(buf []byte) {
		// BlueZ reuses buf after the callback returns.
		b := append([]byte(nil), buf...)
		c.logger.Debug("ble: notification", "characteristic", c.uuid, "len", len(b), "data", utils.BytesToHex(b))
		onFrame(b)
	})
	if err != nil {
		return fmt.Errorf("enable notifications %s: %w", c.uuid, err)
	}
	return nil
}

// CanWriteWithoutResponse is always true on BlueZ; Write falls back to an
// acknowledged write when the characteristic rejects the unacknowledged one.
func (c *channel) CanWriteWithoutResponse() bool { return true }

func (c *channel) Write(ctx context.Context, p []byte, mode session.WriteMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mode == session.WriteWithoutResponse {
		_, err := c.char.WriteWithoutResponse(p)
		if err == nil {
			return nil
		}
		c.logger.Debug("ble: unacknowledged write rejected, retrying with response", "error", err)
	}
	if _, err := c.char.Write(p); err != nil {
		return fmt.Errorf("write %s: %w", c.uuid, err)
	}
	return nil
}
