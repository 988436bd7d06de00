// Package influx mirrors readings into an InfluxDB v2 bucket.
package influx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"vimms-gateway/internal/config"
	"vimms-gateway/internal/position"
	"vimms-gateway/internal/reading"
)

const Measurement = "particulates"

// pointWriter is the subset of api.WriteAPI the Writer uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
	Errors() <-chan error
}

// Writer batches points through the non-blocking write API. Write errors
// are logged, never returned.
type Writer struct {
	client influxdb2.Client
	api    pointWriter
	device string
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewWriter(cfg config.Config, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken,
		influxdb2.DefaultOptions().SetBatchSize(50).SetFlushInterval(1000))
	w := newWriter(client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket), cfg.DeviceID, logger)
	w.client = client
	return w
}

func newWriter(api pointWriter, device string, logger *slog.Logger) *Writer {
	w := &Writer{
		api:    api,
		device: device,
		logger: logger.With("component", "influx"),
		done:   make(chan struct{}),
	}
	go w.drainErrors()
	return w
}

// Ping reports whether the server is reachable.
func (w *Writer) Ping(ctx context.Context) bool {
	if w.client == nil {
		return true
	}
	ok, err := w.client.Ping(ctx)
	if err != nil {
		w.logger.Warn("influx: ping failed", "error", err)
	}
	return ok
}

// WriteReading queues one point. Readings with no finite channel are
// skipped.
func (w *Writer) WriteReading(sessionID string, r reading.Reading, at time.Time, fix *position.Fix) {
	p := NewPoint(w.device, sessionID, r, at, fix)
	if p == nil {
		return
	}
	w.api.WritePoint(p)
}

// NewPoint builds the line-protocol point for a reading, or nil when it has
// no finite field.
func NewPoint(device, sessionID string, r reading.Reading, at time.Time, fix *position.Fix) *write.Point {
	fields := r.Fields()
	if len(fields) == 0 {
		return nil
	}
	p := influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("device", device).
		SetTime(at)
	if sessionID != "" {
		p.AddTag("session", sessionID)
	}
	for k, v := range fields {
		p.AddField(k, v)
	}
	if fix != nil && fix.Valid() {
		p.AddField("lat", fix.Lat)
		p.AddField("lng", fix.Lng)
	}
	return p
}

func (w *Writer) drainErrors() {
	errs := w.api.Errors()
	for {
		select {
		case <-w.done:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Warn("influx: write failed", "error", err)
		}
	}
}

// Close flushes pending points and releases the client.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		w.api.Flush()
		close(w.done)
		if w.client != nil {
			w.client.Close()
		}
	})
}
