package app

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"vimms-gateway/internal/geo"
	"vimms-gateway/internal/position"
	"vimms-gateway/internal/reading"
	"vimms-gateway/internal/session"
	"vimms-gateway/internal/timeseries"
)

func sample(pm25, pm10 float32) reading.Reading {
	return reading.Reading{}.With(reading.PM2_5, pm25).With(reading.PM10, pm10)
}

func TestConsume_StopsOnClose(t *testing.T) {
	events := make(chan session.Event, 2)
	events <- session.Event{Kind: session.EventReading}
	close(events)

	var n int
	done := make(chan struct{})
	go func() {
		consume(context.Background(), events, func(session.Event) { n++ })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume did not return after close")
	}
	if n != 1 {
		t.Errorf("handled = %d; want 1", n)
	}
}

func TestSeriesConsumer(t *testing.T) {
	store, err := timeseries.New(timeseries.Options{})
	if err != nil {
		t.Fatalf("timeseries.New: %v", err)
	}
	fn := seriesConsumer(store)
	fn(session.Event{Kind: session.EventReading, Reading: sample(3, 7)})
	fn(session.Event{Kind: session.EventInfo, Message: "SPS30 SN:1"})

	if store.Len() != 1 {
		t.Errorf("Len() = %d; want 1", store.Len())
	}
}

func TestHeatmapConsumer(t *testing.T) {
	agg := geo.New(geo.Options{Tracking: true, Rand: rand.New(rand.NewPCG(1, 2)), Logger: discard()})
	pos := position.NewStatic(position.Fix{Lat: 52.5, Lng: 13.4})
	s := geo.NewSampler(agg, pos, time.Hour, discard())
	fn := heatmapConsumer(s)

	fn(session.Event{Kind: session.EventReading, Reading: sample(4, 8)})
	if agg.Len() != 1 {
		t.Fatalf("Len() = %d; want 1 after first reading", agg.Len())
	}

	fn(session.Event{Kind: session.EventDisconnected, Reason: session.ReasonLinkLost})
	if s.Sample() {
		t.Error("Sample() after disconnect added a point")
	}

	fn(session.Event{Kind: session.EventReading, Reading: sample(5, 9)})
	fn(session.Event{Kind: session.EventState, State: session.StateFailed})
	if s.Sample() {
		t.Error("Sample() after failure added a point")
	}
}

type publishCall struct {
	kind    string
	fix     *position.Fix
	reason  session.DisconnectReason
	failure *session.Error
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *fakePublisher) PublishReading(_ string, _ reading.Reading, _ time.Time, fix *position.Fix) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{kind: "reading", fix: fix})
	return p.err
}

func (p *fakePublisher) PublishStatus(_ session.Status, reason session.DisconnectReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{kind: "status", reason: reason})
	return p.err
}

func (p *fakePublisher) PublishFailure(_ session.Status, failure *session.Error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{kind: "failure", failure: failure})
	return p.err
}

type fixedStatus session.Status

func (f fixedStatus) Status() session.Status { return session.Status(f) }

func TestMQTTConsumer(t *testing.T) {
	pub := &fakePublisher{err: errors.New("offline")}
	pos := position.NewStatic(position.Fix{Lat: 1, Lng: 2})
	fn := mqttConsumer(pub, fixedStatus{State: session.StateConnected}, pos, discard())

	fn(session.Event{Kind: session.EventReading, Reading: sample(1, 2)})
	fn(session.Event{Kind: session.EventConnected})
	fn(session.Event{Kind: session.EventDisconnected, Reason: session.ReasonUser})

	if len(pub.calls) != 2 {
		t.Fatalf("calls = %d; want 2", len(pub.calls))
	}
	if pub.calls[0].kind != "reading" || pub.calls[0].fix == nil || pub.calls[0].fix.Lat != 1 {
		t.Errorf("reading call = %+v", pub.calls[0])
	}
	if pub.calls[1].kind != "status" || pub.calls[1].reason != session.ReasonUser {
		t.Errorf("status call = %+v", pub.calls[1])
	}
}

func TestMQTTConsumer_Failure(t *testing.T) {
	pub := &fakePublisher{}
	fn := mqttConsumer(pub, fixedStatus{State: session.StateFailed}, position.None{}, discard())
	failure := &session.Error{Kind: session.ErrScanTimeout, Op: "discover", Hints: []string{"move closer"}}

	fn(session.Event{Kind: session.EventError, State: session.StateConnected, Err: failure})
	fn(session.Event{Kind: session.EventError, State: session.StateFailed, Err: failure})

	if len(pub.calls) != 1 {
		t.Fatalf("calls = %d; want 1 (command errors are not status)", len(pub.calls))
	}
	if pub.calls[0].kind != "failure" || pub.calls[0].failure != failure {
		t.Errorf("call = %+v; want failure with the session error", pub.calls[0])
	}
}

type fakePoints struct {
	n   int
	fix *position.Fix
}

func (f *fakePoints) WriteReading(_ string, _ reading.Reading, _ time.Time, fix *position.Fix) {
	f.n++
	f.fix = fix
}

func TestInfluxConsumer_NoPosition(t *testing.T) {
	w := &fakePoints{}
	fn := influxConsumer(w, position.None{})
	fn(session.Event{Kind: session.EventReading, Reading: sample(1, 2)})
	fn(session.Event{Kind: session.EventState, State: session.StateConnected})

	if w.n != 1 {
		t.Errorf("writes = %d; want 1", w.n)
	}
	if w.fix != nil {
		t.Errorf("fix = %+v; want nil", w.fix)
	}
}
