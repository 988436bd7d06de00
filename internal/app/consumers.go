package app

import (
	"context"
	"log/slog"
	"time"

	"vimms-gateway/internal/geo"
	"vimms-gateway/internal/position"
	"vimms-gateway/internal/reading"
	"vimms-gateway/internal/session"
	"vimms-gateway/internal/timeseries"
)

// consume feeds events to fn until ctx ends or the bus closes.
func consume(ctx context.Context, events <-chan session.Event, fn func(session.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fn(e)
		}
	}
}

// seriesConsumer appends every reading to the chart store.
func seriesConsumer(store *timeseries.Store) func(session.Event) {
	return func(e session.Event) {
		if e.Kind == session.EventReading {
			store.Append(e.Reading)
		}
	}
}

// heatmapConsumer feeds readings to the sampler and stops sampling when the
// session ends.
func heatmapConsumer(s *geo.Sampler) func(session.Event) {
	return func(e session.Event) {
		switch {
		case e.Kind == session.EventReading:
			s.Observe(e.Reading)
		case e.Kind == session.EventDisconnected,
			e.Kind == session.EventState && e.State == session.StateFailed:
			s.Reset()
		}
	}
}

type readingPublisher interface {
	PublishReading(sessionID string, r reading.Reading, at time.Time, fix *position.Fix) error
	PublishStatus(st session.Status, reason session.DisconnectReason) error
	PublishFailure(st session.Status, failure *session.Error) error
}

// mqttConsumer publishes readings and, on lifecycle changes, the retained
// session status. A failure republishes the status with its error.
func mqttConsumer(pub readingPublisher, sess interface{ Status() session.Status }, pos position.Source, logger *slog.Logger) func(session.Event) {
	return func(e session.Event) {
		var err error
		switch e.Kind {
		case session.EventReading:
			err = pub.PublishReading(e.SessionID, e.Reading, eventTime(e), currentFix(pos))
		case session.EventError:
			if e.State != session.StateFailed || e.Err == nil {
				return
			}
			err = pub.PublishFailure(sess.Status(), e.Err)
		case session.EventState, session.EventInfo, session.EventDisconnected:
			err = pub.PublishStatus(sess.Status(), e.Reason)
		default:
			return
		}
		if err != nil {
			logger.Debug("mqtt: publish skipped", "kind", e.Kind, "error", err)
		}
	}
}

type pointWriter interface {
	WriteReading(sessionID string, r reading.Reading, at time.Time, fix *position.Fix)
}

func influxConsumer(w pointWriter, pos position.Source) func(session.Event) {
	return func(e session.Event) {
		if e.Kind == session.EventReading {
			w.WriteReading(e.SessionID, e.Reading, eventTime(e), currentFix(pos))
		}
	}
}

func currentFix(pos position.Source) *position.Fix {
	if pos == nil {
		return nil
	}
	if fix, ok := pos.Current(); ok {
		return &fix
	}
	return nil
}

func eventTime(e session.Event) time.Time {
	if e.Time.IsZero() {
		return time.Now()
	}
	return e.Time
}
