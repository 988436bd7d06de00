package app

import (
	"context"
	"log/slog"
	"time"

	"vimms-gateway/internal/session"
)

type connector interface {
	Connect(ctx context.Context)
	State() session.State
}

// supervisor restarts discovery after a failed connect or an exhausted
// reconnect. A user disconnect is left alone.
type supervisor struct {
	sess     connector
	interval time.Duration
	logger   *slog.Logger
}

func newSupervisor(sess connector, interval time.Duration, logger *slog.Logger) *supervisor {
	return &supervisor{sess: sess, interval: interval, logger: logger.With("component", "supervisor")}
}

func (sv *supervisor) Run(ctx context.Context, events <-chan session.Event) {
	timer := time.NewTimer(sv.interval)
	timer.Stop()
	pending := false
	arm := func(why string) {
		if pending {
			return
		}
		sv.logger.Info("supervisor: rescan scheduled", "after", sv.interval, "reason", why)
		timer.Reset(sv.interval)
		pending = true
	}
	disarm := func() {
		timer.Stop()
		pending = false
	}
	defer disarm()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch {
			case e.Kind == session.EventState && e.State == session.StateFailed:
				arm("connect failed")
			case e.Kind == session.EventDisconnected && e.Reason == session.ReasonLinkLost:
				arm("link lost")
			case e.Kind == session.EventDisconnected && e.Reason == session.ReasonUser,
				e.Kind == session.EventConnected:
				disarm()
			}
		case <-timer.C:
			pending = false
			switch st := sv.sess.State(); st {
			case session.StateFailed, session.StateDisconnected, session.StateIdle:
				sv.logger.Info("supervisor: rescanning", "state", st)
				sv.sess.Connect(ctx)
			default:
				sv.logger.Debug("supervisor: rescan skipped", "state", st)
			}
		}
	}
}
