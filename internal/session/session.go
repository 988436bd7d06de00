// Package session drives the connection lifecycle of one SPS30 peripheral:
// scan, open, negotiate, stream, and recover from unsolicited link loss.
// Decoded readings and lifecycle changes are published on a Bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vimms-gateway/internal/frame"
	"vimms-gateway/internal/utils"
)

// Nordic UART service used by the SPS30 bridge firmware.
const (
	DefaultServiceID        = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultWriteCharID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultNotifyCharID     = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultNamePrefix       = "SPS30"
	DefaultScanTimeout      = 20 * time.Second
	defaultSubscriberBuffer = 64
)

// Command is a device command written verbatim to the write characteristic.
type Command string

const (
	CommandInfo  Command = "info"
	CommandReset Command = "reset"
	CommandClean Command = "clean"
)

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case CommandInfo, CommandReset, CommandClean:
		return c, nil
	}
	return "", fmt.Errorf("unknown command %q (allowed: info, reset, clean)", s)
}

type Options struct {
	Filter       Filter
	ServiceID    string
	WriteCharID  string
	NotifyCharID string
	ScanTimeout  time.Duration

	// Profile is used unless SelectProfile is set.
	Profile TransportProfile
	// SelectProfile picks a profile once per connect, after discovery.
	SelectProfile func(Peripheral) TransportProfile

	Decoder *frame.Decoder
	Bus     *Bus
	Logger  *slog.Logger
}

// Status is a point-in-time view of a Session.
type Status struct {
	ID         string    `json:"id,omitempty"`
	State      State     `json:"state"`
	Peripheral string    `json:"peripheral,omitempty"`
	Address    string    `json:"address,omitempty"`
	Profile    string    `json:"profile,omitempty"`
	Retries    int       `json:"retries"`
	LastSeen   time.Time `json:"last_seen,omitzero"`
	DeviceInfo string    `json:"device_info,omitempty"`
}

// Session owns at most one peripheral connection. All methods are safe for
// concurrent use; connect and reconnect sequences never overlap.
type Session struct {
	transport Transport
	opts      Options
	bus       *Bus
	decoder   *frame.Decoder
	logger    *slog.Logger

	mu         sync.Mutex
	gen        uint64
	id         string
	state      State
	peripheral Peripheral
	profile    TransportProfile
	link       Link
	writer     Channel
	retries    int
	lastSeen   time.Time
	deviceInfo string
	cancel     context.CancelFunc
	stopParent func() bool
	infoTimer  *time.Timer
}

func New(t Transport, opts Options) *Session {
	if opts.ServiceID == "" {
		opts.ServiceID = DefaultServiceID
	}
	if opts.WriteCharID == "" {
		opts.WriteCharID = DefaultWriteCharID
	}
	if opts.NotifyCharID == "" {
		opts.NotifyCharID = DefaultNotifyCharID
	}
	if opts.Filter.NamePrefix == "" {
		opts.Filter.NamePrefix = DefaultNamePrefix
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.Profile.Name == "" {
		opts.Profile = StandardProfile()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = NewBus(opts.Logger)
	}
	if opts.Decoder == nil {
		opts.Decoder = frame.NewDecoder(frame.Options{})
	}
	return &Session{
		transport: t,
		opts:      opts,
		bus:       opts.Bus,
		decoder:   opts.Decoder,
		logger:    opts.Logger,
		state:     StateIdle,
	}
}

// Bus returns the bus events are published on.
func (s *Session) Bus() *Bus { return s.bus }

// Subscribe is shorthand for Bus().Subscribe.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return s.bus.Subscribe(buffer)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:         s.id,
		State:      s.state,
		Profile:    s.profile.Name,
		Retries:    s.retries,
		LastSeen:   s.lastSeen,
		DeviceInfo: s.deviceInfo,
	}
	if s.peripheral != nil {
		st.Peripheral = s.peripheral.Name()
		st.Address = s.peripheral.ID()
	}
	return st
}

// Connect starts a connect sequence and returns immediately; progress is
// reported on the bus. ctx bounds the whole session lifetime, not just the
// sequence: when it ends the session is disconnected as if by Disconnect.
// Calling Connect on a connected session disconnects it. Calling it while a
// sequence is in flight is rejected.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	switch {
	case s.state == StateConnected:
		s.mu.Unlock()
		s.Disconnect()
		return
	case s.state.busy():
		state := s.state
		s.mu.Unlock()
		s.publish(Event{Kind: EventStatus, State: state, Message: "connect already in progress"})
		return
	}

	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}

	s.gen++
	gen := s.gen
	// Only endLocked cancels runCtx, so every exit of the lifecycle goes
	// through a terminal state.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.stopParent = context.AfterFunc(ctx, func() { s.disconnect(gen, true) })
	s.id = uuid.NewString()
	s.retries = 0
	s.peripheral = nil
	s.deviceInfo = ""
	s.profile = s.opts.Profile
	prev := s.state
	s.state = StateScanning
	id := s.id
	s.mu.Unlock()

	s.logger.Info("session: scanning", "session_id", id, "prefix", s.opts.Filter.NamePrefix, "timeout", s.opts.ScanTimeout)
	s.publishState(id, prev, StateScanning)
	s.publish(Event{Kind: EventStatus, SessionID: id, State: StateScanning, Message: "scanning for devices"})

	go s.establish(runCtx, gen)
}

// Disconnect tears down whatever the session is doing and moves it to
// Disconnected. It publishes exactly one EventDisconnected and is a no-op
// when there is nothing live.
func (s *Session) Disconnect() {
	s.disconnect(0, false)
}

// disconnect ends the lifecycle numbered gen, or the current one when
// fenced is false.
func (s *Session) disconnect(gen uint64, fenced bool) {
	s.mu.Lock()
	if (fenced && s.gen != gen) || !s.state.live() {
		s.mu.Unlock()
		return
	}
	wasBusy := s.state.busy() && s.state != StateReconnecting
	id, prev, link := s.id, s.state, s.link
	s.endLocked(StateDisconnected)
	s.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			s.logger.Debug("session: close on disconnect", "session_id", id, "error", err)
		}
	}

	s.logger.Info("session: disconnected", "session_id", id, "reason", ReasonUser)
	s.publishState(id, prev, StateDisconnected)
	if wasBusy {
		s.publish(Event{
			Kind:      EventError,
			SessionID: id,
			State:     StateDisconnected,
			Err:       newError(ErrUserCancelled, "connect", nil, s.opts.Profile),
			Message:   "connect cancelled",
		})
	}
	s.publish(Event{Kind: EventDisconnected, SessionID: id, State: StateDisconnected, Reason: ReasonUser})
}

// SendCommand writes a command to the connected peripheral.
func (s *Session) SendCommand(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.sendCommand(ctx, gen, cmd)
}

func (s *Session) sendCommand(ctx context.Context, gen uint64, cmd Command) error {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected || s.writer == nil {
		id, state, profile := s.id, s.state, s.profile
		s.mu.Unlock()
		err := newError(ErrWriteFailure, "send "+string(cmd), ErrNotConnected, profile)
		s.publish(Event{Kind: EventError, SessionID: id, State: state, Err: err, Message: err.Error()})
		return err
	}
	id, w, profile := s.id, s.writer, s.profile
	s.mu.Unlock()

	mode := WriteWithResponse
	if profile.PreferWriteWithoutResponse && w.CanWriteWithoutResponse() {
		mode = WriteWithoutResponse
	}

	s.logger.Debug("session: sending command", "session_id", id, "command", cmd, "without_response", mode == WriteWithoutResponse)
	if err := w.Write(ctx, []byte(cmd), mode); err != nil {
		e := newError(ErrWriteFailure, "send "+string(cmd), err, profile)
		s.logger.Warn("session: command failed", "session_id", id, "command", cmd, "error", err, "hints", e.Hints)
		s.publish(Event{Kind: EventError, SessionID: id, State: StateConnected, Err: e, Message: e.Error()})
		return e
	}
	s.publish(Event{Kind: EventStatus, SessionID: id, State: StateConnected, Message: fmt.Sprintf("command sent: %s", cmd)})
	return nil
}

func (s *Session) establish(ctx context.Context, gen uint64) {
	p, err := s.discover(ctx)
	if err != nil {
		kind := ErrLinkFailure
		switch {
		case errors.Is(err, ErrUserCancelled), ctx.Err() != nil:
			kind = ErrUserCancelled
		case errors.Is(err, context.DeadlineExceeded):
			kind = ErrScanTimeout
		}
		s.fail(gen, newError(kind, "discover", err, s.opts.Profile))
		return
	}

	profile := s.opts.Profile
	if s.opts.SelectProfile != nil {
		profile = s.opts.SelectProfile(p)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.peripheral = p
	s.profile = profile
	s.mu.Unlock()

	if !s.advance(gen, StateConnecting, fmt.Sprintf("connecting to %s", p.Name())) {
		return
	}

	link, err := s.openWithRetry(ctx, gen, p, profile)
	if err != nil {
		s.fail(gen, newError(ErrLinkFailure, "connect", err, profile))
		return
	}

	if err := sleepCtx(ctx, profile.ConnectSettle); err != nil {
		_ = link.Close()
		return
	}
	if !s.advance(gen, StateNegotiating, "resolving service") {
		_ = link.Close()
		return
	}

	w, err := s.negotiate(ctx, gen, link, profile)
	if err != nil {
		_ = link.Close()
		s.fail(gen, newError(ErrLinkFailure, "negotiate", err, profile))
		return
	}

	s.connected(ctx, gen, link, w, false)
}

type discovery struct {
	p   Peripheral
	err error
}

// discover races the transport against the scan timeout so a substrate that
// ignores ctx cannot hold the session in Scanning. A late result is dropped.
func (s *Session) discover(ctx context.Context) (Peripheral, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
	defer cancel()

	done := make(chan discovery, 1)
	go func() {
		p, err := s.transport.Discover(scanCtx, s.opts.Filter)
		done <- discovery{p: p, err: err}
	}()

	select {
	case d := <-done:
		return d.p, d.err
	case <-scanCtx.Done():
		return nil, scanCtx.Err()
	}
}

func (s *Session) openWithRetry(ctx context.Context, gen uint64, p Peripheral, profile TransportProfile) (Link, error) {
	var lastErr error
	for attempt := 1; attempt <= profile.ConnectAttempts; attempt++ {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return nil, context.Canceled
		}
		s.retries = attempt - 1
		s.mu.Unlock()

		link, err := s.transport.Open(ctx, p)
		if err == nil {
			return link, nil
		}
		lastErr = err
		s.logger.Warn("session: connect attempt failed",
			"peripheral", p.Name(),
			"attempt", attempt,
			"max_attempts", profile.ConnectAttempts,
			"error", err,
		)
		if attempt < profile.ConnectAttempts {
			if err := sleepCtx(ctx, profile.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", profile.ConnectAttempts, lastErr)
}

// negotiate resolves both characteristics and enables notifications. It
// returns the write channel.
func (s *Session) negotiate(ctx context.Context, gen uint64, link Link, profile TransportProfile) (Channel, error) {
	notify, err := link.Resolve(ctx, s.opts.ServiceID, s.opts.NotifyCharID)
	if err != nil {
		return nil, fmt.Errorf("%w: notify characteristic: %w", ErrServiceResolution, err)
	}
	w, err := link.Resolve(ctx, s.opts.ServiceID, s.opts.WriteCharID)
	if err != nil {
		return nil, fmt.Errorf("%w: write characteristic: %w", ErrServiceResolution, err)
	}
	if err := sleepCtx(ctx, profile.NotifySettle); err != nil {
		return nil, err
	}
	if err := notify.Subscribe(func(b []byte) { s.handleFrame(gen, b) }); err != nil {
		return nil, fmt.Errorf("%w: enable notifications: %w", ErrServiceResolution, err)
	}
	return w, nil
}

// connected installs a negotiated link and enters Connected.
func (s *Session) connected(ctx context.Context, gen uint64, link Link, w Channel, reconnected bool) {
	s.mu.Lock()
	if s.gen != gen || !s.state.busy() {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	prev := s.state
	s.state = StateConnected
	s.link = link
	s.writer = w
	s.retries = 0
	s.lastSeen = time.Now()
	id, profile := s.id, s.profile
	name := ""
	if s.peripheral != nil {
		name = s.peripheral.Name()
	}
	s.infoTimer = time.AfterFunc(profile.InfoDelay, func() {
		if err := s.sendCommand(ctx, gen, CommandInfo); err != nil {
			s.logger.Debug("session: info request skipped", "session_id", id, "error", err)
		}
	})
	s.mu.Unlock()

	msg := "connected to " + name
	if reconnected {
		msg = "reconnected to " + name
	}
	s.logger.Info("session: connected", "session_id", id, "peripheral", name, "profile", profile.Name, "reconnected", reconnected)
	s.publishState(id, prev, StateConnected)
	s.publish(Event{Kind: EventConnected, SessionID: id, State: StateConnected, Message: msg})

	go s.watch(ctx, gen, link)
}

// watch waits for unsolicited loss of link and starts recovery.
func (s *Session) watch(ctx context.Context, gen uint64, link Link) {
	select {
	case <-ctx.Done():
		return
	case <-link.Lost():
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected || s.link != link {
		s.mu.Unlock()
		return
	}
	id := s.id
	s.state = StateReconnecting
	s.link = nil
	s.writer = nil
	s.stopInfoLocked()
	s.mu.Unlock()

	if err := link.Close(); err != nil {
		s.logger.Debug("session: close lost link", "session_id", id, "error", err)
	}
	s.logger.Warn("session: link lost, reconnecting", "session_id", id)
	s.publishState(id, StateConnected, StateReconnecting)
	s.publish(Event{Kind: EventStatus, SessionID: id, State: StateReconnecting, Message: "connection lost, attempting to reconnect"})

	s.reconnect(ctx, gen)
}

func (s *Session) reconnect(ctx context.Context, gen uint64) {
	s.mu.Lock()
	p, profile, id := s.peripheral, s.profile, s.id
	s.mu.Unlock()

	if err := sleepCtx(ctx, profile.ReconnectDelay); err != nil {
		return
	}

	for attempt := 1; attempt <= profile.ReconnectAttempts; attempt++ {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.retries = attempt
		s.mu.Unlock()

		link, err := s.transport.Open(ctx, p)
		if err == nil {
			w, nerr := s.negotiate(ctx, gen, link, profile)
			if nerr == nil {
				s.connected(ctx, gen, link, w, true)
				return
			}
			_ = link.Close()
			err = nerr
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("session: reconnect attempt failed",
			"session_id", id,
			"attempt", attempt,
			"max_attempts", profile.ReconnectAttempts,
			"error", err,
		)
		if attempt < profile.ReconnectAttempts {
			if err := sleepCtx(ctx, profile.RetryDelay); err != nil {
				return
			}
		}
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.endLocked(StateDisconnected)
	s.mu.Unlock()

	s.logger.Warn("session: reconnect exhausted", "session_id", id, "attempts", profile.ReconnectAttempts)
	s.publishState(id, StateReconnecting, StateDisconnected)
	s.publish(Event{Kind: EventDisconnected, SessionID: id, State: StateDisconnected, Reason: ReasonLinkLost, Message: "reconnect failed"})
}

func (s *Session) handleFrame(gen uint64, payload []byte) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lastSeen = time.Now()
	id, state := s.id, s.state
	s.mu.Unlock()

	res := s.decoder.Decode(payload)
	switch res.Kind {
	case frame.KindReading:
		if len(res.Malformed) > 0 {
			s.logger.Debug("session: partial frame", "session_id", id, "malformed", res.Malformed)
		}
		if res.Mask != 0 && res.Mask != frame.DefaultRawMask {
			s.logger.Debug("session: raw frame with invalid channels", "session_id", id, "mask", "0x"+utils.Hex4(res.Mask))
		}
		s.publish(Event{Kind: EventReading, SessionID: id, State: state, Reading: res.Reading})
	case frame.KindIdentification:
		s.mu.Lock()
		if s.gen == gen {
			s.deviceInfo = res.Info
		}
		s.mu.Unlock()
		s.logger.Info("session: device info", "session_id", id, "info", res.Info)
		s.publish(Event{Kind: EventInfo, SessionID: id, State: state, Message: res.Info})
	case frame.KindRawError:
		s.logger.Debug("session: undecodable raw frame", "session_id", id, "error", res.Err, "data", utils.BytesToHex(payload))
	default:
		s.logger.Debug("session: empty frame", "session_id", id, "malformed", res.Malformed, "bytes", len(payload))
	}
}

// advance moves an in-flight sequence to the next state.
func (s *Session) advance(gen uint64, to State, msg string) bool {
	s.mu.Lock()
	if s.gen != gen || !s.state.busy() {
		s.mu.Unlock()
		return false
	}
	prev, id := s.state, s.id
	s.state = to
	s.mu.Unlock()

	s.publishState(id, prev, to)
	s.publish(Event{Kind: EventStatus, SessionID: id, State: to, Message: msg})
	return true
}

func (s *Session) fail(gen uint64, e *Error) {
	s.mu.Lock()
	if s.gen != gen || !s.state.busy() {
		s.mu.Unlock()
		return
	}
	prev, id, link := s.state, s.id, s.link
	s.endLocked(StateFailed)
	s.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}

	s.logger.Warn("session: failed", "session_id", id, "state", prev.String(), "kind", e.KindName(), "error", e, "hints", e.Hints)
	s.publishState(id, prev, StateFailed)
	s.publish(Event{Kind: EventError, SessionID: id, State: StateFailed, Err: e, Message: e.Error()})
}

// endLocked moves to a terminal state and fences every goroutine of the
// current lifecycle. Callers hold s.mu.
func (s *Session) endLocked(to State) {
	s.state = to
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stopParent != nil {
		s.stopParent()
		s.stopParent = nil
	}
	s.stopInfoLocked()
	s.link = nil
	s.writer = nil
}

func (s *Session) stopInfoLocked() {
	if s.infoTimer != nil {
		s.infoTimer.Stop()
		s.infoTimer = nil
	}
}

func (s *Session) publishState(id string, from, to State) {
	s.publish(Event{Kind: EventState, SessionID: id, Previous: from, State: to})
}

func (s *Session) publish(e Event) {
	s.bus.Publish(e)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
