package session

import (
	"log/slog"
	"sync"
	"time"

	"vimms-gateway/internal/reading"
)

type EventKind int

const (
	EventState EventKind = iota
	EventStatus
	EventReading
	EventInfo
	EventError
	EventConnected
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventStatus:
		return "status"
	case EventReading:
		return "reading"
	case EventInfo:
		return "info"
	case EventError:
		return "error"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DisconnectReason tells subscribers why a session ended.
type DisconnectReason string

const (
	ReasonUser     DisconnectReason = "user"
	ReasonLinkLost DisconnectReason = "link_lost"
)

// Event is an immutable notification published by a Session. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind      EventKind        `json:"kind"`
	SessionID string           `json:"session_id,omitempty"`
	Time      time.Time        `json:"time"`
	State     State            `json:"state"`
	Previous  State            `json:"previous"`
	Message   string           `json:"message,omitempty"`
	Reading   reading.Reading  `json:"reading,omitzero"`
	Err       *Error           `json:"error,omitempty"`
	Reason    DisconnectReason `json:"reason,omitempty"`
}

// lifecycle reports whether k changes what a subscriber believes about the
// session. Those events are never dropped.
func (k EventKind) lifecycle() bool {
	switch k {
	case EventState, EventError, EventConnected, EventDisconnected:
		return true
	}
	return false
}

// Bus fans events out to independent subscribers. Each subscriber gets its
// own buffered channel fed by a pump goroutine and sees events in publish
// order. Publish never blocks: when a subscriber falls more than its buffer
// size behind, new readings, status and info events for it are dropped.
// Lifecycle events are always queued.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	closed bool
	logger *slog.Logger
}

type subscriber struct {
	id    int
	out   chan Event
	limit int

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
	stop  sync.Once
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel once pending events are discarded; it is safe to
// call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	sub := &subscriber{
		out:   make(chan Event, buffer),
		limit: max(buffer, 1),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	sub.id = b.next
	b.next++
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.pump()

	return sub.out, func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.close()
	}
}

// Publish queues e for every subscriber.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.enqueue(e) {
			b.logger.Warn("session: subscriber too slow, event dropped", "subscriber", sub.id, "kind", e.Kind.String())
		}
	}
}

// Close unregisters every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}

func (s *subscriber) enqueue(e Event) bool {
	s.mu.Lock()
	if !e.Kind.lifecycle() && len(s.queue) >= s.limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) close() {
	s.stop.Do(func() { close(s.done) })
}

// pump owns out and closes it on exit.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.queue = nil
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
