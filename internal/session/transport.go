package session

import "context"

// Filter selects which advertising peripheral Discover returns.
type Filter struct {
	NamePrefix string
}

// Peripheral is a discovered device handle.
type Peripheral interface {
	ID() string
	Name() string
}

type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

// Transport abstracts the wireless substrate.
//
// Discover blocks until a matching peripheral advertises or ctx ends. It
// returns ctx.Err() on deadline, or an error wrapping ErrUserCancelled when
// the host aborted the scan.
type Transport interface {
	Discover(ctx context.Context, f Filter) (Peripheral, error)
	Open(ctx context.Context, p Peripheral) (Link, error)
}

// Link is an open connection to one peripheral.
type Link interface {
	Resolve(ctx context.Context, serviceID, characteristicID string) (Channel, error)
	// Lost is closed when the link drops without a local Close.
	Lost() <-chan struct{}
	Close() error
}

// Channel is one resolved characteristic.
type Channel interface {
	Subscribe(onFrame func([]byte)) error
	Write(ctx context.Context, p []byte, mode WriteMode) error
	CanWriteWithoutResponse() bool
}
