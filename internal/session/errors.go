package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Failure kinds surfaced to subscribers.
var (
	ErrScanTimeout       = errors.New("scan timeout")
	ErrUserCancelled     = errors.New("user cancelled")
	ErrLinkFailure       = errors.New("link failure")
	ErrServiceResolution = errors.New("service resolution failed")
	ErrWriteFailure      = errors.New("write failure")
	ErrNotConnected      = errors.New("not connected")
)

// Error is a classified session failure. errors.Is matches both Kind and the
// underlying cause.
type Error struct {
	Kind  error
	Op    string
	Err   error
	Hints []string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil && !errors.Is(e.Kind, e.Err) {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindName is the stable wire name of the failure kind.
func (e *Error) KindName() string {
	switch {
	case errors.Is(e.Kind, ErrScanTimeout):
		return "scan_timeout"
	case errors.Is(e.Kind, ErrUserCancelled):
		return "user_cancelled"
	case errors.Is(e.Kind, ErrLinkFailure):
		return "link_failure"
	case errors.Is(e.Kind, ErrServiceResolution):
		return "service_resolution"
	case errors.Is(e.Kind, ErrWriteFailure):
		return "write_failure"
	case errors.Is(e.Kind, ErrNotConnected):
		return "not_connected"
	default:
		return "unknown"
	}
}

type errorJSON struct {
	Kind    string   `json:"kind"`
	Op      string   `json:"op,omitempty"`
	Message string   `json:"message"`
	Hints   []string `json:"hints,omitempty"`
}

// MarshalJSON exposes the kind, operation, message and recovery hints.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorJSON{Kind: e.KindName(), Op: e.Op, Message: e.Error(), Hints: e.Hints})
}

const (
	hintCheckDevice = "make sure the sensor is powered on and within range"
	hintRestart     = "try restarting the sensor"
	hintLocation    = "make sure location services are enabled for Bluetooth scanning"
	hintAdvertising = "make sure the sensor is advertising and not connected to another host"
	hintAdapter     = "make sure the Bluetooth adapter is powered and not blocked by rfkill"
	hintClearCache  = "clear the host's Bluetooth device cache and pair again"
)

// hintsFor returns recovery suggestions for a failure kind under profile p.
func hintsFor(kind error, p TransportProfile) []string {
	var hints []string
	switch {
	case errors.Is(kind, ErrScanTimeout):
		hints = append(hints, hintAdvertising, hintCheckDevice, hintAdapter, hintLocation)
	case errors.Is(kind, ErrUserCancelled):
		return nil
	case errors.Is(kind, ErrWriteFailure):
		hints = append(hints, hintCheckDevice)
	default:
		hints = append(hints, hintCheckDevice, hintRestart, hintLocation)
	}
	if p.ManagedReconnect {
		hints = append(hints, hintClearCache)
	}
	return hints
}

func newError(kind error, op string, cause error, p TransportProfile) *Error {
	return &Error{Kind: kind, Op: op, Err: cause, Hints: hintsFor(kind, p)}
}
