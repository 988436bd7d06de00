// Package frame decodes SPS30 notification payloads into readings.
//
// Three encodings share the notify characteristic and are told apart by
// prefix: an identification line, a raw binary-float line, and a compact
// JSON object. Decoding is pure and never fails the caller; malformed input
// yields an Empty or RawError result.
package frame

import (
	"strings"

	"vimms-gateway/internal/reading"
)

// IdentificationMarker prefixes the device's response to the info command.
const IdentificationMarker = "SPS30 SN:"

type Kind int

const (
	KindEmpty Kind = iota
	KindIdentification
	KindRawError
	KindReading
)

func (k Kind) String() string {
	switch k {
	case KindIdentification:
		return "identification"
	case KindRawError:
		return "raw_error"
	case KindReading:
		return "reading"
	default:
		return "empty"
	}
}

// Result is the outcome of decoding one payload.
type Result struct {
	Kind Kind

	// Info is the identification string, marker included.
	Info string

	Reading reading.Reading

	// Mask is the validity mask of a raw frame.
	Mask uint16

	// Malformed names compact field groups that were present but unusable.
	Malformed []string

	// Err explains a KindRawError result.
	Err error
}

type Options struct {
	// HonorMask drops raw-frame channels whose validity bit is clear.
	HonorMask bool
}

type Decoder struct {
	opts Options
}

func NewDecoder(opts Options) *Decoder {
	return &Decoder{opts: opts}
}

// Decode classifies and decodes a single payload.
func (d *Decoder) Decode(payload []byte) Result {
	s := string(payload)

	switch {
	case strings.HasPrefix(s, IdentificationMarker):
		return Result{Kind: KindIdentification, Info: s}

	case strings.HasPrefix(s, RawMarker):
		f, err := ParseRaw(s)
		if err != nil {
			return Result{Kind: KindRawError, Err: err}
		}
		r := f.Reading(d.opts.HonorMask)
		if r.IsEmpty() {
			return Result{Kind: KindEmpty, Mask: f.Mask}
		}
		return Result{Kind: KindReading, Reading: r, Mask: f.Mask}
	}

	r, malformed, ok := ParseCompact(s)
	if !ok || r.IsEmpty() {
		return Result{Kind: KindEmpty, Malformed: malformed}
	}
	return Result{Kind: KindReading, Reading: r, Malformed: malformed}
}

// Decode decodes with default options.
func Decode(payload []byte) Result {
	return (&Decoder{}).Decode(payload)
}
