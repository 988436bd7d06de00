package frame

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"vimms-gateway/internal/reading"
)

// Raw frame format: RAW:[<hex-mask>:]<v0>.<v1>...<vN>, each value the
// big-endian IEEE-754 float32 bytes of one channel as 8 hex characters.
const (
	RawMarker      = "RAW:"
	DefaultRawMask = 0x03FF
	rawValueCount  = 10
	rawHexWidth    = 8
)

// rawOrder is the channel order of values in a raw frame. It differs from
// the declaration order of reading.Channel: typical size comes last.
var rawOrder = [rawValueCount]reading.Channel{
	reading.PM1_0,
	reading.PM2_5,
	reading.PM4_0,
	reading.PM10,
	reading.NC0_5,
	reading.NC1_0,
	reading.NC2_5,
	reading.NC4_0,
	reading.NC10,
	reading.TypicalSize,
}

// RawFrame is a parsed raw payload.
type RawFrame struct {
	Mask   uint16
	Values [rawValueCount]float32
}

// ParseRaw parses a payload beginning with RawMarker. Tokens shorter than 8
// characters, tokens with non-hex characters and non-finite floats decode to
// 0. The value list is padded or truncated to exactly ten entries.
func ParseRaw(payload string) (RawFrame, error) {
	if !strings.HasPrefix(payload, RawMarker) {
		return RawFrame{}, fmt.Errorf("missing %q marker", RawMarker)
	}

	f := RawFrame{Mask: DefaultRawMask}

	var data string
	parts := strings.Split(payload, ":")
	switch {
	case len(parts) >= 3:
		if m, err := strconv.ParseUint(parts[1], 16, 16); err == nil {
			f.Mask = uint16(m)
		}
		data = parts[2]
	case len(parts) == 2:
		data = parts[1]
	default:
		data = payload[len(RawMarker):]
	}

	if !strings.Contains(data, ".") {
		return RawFrame{}, fmt.Errorf("no dot-separated values in %q", data)
	}

	tokens := strings.Split(data, ".")
	for i := 0; i < len(tokens) && i < rawValueCount; i++ {
		f.Values[i] = decodeRawToken(tokens[i])
	}
	return f, nil
}

func decodeRawToken(tok string) float32 {
	if len(tok) < rawHexWidth {
		return 0
	}
	b, err := hex.DecodeString(tok[:rawHexWidth])
	if err != nil {
		return 0
	}
	v := math.Float32frombits(binary.BigEndian.Uint32(b))
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0
	}
	return v
}

// Reading maps the frame onto a Reading. With honorMask set, channels whose
// mask bit is clear are left absent; otherwise all ten channels are present.
func (f RawFrame) Reading(honorMask bool) reading.Reading {
	var r reading.Reading
	for i, c := range rawOrder {
		if honorMask && f.Mask&(1<<uint(i)) == 0 {
			continue
		}
		r = r.With(c, f.Values[i])
	}
	return r
}
