package frame

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"vimms-gateway/internal/reading"
)

// Encode renders f in the raw wire format with an explicit mask.
func (f RawFrame) Encode() string {
	var sb strings.Builder
	sb.WriteString(RawMarker)
	sb.WriteString(strconv.FormatUint(uint64(f.Mask), 16))
	sb.WriteByte(':')
	var buf [4]byte
	for i, v := range f.Values {
		if i > 0 {
			sb.WriteByte('.')
		}
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(v))
		sb.WriteString(hex.EncodeToString(buf[:]))
	}
	return sb.String()
}

// RawFrameOf builds a raw frame from r. Absent channels encode as 0 with
// their mask bit clear.
func RawFrameOf(r reading.Reading) RawFrame {
	var f RawFrame
	for i, c := range rawOrder {
		if v, ok := r.Get(c); ok {
			f.Values[i] = v
			f.Mask |= 1 << i
		}
	}
	return f
}

type compactDoc struct {
	PM []int64 `json:"pm,omitempty"`
	NC []int64 `json:"nc,omitempty"`
	TS *int64  `json:"ts,omitempty"`
}

// FormatCompact renders r as a compact frame. A group is emitted only when
// all of its channels are present.
func FormatCompact(r reading.Reading) string {
	var doc compactDoc
	if vals, ok := fixedPoint(r, compactPM); ok {
		doc.PM = vals
	}
	if vals, ok := fixedPoint(r, compactNC); ok {
		doc.NC = vals
	}
	if v, ok := r.Get(reading.TypicalSize); ok {
		ts := int64(math.Round(float64(v) * compactScale))
		doc.TS = &ts
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

func fixedPoint(r reading.Reading, channels []reading.Channel) ([]int64, bool) {
	out := make([]int64, len(channels))
	for i, c := range channels {
		v, ok := r.Get(c)
		if !ok {
			return nil, false
		}
		out[i] = int64(math.Round(float64(v) * compactScale))
	}
	return out, true
}
