package frame

import (
	"encoding/json"
	"strings"

	"vimms-gateway/internal/reading"
)

// Compact frames carry fixed-point integers scaled by 100:
//
//	{"pm":[pm1_0,pm2_5,pm4_0,pm10],"nc":[nc0_5,nc1_0,nc2_5,nc4_0,nc10],"ts":typical_size}
const compactScale = 100

var (
	compactPM = []reading.Channel{reading.PM1_0, reading.PM2_5, reading.PM4_0, reading.PM10}
	compactNC = []reading.Channel{reading.NC0_5, reading.NC1_0, reading.NC2_5, reading.NC4_0, reading.NC10}
)

// ParseCompact decodes a structured frame leniently: each field group is
// taken independently, and a group that is present but malformed is left
// absent and reported in malformed. ok is false when the payload is not a
// JSON object at all.
func ParseCompact(payload string) (r reading.Reading, malformed []string, ok bool) {
	if !strings.Contains(payload, "{") || !strings.Contains(payload, "}") {
		return reading.Reading{}, nil, false
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return reading.Reading{}, nil, false
	}

	if raw, present := doc["pm"]; present {
		var bad bool
		r, bad = applyGroup(r, raw, compactPM)
		if bad {
			malformed = append(malformed, "pm")
		}
	}
	if raw, present := doc["nc"]; present {
		var bad bool
		r, bad = applyGroup(r, raw, compactNC)
		if bad {
			malformed = append(malformed, "nc")
		}
	}
	if raw, present := doc["ts"]; present && !isNull(raw) {
		var ts float64
		if err := json.Unmarshal(raw, &ts); err != nil {
			malformed = append(malformed, "ts")
		} else {
			r = r.With(reading.TypicalSize, scale(ts))
		}
	}
	return r, malformed, true
}

// applyGroup maps the leading elements of a numeric array onto channels.
// Arrays shorter than the channel list, or with non-numeric elements, leave
// the whole group absent.
func applyGroup(r reading.Reading, raw json.RawMessage, channels []reading.Channel) (reading.Reading, bool) {
	if isNull(raw) {
		return r, false
	}
	var vals []float64
	if err := json.Unmarshal(raw, &vals); err != nil {
		return r, true
	}
	if len(vals) < len(channels) {
		return r, true
	}
	for i, c := range channels {
		r = r.With(c, scale(vals[i]))
	}
	return r, false
}

func scale(v float64) float32 {
	return float32(v / compactScale)
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
