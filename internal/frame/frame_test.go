package frame

import (
	"strings"
	"testing"

	"vimms-gateway/internal/reading"
)

func get(t *testing.T, r reading.Reading, c reading.Channel) float32 {
	t.Helper()
	v, ok := r.Get(c)
	if !ok {
		t.Fatalf("channel %s absent", c)
	}
	return v
}

func TestDecode_Identification(t *testing.T) {
	res := Decode([]byte("SPS30 SN:ABC123"))
	if res.Kind != KindIdentification {
		t.Fatalf("Kind = %v; want identification", res.Kind)
	}
	if res.Info != "SPS30 SN:ABC123" {
		t.Errorf("Info = %q; want SPS30 SN:ABC123", res.Info)
	}
	if !res.Reading.IsEmpty() {
		t.Error("identification must not produce a reading")
	}
}

func TestDecode_RawWithMask(t *testing.T) {
	res := Decode([]byte("RAW:03FF:42480000.42C80000"))
	if res.Kind != KindReading {
		t.Fatalf("Kind = %v; want reading", res.Kind)
	}
	if res.Mask != 0x03FF {
		t.Errorf("Mask = %#x; want 0x3ff", res.Mask)
	}
	r := res.Reading
	if got := get(t, r, reading.PM1_0); got != 50.0 {
		t.Errorf("pm1_0 = %v; want 50", got)
	}
	if got := get(t, r, reading.PM2_5); got != 100.0 {
		t.Errorf("pm2_5 = %v; want 100", got)
	}
	for _, c := range []reading.Channel{
		reading.PM4_0, reading.PM10, reading.NC0_5, reading.NC1_0,
		reading.NC2_5, reading.NC4_0, reading.NC10, reading.TypicalSize,
	} {
		if got := get(t, r, c); got != 0 {
			t.Errorf("%s = %v; want 0", c, got)
		}
	}
}

func TestDecode_RawWithoutMask(t *testing.T) {
	res := Decode([]byte("RAW:41200000.3F800000"))
	if res.Kind != KindReading {
		t.Fatalf("Kind = %v; want reading", res.Kind)
	}
	if res.Mask != DefaultRawMask {
		t.Errorf("Mask = %#x; want default", res.Mask)
	}
	if got := get(t, res.Reading, reading.PM1_0); got != 10 {
		t.Errorf("pm1_0 = %v; want 10", got)
	}
	if got := get(t, res.Reading, reading.PM2_5); got != 1 {
		t.Errorf("pm2_5 = %v; want 1", got)
	}
}

func TestDecode_RawBadMaskFallsBackToDefault(t *testing.T) {
	res := Decode([]byte("RAW:zz:41200000.41200000"))
	if res.Mask != DefaultRawMask {
		t.Errorf("Mask = %#x; want %#x", res.Mask, DefaultRawMask)
	}
}

func TestDecode_RawWithoutDotIsError(t *testing.T) {
	res := Decode([]byte("RAW:42480000"))
	if res.Kind != KindRawError {
		t.Fatalf("Kind = %v; want raw_error", res.Kind)
	}
	if res.Err == nil {
		t.Error("Err = nil; want explanation")
	}
}

func TestDecode_RawTokenEdgeCases(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  float32
	}{
		{"short", "4248", 0},
		{"non-hex", "4G480000", 0},
		{"nan", "7FC00000", 0},
		{"inf", "7F800000", 0},
		{"neg-inf", "FF800000", 0},
		{"long token uses first 8", "42480000FFFF", 50},
		{"lowercase", "42c80000", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decode([]byte("RAW:" + tt.token + ".00000000"))
			if res.Kind != KindReading {
				t.Fatalf("Kind = %v; want reading", res.Kind)
			}
			if got := get(t, res.Reading, reading.PM1_0); got != tt.want {
				t.Errorf("pm1_0 = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestParseRaw_AlwaysTenValues(t *testing.T) {
	for _, n := range []int{2, 5, 10, 15} {
		toks := make([]string, n)
		for i := range toks {
			toks[i] = "3F800000"
		}
		f, err := ParseRaw("RAW:" + strings.Join(toks, "."))
		if err != nil {
			t.Fatalf("ParseRaw(%d tokens): %v", n, err)
		}
		for i, v := range f.Values {
			want := float32(0)
			if i < n {
				want = 1
			}
			if v != want {
				t.Errorf("%d tokens: Values[%d] = %v; want %v", n, i, v, want)
			}
		}
		if got := f.Reading(false).Len(); got != 10 {
			t.Errorf("%d tokens: Reading().Len() = %d; want 10", n, got)
		}
	}
}

func TestRawFrame_HonorMask(t *testing.T) {
	d := NewDecoder(Options{HonorMask: true})
	res := d.Decode([]byte("RAW:0003:42480000.42C80000"))
	if res.Kind != KindReading {
		t.Fatalf("Kind = %v; want reading", res.Kind)
	}
	if res.Reading.Len() != 2 {
		t.Errorf("Len() = %d; want 2", res.Reading.Len())
	}
	if res.Reading.Has(reading.PM4_0) {
		t.Error("pm4_0 present despite clear mask bit")
	}

	res = d.Decode([]byte("RAW:0000:42480000.42C80000"))
	if res.Kind != KindEmpty {
		t.Errorf("Kind = %v; want empty for zero mask", res.Kind)
	}
}

func TestDecode_Compact(t *testing.T) {
	res := Decode([]byte(`{"pm":[100,250,300,400],"nc":[1,2,3,4,5],"ts":55}`))
	if res.Kind != KindReading {
		t.Fatalf("Kind = %v; want reading", res.Kind)
	}
	r := res.Reading
	if r.Len() != 10 {
		t.Errorf("Len() = %d; want 10", r.Len())
	}
	tests := []struct {
		c    reading.Channel
		want float32
	}{
		{reading.PM1_0, 1},
		{reading.PM2_5, 2.5},
		{reading.PM4_0, 3},
		{reading.PM10, 4},
		{reading.NC0_5, float32(1.0 / 100)},
		{reading.NC10, float32(5.0 / 100)},
		{reading.TypicalSize, float32(55.0 / 100)},
	}
	for _, tt := range tests {
		if got := get(t, r, tt.c); got != tt.want {
			t.Errorf("%s = %v; want %v", tt.c, got, tt.want)
		}
	}
}

func TestDecode_CompactPartialGroups(t *testing.T) {
	res := Decode([]byte(`{"pm":[100,200,300],"ts":50}`))
	if res.Kind != KindReading {
		t.Fatalf("Kind = %v; want reading", res.Kind)
	}
	if res.Reading.Has(reading.PM1_0) {
		t.Error("short pm array must leave pm channels absent")
	}
	if got := get(t, res.Reading, reading.TypicalSize); got != 0.5 {
		t.Errorf("typical_size = %v; want 0.5", got)
	}
	if len(res.Malformed) != 1 || res.Malformed[0] != "pm" {
		t.Errorf("Malformed = %v; want [pm]", res.Malformed)
	}
}

func TestDecode_CompactNonNumericGroup(t *testing.T) {
	res := Decode([]byte(`{"pm":["a",1,2,3],"nc":[1,2,3,4,5]}`))
	if res.Kind != KindReading {
		t.Fatalf("Kind = %v; want reading", res.Kind)
	}
	if res.Reading.Has(reading.PM2_5) {
		t.Error("non-numeric pm group must be absent")
	}
	if !res.Reading.Has(reading.NC10) {
		t.Error("nc group should survive a malformed pm group")
	}
}

func TestDecode_Empty(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"plain text", "hello"},
		{"broken json", `{"pm":[1,2`},
		{"no known groups", `{"foo":1}`},
		{"json array", `[{"pm":[1,2,3,4]}]`},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decode([]byte(tt.payload))
			if res.Kind != KindEmpty {
				t.Errorf("Kind = %v; want empty", res.Kind)
			}
			if !res.Reading.IsEmpty() {
				t.Error("empty result carries a reading")
			}
		})
	}
}

func TestDecode_NeverPanics(t *testing.T) {
	inputs := []string{
		"RAW:", "RAW:.", "RAW:::", "RAW::.", "RAW:ffff:.", "SPS30 SN:",
		"{", "}", "{}", `{"pm":null,"nc":null,"ts":null}`, "\x00\xff{}",
	}
	for _, in := range inputs {
		_ = Decode([]byte(in))
	}
}
