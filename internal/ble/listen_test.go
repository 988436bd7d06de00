package ble

import "testing"

func TestMatchName(t *testing.T) {
	tests := []struct {
		prefix string
		name   string
		want   bool
	}{
		{"SPS30", "SPS30-01", true},
		{"SPS30", "SPS30", true},
		{"SPS30", "sps30-01", false},
		{"SPS30", "Pico", false},
		{"SPS30", "", false},
		{"", "anything", true},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := matchName(tt.prefix, tt.name); got != tt.want {
			t.Errorf("matchName(%q, %q) = %v; want %v", tt.prefix, tt.name, got, tt.want)
		}
	}
}
