package utils

const hexDigits = "0123456789ABCDEF"

// maxHexBytes bounds BytesToHex output for log lines.
const maxHexBytes = 64

// Hex4 formats a uint16 as four uppercase hex digits, e.g. a raw-frame
// validity mask "03FF".
func Hex4(v uint16) string {
	return string([]byte{
		hexDigits[(v>>12)&0xF],
		hexDigits[(v>>8)&0xF],
		hexDigits[(v>>4)&0xF],
		hexDigits[v&0xF],
	})
}

// BytesToHex renders a notification payload for debug logs. Payloads longer
// than 64 bytes are truncated and suffixed with "...".
func BytesToHex(b []byte) string {
	n := min(len(b), maxHexBytes)
	out := make([]byte, 0, n*2+3)
	for _, x := range b[:n] {
		out = append(out, hexDigits[x>>4], hexDigits[x&0x0F])
	}
	if len(b) > n {
		out = append(out, "..."...)
	}
	return string(out)
}
