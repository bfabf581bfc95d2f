package util

import "strings"

const hexDigits = "0123456789abcdef"

// HexDump renders b as space-separated lowercase hex bytes, e.g. "45 00 1c ".
// The result is owned by the caller.
func HexDump(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0f])
		sb.WriteByte(' ')
	}
	return sb.String()
}

// HexDumpN is HexDump limited to the first n bytes, with a marker when
// bytes were omitted.
func HexDumpN(b []byte, n int) string {
	if len(b) <= n {
		return HexDump(b)
	}
	return HexDump(b[:n]) + "..."
}
