package bpf

import (
	"bytes"
	"strings"
)

// BoundedString is a fixed-capacity char array inside a record. Its text ends
// at the first zero byte, or at Capacity when the array has none.
type BoundedString struct {
	Offset   int
	Capacity int
}

// End returns the offset just past the field.
func (s BoundedString) End() int {
	return s.Offset + s.Capacity
}

// Read extracts the field from rec. The caller guarantees len(rec) >= s.End().
// Invalid UTF-8 sequences are replaced with U+FFFD.
func (s BoundedString) Read(rec []byte) string {
	return CString(rec[s.Offset:s.End()])
}

// CString interprets b as zero-terminated text. It never looks past len(b).
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.ToValidUTF8(string(b), "�")
}
