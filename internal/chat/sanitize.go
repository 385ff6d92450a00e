package chat

import (
	"strings"
	"unicode/utf8"
)

// Sanitize drops what the message table cannot hold: NUL, invalid UTF-8
// and runes outside the Basic Multilingual Plane.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r == utf8.RuneError && size == 1 {
			continue
		}
		if r == 0 || r > 0xFFFF {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
