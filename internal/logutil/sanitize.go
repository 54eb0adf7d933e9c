package logutil

import (
	"strings"
	"unicode"
)

// SanitizeForLog flattens user-provided strings (host names, remote paths,
// file names) onto a single line so they cannot forge extra log entries.
// Newlines and tabs become spaces; other control characters are dropped.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate sanitizes s and shortens it to at most max runes, appending "..."
// when something was cut.
func Truncate(s string, max int) string {
	s = SanitizeForLog(s)
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
