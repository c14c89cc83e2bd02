package helpers

import (
	"strings"
	"unicode/utf8"
)

// Ellipsis is appended to truncated text.
const Ellipsis = "…"

// Truncate collapses whitespace in s and cuts it to at most max runes,
// appending an ellipsis when anything was dropped. The ellipsis counts toward
// max. A non-positive max returns the collapsed text unchanged.
func Truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max == 1 {
		return Ellipsis
	}
	runes := []rune(s)
	cut := strings.TrimRight(string(runes[:max-1]), " ")
	return cut + Ellipsis
}
