package assembler

import (
	"strings"
	"unicode/utf8"
)

// DefaultMessageOverhead is the per-message token cost of role and framing.
const DefaultMessageOverhead = 4

// Counter estimates token counts as ceil(runes/4) plus a fixed per-message
// overhead.
type Counter struct {
	Overhead int
}

// NewCounter returns a Counter with the given per-message overhead.
func NewCounter(overhead int) Counter {
	if overhead < 0 {
		overhead = 0
	}
	return Counter{Overhead: overhead}
}

// Tokens estimates the tokens of bare text.
func (c Counter) Tokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Message estimates the tokens of text sent as one message.
func (c Counter) Message(text string) int {
	return c.Tokens(text) + c.Overhead
}

// Truncate shortens text so that Tokens(result) <= tokens, preferring to cut
// at a word boundary in the last quarter of the kept span.
func (c Counter) Truncate(text string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	if c.Tokens(text) <= tokens {
		return text
	}
	runes := []rune(text)
	limit := tokens * 4
	if limit > len(runes) {
		limit = len(runes)
	}
	cut := string(runes[:limit])
	if i := strings.LastIndexAny(cut, " \n\t"); i > len(cut)*3/4 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
