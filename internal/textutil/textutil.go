// Package textutil holds the lexical helpers shared by memory retrieval,
// context assembly and quality scoring.
package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
	"with": {}, "by": {}, "from": {}, "as": {}, "is": {}, "was": {},
	"are": {}, "be": {}, "been": {}, "being": {}, "have": {}, "has": {},
	"had": {}, "do": {}, "does": {}, "did": {}, "will": {}, "would": {},
	"could": {}, "should": {}, "may": {}, "might": {}, "can": {}, "this": {},
	"that": {}, "these": {}, "those": {}, "i": {}, "you": {}, "he": {},
	"she": {}, "it": {}, "we": {}, "they": {}, "what": {}, "which": {},
	"who": {}, "when": {}, "where": {}, "why": {}, "how": {}, "not": {},
	"its": {}, "our": {}, "your": {}, "their": {}, "there": {}, "then": {},
	"than": {}, "so": {}, "if": {}, "into": {}, "about": {}, "also": {},
}

// Normalize trims the text and collapses internal whitespace runs to a
// single space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Hash returns the hex SHA-256 of the normalized text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Words splits text into lowercase alphanumeric tokens.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// Terms returns the content-bearing tokens of text: lowercase words longer
// than two characters that are not stopwords.
func Terms(text string) []string {
	words := Words(text)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) <= 2 || IsStopword(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// IsStopword reports whether token is a common English stopword.
func IsStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

// Set builds a membership set from tokens.
func Set(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b| over token sets. Two empty sets are
// identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Coverage returns the fraction of query tokens present in doc.
func Coverage(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hit := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

// Sentences splits text on sentence terminators and newlines, dropping
// empty pieces.
func Sentences(text string) []string {
	var (
		out []string
		b   strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(b.String())
		if s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return out
}
