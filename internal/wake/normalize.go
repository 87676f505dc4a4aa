package wake

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize folds text for wake-phrase comparison: canonical decomposition,
// combining marks dropped, lower-cased, and all whitespace removed. The
// result is stable under repeated application.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
		case unicode.IsSpace(r):
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// DefaultVariants are the spellings a Spanish recognizer commonly produces for
// "oye kay".
var DefaultVariants = []string{"oye kay", "oye kei", "oye key", "oye quey"}

// VariantSet is the immutable set of accepted wake phrases, stored in
// normalised form.
type VariantSet struct {
	phrases    []string
	normalized map[string]string
}

// NewVariantSet builds a set from wakeWord, [DefaultVariants] and extra.
// Empty entries and duplicates after normalisation are dropped; the first
// spelling of each normalised form is kept for the recognizer grammar.
func NewVariantSet(wakeWord string, extra ...string) *VariantSet {
	vs := &VariantSet{normalized: make(map[string]string)}
	all := make([]string, 0, len(DefaultVariants)+len(extra)+1)
	all = append(all, DefaultVariants...)
	all = append(all, wakeWord)
	all = append(all, extra...)
	for _, p := range all {
		p = strings.TrimSpace(p)
		n := Normalize(p)
		if n == "" {
			continue
		}
		if _, dup := vs.normalized[n]; dup {
			continue
		}
		vs.normalized[n] = p
		vs.phrases = append(vs.phrases, p)
	}
	return vs
}

// Match reports whether text normalises to an accepted phrase.
func (vs *VariantSet) Match(text string) bool {
	n := Normalize(text)
	if n == "" {
		return false
	}
	_, ok := vs.normalized[n]
	return ok
}

// Phrases returns the accepted phrases in their original spelling, in
// insertion order. The returned slice is a copy.
func (vs *VariantSet) Phrases() []string {
	out := make([]string, len(vs.phrases))
	copy(out, vs.phrases)
	return out
}

// Len returns the number of distinct normalised phrases.
func (vs *VariantSet) Len() int { return len(vs.phrases) }
