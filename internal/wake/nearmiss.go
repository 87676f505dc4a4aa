package wake

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultNearMissThreshold = 0.80
	phoneticNearMissFloor    = 0.70
)

// NearMiss describes recognised text that resembles, but does not equal, an
// accepted phrase.
type NearMiss struct {
	Phrase   string
	Score    float64
	Phonetic bool
}

// nearMissScorer finds the closest accepted phrase for non-matching text.
// It is read-only after construction and safe for concurrent use.
type nearMissScorer struct {
	threshold float64
	phrases   []string
	norms     []string
	codes     []map[string]struct{}
}

func newNearMissScorer(vs *VariantSet, threshold float64) *nearMissScorer {
	if threshold <= 0 {
		threshold = defaultNearMissThreshold
	}
	s := &nearMissScorer{threshold: threshold}
	for _, p := range vs.Phrases() {
		s.phrases = append(s.phrases, p)
		s.norms = append(s.norms, Normalize(p))
		s.codes = append(s.codes, codesForTokens(strings.Fields(strings.ToLower(p))))
	}
	return s
}

// score returns the best near miss for text. Text that shares a Double
// Metaphone code with a phrase is accepted at a lower Jaro-Winkler floor
// than purely orthographic similarity.
func (s *nearMissScorer) score(text string) (NearMiss, bool) {
	n := Normalize(text)
	if n == "" {
		return NearMiss{}, false
	}
	inputCodes := codesForTokens(strings.Fields(strings.ToLower(text)))

	var best NearMiss
	found := false
	for i, norm := range s.norms {
		jw := matchr.JaroWinkler(n, norm, false)
		phonetic := codesOverlap(inputCodes, s.codes[i])
		floor := s.threshold
		if phonetic {
			floor = min(floor, phoneticNearMissFloor)
		}
		if jw < floor || jw <= best.Score {
			continue
		}
		best = NearMiss{Phrase: s.phrases[i], Score: jw, Phonetic: phonetic}
		found = true
	}
	return best, found
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
