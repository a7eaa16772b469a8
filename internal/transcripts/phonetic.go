package transcripts

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Thresholds for matching a speaker label to a requested executive name.
// A label whose last word shares a Double Metaphone code with the name's last
// word needs a lower Jaro-Winkler score than one that only looks similar.
const (
	phoneticNameThreshold = 0.80
	fuzzyNameThreshold    = 0.92
)

// soundsLike picks the executive whose name best matches a speaker label
// such as "Satya Nadela" for "Satya Nadella". Phonetic candidates always win
// over plain look-alikes.
func soundsLike(label string, executives []string) (string, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "", false
	}
	labelTokens := strings.Fields(label)
	labelCodes := metaphoneCodes(labelTokens[len(labelTokens)-1:])

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, x := range executives {
		name := strings.ToLower(strings.TrimSpace(x))
		if name == "" {
			continue
		}
		nameTokens := strings.Fields(name)
		score := nameSimilarity(labelTokens, nameTokens, label, name)

		if sharesCode(labelCodes, metaphoneCodes(nameTokens[len(nameTokens)-1:])) {
			if score >= phoneticNameThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = x, score, true
			}
		} else if !bestPhonetic && score >= fuzzyNameThreshold && score > bestScore {
			best, bestScore = x, score
		}
	}
	return best, best != ""
}

// metaphoneCodes is the union of primary and secondary Double Metaphone
// codes for tokens, skipping empty codes.
func metaphoneCodes(tokens []string) map[string]struct{} {
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

func sharesCode(a, b map[string]struct{}) bool {
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

// nameSimilarity is the best Jaro-Winkler score of label against name, using
// the full strings, their space-stripped forms and, for a one-word name, the
// label's last word. A shared first name alone never matches.
func nameSimilarity(labelTokens, nameTokens []string, label, name string) float64 {
	score := matchr.JaroWinkler(label, name, false)
	if len(labelTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(labelTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}
	if len(nameTokens) == 1 && len(labelTokens) > 1 {
		if s := matchr.JaroWinkler(labelTokens[len(labelTokens)-1], nameTokens[0], false); s > score {
			score = s
		}
	}
	return score
}
