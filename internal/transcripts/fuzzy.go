package transcripts

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// matcher scores paragraphs against an OR-set of topic terms.
//
// For each term of k words the paragraph is scanned with a sliding window of
// k words and the Levenshtein distance between window and term is
// normalised by the longer of the two (0 = exact, 1 = nothing in common). A
// window counts only if its normalised distance is within threshold and it
// is at least minLen runes long. Equal distances are broken by the higher
// Jaro-Winkler similarity. A literal substring hit scores 0.
type matcher struct {
	terms     []term
	threshold float64
	minLen    int
}

type term struct {
	text  string
	words []string
	runes int
}

// match is the best hit of any term inside one paragraph.
type match struct {
	paragraph  int
	topic      string
	score      float64
	similarity float64
}

func newMatcher(topics []string, threshold float64, minLen int) *matcher {
	m := &matcher{threshold: threshold, minLen: minLen}
	for _, t := range topics {
		words := tokenize(t)
		text := strings.Join(words, " ")
		n := utf8.RuneCountInString(text)
		if len(words) == 0 || n < minLen {
			continue
		}
		m.terms = append(m.terms, term{text: text, words: words, runes: n})
	}
	return m
}

// empty reports whether no usable term survived construction.
func (m *matcher) empty() bool { return len(m.terms) == 0 }

// best returns the best-scoring term hit in paragraph, if any.
func (m *matcher) best(paragraph string) (match, bool) {
	words := tokenize(paragraph)
	if len(words) == 0 {
		return match{}, false
	}
	joined := " " + strings.Join(words, " ") + " "

	var (
		found bool
		out   match
	)
	for _, t := range m.terms {
		score, sim, ok := m.scoreTerm(t, words, joined)
		if !ok {
			continue
		}
		if !found || score < out.score || (score == out.score && sim > out.similarity) {
			out = match{topic: t.text, score: score, similarity: sim}
			found = true
		}
	}
	return out, found
}

func (m *matcher) scoreTerm(t term, words []string, joined string) (score, sim float64, ok bool) {
	if strings.Contains(joined, " "+t.text+" ") {
		return 0, 1, true
	}

	k := len(t.words)
	if k > len(words) {
		return 0, 0, false
	}
	score = 2
	for i := 0; i+k <= len(words); i++ {
		cand := strings.Join(words[i:i+k], " ")
		n := utf8.RuneCountInString(cand)
		if n < m.minLen {
			continue
		}
		longest := max(n, t.runes)
		// Distance is at least the length difference.
		if float64(abs(n-t.runes))/float64(longest) > m.threshold {
			continue
		}
		d := float64(matchr.Levenshtein(cand, t.text)) / float64(longest)
		if d > m.threshold {
			continue
		}
		jw := matchr.JaroWinkler(cand, t.text, false)
		if d < score || (d == score && jw > sim) {
			score, sim, ok = d, jw, true
		}
	}
	return score, sim, ok
}

// scan scores every paragraph and returns at most limit matches, best first.
func (m *matcher) scan(paragraphs []string, limit int) []match {
	if m.empty() {
		return nil
	}
	var out []match
	for i, p := range paragraphs {
		if hit, ok := m.best(p); ok {
			hit.paragraph = i
			out = append(out, hit)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if a.similarity != b.similarity {
			return a.similarity > b.similarity
		}
		return a.paragraph < b.paragraph
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// tokenize lower-cases s and splits it into letter/digit runs. Apostrophes
// stay inside a word; hyphens separate words, so "cash-flow" reads as
// "cash flow".
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
