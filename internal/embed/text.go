package embed

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "do": true, "does": true, "for": true,
	"from": true, "had": true, "has": true, "have": true, "he": true, "her": true,
	"him": true, "his": true, "how": true, "in": true, "is": true, "it": true,
	"its": true, "me": true, "my": true, "no": true, "not": true, "of": true,
	"on": true, "or": true, "our": true, "she": true, "so": true, "that": true,
	"the": true, "their": true, "them": true, "then": true, "there": true,
	"they": true, "this": true, "to": true, "up": true, "us": true, "was": true,
	"we": true, "were": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "why": true, "will": true, "with": true,
	"you": true, "your": true, "about": true, "can": true, "did": true,
	"just": true, "very": true, "im": true, "ive": true, "dont": true,
}

// Tokenize splits text into lowercase tokens, stripping punctuation.
// Tokens shorter than two runes are dropped.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current []rune
	flush := func() {
		if len(current) > 1 { // skip single-char tokens
			tokens = append(tokens, string(current))
		}
		current = current[:0]
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			current = append(current, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// ContentTokens is Tokenize without stopwords, deduplicated in order.
func ContentTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range Tokenize(text) {
		if stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// Keywords returns up to n content tokens ranked by frequency, then by
// first appearance.
func Keywords(text string, n int) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	for i, tok := range Tokenize(text) {
		if stopwords[tok] {
			continue
		}
		if _, ok := first[tok]; !ok {
			first[tok] = i
		}
		counts[tok]++
	}
	kws := make([]string, 0, len(counts))
	for tok := range counts {
		kws = append(kws, tok)
	}
	sort.Slice(kws, func(i, j int) bool {
		if counts[kws[i]] != counts[kws[j]] {
			return counts[kws[i]] > counts[kws[j]]
		}
		return first[kws[i]] < first[kws[j]]
	})
	if n > 0 && len(kws) > n {
		kws = kws[:n]
	}
	return kws
}

// Overlap is the share of the query's content tokens present in text.
func Overlap(query, text string) float64 {
	q := ContentTokens(query)
	if len(q) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, tok := range Tokenize(text) {
		have[tok] = true
	}
	hits := 0
	for _, tok := range q {
		if have[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(q))
}

// normalize performs in-place L2 normalization.
func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

// IsZero reports whether vec has no magnitude.
func IsZero(vec []float64) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
