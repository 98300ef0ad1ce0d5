package recall

import (
	"math"
	"strings"
	"time"

	"github.com/lazypower/resonance/internal/embed"
	"github.com/lazypower/resonance/internal/store"
)

// Breakdown holds the four sub-scores of a result.
type Breakdown struct {
	Semantic   float64 `json:"semantic"`
	Temporal   float64 `json:"temporal"`
	Emotional  float64 `json:"emotional"`
	Contextual float64 `json:"contextual"`
}

func (b Breakdown) combined(w Weights) float64 {
	return b.Semantic*w.Semantic + b.Temporal*w.Temporal +
		b.Emotional*w.Emotional + b.Contextual*w.Contextual
}

func (b Breakdown) passes(f Floors) bool {
	return b.Semantic >= f.Semantic && b.Temporal >= f.Temporal &&
		b.Emotional >= f.Emotional && b.Contextual >= f.Contextual
}

// Emotions that sit close enough to score partial credit.
var compatibleEmotions = map[string][]string{
	"joy":      {"surprise", "love"},
	"sadness":  {"fear", "love"},
	"anger":    {"fear", "surprise"},
	"fear":     {"sadness", "anger"},
	"surprise": {"joy", "anger"},
	"love":     {"joy", "sadness"},
}

// semanticScore is cosine similarity when both vectors exist, else the
// share of query tokens found in the atom's text.
func semanticScore(query string, qvec []float64, a *store.MemoryAtom) float64 {
	if qvec != nil && len(a.Embedding) == len(qvec) && !embed.IsZero(a.Embedding) {
		return math.Max(embed.CosineSimilarity(qvec, a.Embedding), 0)
	}
	return embed.Overlap(query, a.Text())
}

// temporalScore halves every halfLife. Unknown times score 0.5 and times
// in the future score 1.
func temporalScore(createdAt int64, now time.Time, halfLife time.Duration) float64 {
	if createdAt == 0 {
		return 0.5
	}
	age := now.Sub(time.UnixMilli(createdAt))
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

func emotionalScore(hint, label string) float64 {
	hint = strings.ToLower(strings.TrimSpace(hint))
	label = strings.ToLower(strings.TrimSpace(label))
	if hint == "" || label == "" {
		return 0.5
	}
	if hint == label {
		return 1
	}
	for _, e := range compatibleEmotions[hint] {
		if e == label {
			return 0.7
		}
	}
	return 0.3
}

// contextualScore rewards atoms from the same session, user and topic,
// scaled by the share of supplied context fields that matched.
func contextualScore(rc Context, a *store.MemoryAtom) float64 {
	score, checks, matches := 0.5, 0, 0
	check := func(want, have string, bonus float64) {
		if want == "" {
			return
		}
		checks++
		if want == have {
			score += bonus
			matches++
		}
	}
	check(rc.SessionID, a.SessionID, 0.3)
	check(rc.UserID, a.UserID, 0.2)
	check(rc.Topic, a.Topic, 0.2)
	if checks == 0 {
		return 0.5
	}
	return math.Min(score*float64(matches)/float64(checks), 1)
}

func (o *Orchestrator) breakdown(q *query, a *store.MemoryAtom) Breakdown {
	return Breakdown{
		Semantic:   semanticScore(q.text, q.vec, a),
		Temporal:   temporalScore(a.CreatedAt, q.now, o.cfg.HalfLife),
		Emotional:  emotionalScore(q.ctx.Emotion, a.EmotionLabel),
		Contextual: contextualScore(q.ctx, a),
	}
}
