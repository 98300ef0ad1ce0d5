package recall

import (
	"context"
	"errors"

	"github.com/lazypower/resonance/internal/store"
)

// Strategy names, strongest provenance first.
const (
	StrategyTrigger   = "trigger"
	StrategyChain     = "chain"
	StrategyVector    = "vector"
	StrategyKeyword   = "keyword"
	StrategyBelief    = "belief"
	StrategyEmotion   = "emotion"
	StrategyMetadata  = "metadata"
	StrategyFrequency = "frequency"
)

var strategyRank = map[string]int{
	StrategyTrigger:   0,
	StrategyChain:     1,
	StrategyVector:    2,
	StrategyKeyword:   3,
	StrategyBelief:    4,
	StrategyEmotion:   5,
	StrategyMetadata:  6,
	StrategyFrequency: 7,
}

type strategy struct {
	name string
	run  func(context.Context, *query) ([]store.MemoryAtom, error)
	// override results skip the quality floors.
	override bool
}

func (o *Orchestrator) strategies() []strategy {
	return []strategy{
		{name: StrategyTrigger, run: o.byTrigger, override: true},
		{name: StrategyChain, run: o.byChain},
		{name: StrategyVector, run: o.byVector},
		{name: StrategyKeyword, run: o.byKeyword},
		{name: StrategyBelief, run: o.byBelief},
		{name: StrategyEmotion, run: o.byEmotion},
		{name: StrategyMetadata, run: o.byMetadata},
		{name: StrategyFrequency, run: o.byFrequency},
	}
}

// byKeyword matches query tokens against keyword tags and either text.
func (o *Orchestrator) byKeyword(ctx context.Context, q *query) ([]store.MemoryAtom, error) {
	if len(q.tokens) == 0 {
		return nil, nil
	}
	tagged, err := o.db.QueryByMetadata(ctx, store.Filter{Tags: q.tokens, TagKind: "keyword", Limit: q.limit})
	if err != nil {
		return nil, err
	}
	text, err := o.db.QueryByMetadata(ctx, store.Filter{Keywords: q.tokens, Limit: q.limit})
	if err != nil {
		return nil, err
	}
	return append(tagged, text...), nil
}

func (o *Orchestrator) byVector(ctx context.Context, q *query) ([]store.MemoryAtom, error) {
	if o.index == nil {
		return nil, nil
	}
	vec, _ := q.emb.wait()
	if vec == nil {
		return nil, nil
	}
	hits, err := o.index.Search(ctx, vec, q.limit, 1-o.cfg.FallbackFloor)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return o.db.GetAtoms(ctx, ids)
}

func (o *Orchestrator) byEmotion(ctx context.Context, q *query) ([]store.MemoryAtom, error) {
	if q.ctx.Emotion == "" {
		return nil, nil
	}
	return o.db.QueryByMetadata(ctx, store.Filter{EmotionLabel: q.ctx.Emotion, Limit: q.limit})
}

// byBelief matches context belief hints and query tokens against belief tags.
func (o *Orchestrator) byBelief(ctx context.Context, q *query) ([]store.MemoryAtom, error) {
	tags := append(append([]string(nil), q.ctx.Beliefs...), q.tokens...)
	if len(tags) == 0 {
		return nil, nil
	}
	return o.db.QueryByMetadata(ctx, store.Filter{Tags: tags, TagKind: "belief", Limit: q.limit})
}

// byMetadata selects by session and by a time window named in the time tag
// or the query.
func (o *Orchestrator) byMetadata(ctx context.Context, q *query) ([]store.MemoryAtom, error) {
	tr, ok := parseTimeExpression(q.ctx.TimeTag, q.now)
	if !ok {
		tr, ok = parseTimeExpression(q.text, q.now)
	}
	if q.ctx.SessionID == "" && !ok {
		return nil, nil
	}
	f := store.Filter{SessionID: q.ctx.SessionID, Limit: q.limit}
	if ok {
		f.Since = tr.since.UnixMilli()
		f.Until = tr.until.UnixMilli()
	}
	return o.db.QueryByMetadata(ctx, f)
}

func (o *Orchestrator) byChain(ctx context.Context, q *query) ([]store.MemoryAtom, error) {
	if q.ctx.ParentID == "" || o.chains == nil {
		return nil, nil
	}
	atoms, err := o.chains.Chain(ctx, q.ctx.ParentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return atoms, err
}

// byFrequency returns the user's most used atoms.
func (o *Orchestrator) byFrequency(ctx context.Context, q *query) ([]store.MemoryAtom, error) {
	if q.ctx.UserID == "" {
		return nil, nil
	}
	return o.db.QueryByMetadata(ctx, store.Filter{UserID: q.ctx.UserID, UsedOnly: true, Limit: q.limit})
}

// byTrigger returns the most recent atoms when the query fired a trigger.
func (o *Orchestrator) byTrigger(ctx context.Context, q *query) ([]store.MemoryAtom, error) {
	if q.trigger == "" {
		return nil, nil
	}
	return o.db.QueryByMetadata(ctx, store.Filter{Limit: o.cfg.Triggers.Recent})
}
