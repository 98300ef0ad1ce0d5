// Package recall answers queries by running several retrieval strategies
// at once, merging their candidates and keeping the ones that score well
// on meaning, recency, emotion and context.
package recall

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/resonance/internal/embed"
	"github.com/lazypower/resonance/internal/store"
	"github.com/lazypower/resonance/internal/vector"
)

// ErrQueryTimeout marks a strategy that missed the recall deadline.
var ErrQueryTimeout = errors.New("recall strategy timed out")

// Searcher finds the nearest stored vectors.
type Searcher interface {
	Search(ctx context.Context, embedding []float64, k int, maxDistance float64) ([]vector.Hit, error)
}

// Chainer walks parent chains.
type Chainer interface {
	Chain(ctx context.Context, id string) ([]store.MemoryAtom, error)
}

// Evicter decides which atoms have been forgotten.
type Evicter interface {
	Evictable(a *store.MemoryAtom) bool
}

// Context narrows and scores a recall.
type Context struct {
	UserID    string   `json:"user_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Topic     string   `json:"topic,omitempty"`
	TimeTag   string   `json:"time_tag,omitempty"`
	Emotion   string   `json:"emotion,omitempty"`
	Beliefs   []string `json:"beliefs,omitempty"`
	ParentID  string   `json:"parent_id,omitempty"`
}

// Options control one recall. Zero values take the configured defaults.
type Options struct {
	Limit           int           `json:"limit,omitempty"`
	Deadline        time.Duration `json:"deadline,omitempty"`
	DisableFallback bool          `json:"disable_fallback,omitempty"`
}

// Result is one recalled atom. Embeddings are stripped.
type Result struct {
	Atom       store.MemoryAtom `json:"atom"`
	Score      float64          `json:"score"`
	Breakdown  Breakdown        `json:"breakdown"`
	Strategies []string         `json:"strategies"`
	Reflex     bool             `json:"reflex,omitempty"`
	Override   bool             `json:"override,omitempty"`
	Fallback   bool             `json:"fallback,omitempty"`
}

// Report describes how a recall went.
type Report struct {
	Strategies        map[string]int    `json:"strategies"`
	TimedOut          []string          `json:"timed_out,omitempty"`
	Failed            map[string]string `json:"failed,omitempty"`
	Trigger           string            `json:"trigger,omitempty"`
	Candidates        int               `json:"candidates"`
	EmbeddingDegraded bool              `json:"embedding_degraded,omitempty"`
	IndexCorrupt      bool              `json:"index_corrupt,omitempty"`
	Fallback          bool              `json:"fallback,omitempty"`
	Spontaneous       bool              `json:"spontaneous,omitempty"`
	Cached            bool              `json:"cached,omitempty"`
	Duration          time.Duration     `json:"duration_ns"`
}

// Response is what Recall returns, always.
type Response struct {
	Results []Result `json:"results"`
	Report  Report   `json:"report"`
}

// Deps are the orchestrator's collaborators. DB is required; a nil
// Embedder or Index disables the vector signal and a nil Chains disables
// chain lookups.
type Deps struct {
	DB       *store.DB
	Embedder embed.Embedder
	Index    Searcher
	Chains   Chainer
	Forget   Evicter
	Logger   *slog.Logger
}

// Orchestrator runs recalls.
type Orchestrator struct {
	db           *store.DB
	embedder     embed.Embedder
	index        Searcher
	chains       Chainer
	evict        Evicter
	onCorruption func()
	cfg          Config
	triggers     *triggerSet
	log          *slog.Logger
	now          func() time.Time
}

// New creates an Orchestrator. cfg should be validated first; invalid
// trigger patterns are dropped with a warning.
func New(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recall")
	if cfg.Triggers.Recent <= 0 {
		cfg.Triggers.Recent = DefaultConfig().Triggers.Recent
	}
	triggers, err := compileTriggers(cfg.Triggers)
	if err != nil {
		logger.Warn("trigger patterns ignored", "err", err)
		triggers, _ = compileTriggers(Triggers{Phrases: cfg.Triggers.Phrases})
	}
	return &Orchestrator{
		db:       deps.DB,
		embedder: deps.Embedder,
		index:    deps.Index,
		chains:   deps.Chains,
		evict:    deps.Forget,
		cfg:      cfg,
		triggers: triggers,
		log:      logger,
		now:      time.Now,
	}
}

// SetCorruptionHandler registers fn to run when the vector index reports
// corruption. Call it before the first recall.
func (o *Orchestrator) SetCorruptionHandler(fn func()) {
	o.onCorruption = fn
}

// query is the per-recall state shared read-only by the strategies.
type query struct {
	text    string
	tokens  []string
	emb     *queryVector
	vec     []float64 // set after the fan-out, for scoring
	ctx     Context
	trigger string
	now     time.Time
	limit   int
}

type candidate struct {
	atom       store.MemoryAtom
	strategies []string
	override   bool
}

type outcome struct {
	name     string
	atoms    []store.MemoryAtom
	override bool
	err      error
}

// Resolve fills unset options from the configuration.
func (o *Orchestrator) Resolve(opts Options) Options {
	if opts.Limit <= 0 {
		opts.Limit = o.cfg.Limit
	}
	if opts.Deadline <= 0 {
		opts.Deadline = o.cfg.Deadline
	}
	return opts
}

// Recall returns the atoms most worth remembering for text. It never
// fails: strategy errors and timeouts are reported and the rest of the
// pipeline carries on with what it has.
func (o *Orchestrator) Recall(ctx context.Context, text string, rc Context, opts Options) Response {
	start := o.now()
	opts = o.Resolve(opts)
	ctx, cancel := context.WithTimeout(ctx, opts.Deadline)
	defer cancel()

	if strings.TrimSpace(text) == "" {
		return o.spontaneous(ctx, rc, opts, start)
	}

	report := Report{Strategies: make(map[string]int)}
	q := &query{
		text:   text,
		tokens: embed.ContentTokens(text),
		ctx:    rc,
		now:    start,
		limit:  o.cfg.StrategyLimit,
	}
	q.trigger, _ = o.triggers.match(text)
	report.Trigger = q.trigger

	// The embedding gets half the deadline and runs beside the strategies
	// that do not need it.
	embedCtx, cancelEmbed := context.WithTimeout(ctx, opts.Deadline/2)
	defer cancelEmbed()
	q.emb = o.embedQuery(embedCtx, text)

	cands := o.fanOut(ctx, q, &report)
	q.vec, report.EmbeddingDegraded = q.emb.wait()
	report.Candidates = len(cands)
	results := o.gate(q, cands, opts, &report)

	report.Duration = o.now().Sub(start)
	o.log.Debug("recall", "candidates", report.Candidates, "returned", len(results),
		"fallback", report.Fallback, "timed_out", report.TimedOut, "took", report.Duration)
	return Response{Results: results, Report: report}
}

// queryVector is a query embedding being computed in the background.
type queryVector struct {
	ctx      context.Context
	done     chan struct{}
	vec      []float64
	degraded bool
}

// wait returns the vector and whether the vector signal is degraded. An
// embedding that misses its deadline counts as degraded.
func (v *queryVector) wait() ([]float64, bool) {
	select {
	case <-v.done:
		return v.vec, v.degraded
	case <-v.ctx.Done():
		select {
		case <-v.done:
			return v.vec, v.degraded
		default:
			return nil, true
		}
	}
}

// embedQuery starts embedding text. Text with no usable tokens has no
// vector but is not degraded.
func (o *Orchestrator) embedQuery(ctx context.Context, text string) *queryVector {
	v := &queryVector{ctx: ctx, done: make(chan struct{})}
	if o.embedder == nil {
		v.degraded = true
		close(v.done)
		return v
	}
	go func() {
		defer close(v.done)
		vec, err := o.embedder.Embed(ctx, text)
		if err != nil {
			o.log.Warn("query embedding failed, using lexical similarity", "err", err)
			v.degraded = true
			return
		}
		if !embed.IsZero(vec) {
			v.vec = vec
		}
	}()
	return v
}

// fanOut runs every strategy concurrently and merges what arrives before
// the deadline. Late strategies are abandoned, not awaited.
func (o *Orchestrator) fanOut(ctx context.Context, q *query, report *Report) []*candidate {
	strategies := o.strategies()
	out := make(chan outcome, len(strategies))
	pending := make(map[string]bool, len(strategies))
	for _, s := range strategies {
		pending[s.name] = true
		report.Strategies[s.name] = 0
	}

	var g errgroup.Group
	if o.cfg.Parallelism > 0 {
		g.SetLimit(o.cfg.Parallelism)
	}
	go func() {
		for _, s := range strategies {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					out <- outcome{name: s.name, err: err}
					return nil
				}
				atoms, err := s.run(ctx, q)
				out <- outcome{name: s.name, atoms: atoms, override: s.override, err: err}
				return nil
			})
		}
	}()

	byID := make(map[string]*candidate)
	var order []*candidate
collect:
	for len(pending) > 0 {
		select {
		case r := <-out:
			delete(pending, r.name)
			if r.err != nil {
				o.recordFailure(ctx, r, report)
				continue
			}
			report.Strategies[r.name] = len(r.atoms)
			for _, a := range r.atoms {
				c, ok := byID[a.ID]
				if !ok {
					c = &candidate{atom: a}
					byID[a.ID] = c
					order = append(order, c)
				}
				if !slices.Contains(c.strategies, r.name) {
					c.strategies = append(c.strategies, r.name)
				}
				c.override = c.override || r.override
			}
		case <-ctx.Done():
			for name := range pending {
				report.TimedOut = append(report.TimedOut, name)
				o.log.Warn("strategy abandoned", "strategy", name, "err", ErrQueryTimeout)
			}
			break collect
		}
	}
	slices.Sort(report.TimedOut)

	for _, c := range order {
		slices.SortFunc(c.strategies, func(a, b string) int {
			return cmp.Compare(strategyRank[a], strategyRank[b])
		})
	}
	return order
}

func (o *Orchestrator) recordFailure(ctx context.Context, r outcome, report *Report) {
	switch {
	case errors.Is(r.err, context.DeadlineExceeded), errors.Is(r.err, context.Canceled), ctx.Err() != nil:
		report.TimedOut = append(report.TimedOut, r.name)
		o.log.Warn("strategy timed out", "strategy", r.name, "err", ErrQueryTimeout)
	default:
		if report.Failed == nil {
			report.Failed = make(map[string]string)
		}
		report.Failed[r.name] = r.err.Error()
		o.log.Warn("strategy failed", "strategy", r.name, "err", r.err)
		if errors.Is(r.err, vector.ErrIndexCorruption) {
			report.IndexCorrupt = true
			if o.onCorruption != nil {
				o.onCorruption()
			}
		}
	}
}

// gate drops forgotten atoms, scores the rest and keeps reflex atoms,
// trigger overrides and candidates that clear every floor. With nothing
// left it falls back to the single most similar candidate.
func (o *Orchestrator) gate(q *query, cands []*candidate, opts Options, report *Report) []Result {
	var kept, rejected []Result
	for _, c := range cands {
		a := c.atom
		if a.Tombstoned() || (o.evict != nil && o.evict.Evictable(&a)) {
			continue
		}
		r := Result{Strategies: c.strategies, Override: c.override}
		if a.ReflexTag {
			r.Reflex = true
			r.Score = 1
		} else {
			r.Breakdown = o.breakdown(q, &a)
			r.Score = r.Breakdown.combined(o.cfg.Weights)
		}
		a.Embedding = nil
		r.Atom = a

		if r.Reflex || r.Override || (r.Breakdown.passes(o.cfg.Floors) && r.Score >= o.cfg.MinScore) {
			kept = append(kept, r)
		} else {
			rejected = append(rejected, r)
		}
	}

	if len(kept) > 0 {
		sortResults(kept)
		if len(kept) > opts.Limit {
			kept = kept[:opts.Limit]
		}
		return kept
	}
	if opts.DisableFallback {
		return nil
	}

	var best *Result
	for i := range rejected {
		r := &rejected[i]
		if r.Breakdown.Semantic < o.cfg.FallbackFloor {
			continue
		}
		if best == nil || r.Breakdown.Semantic > best.Breakdown.Semantic {
			best = r
		}
	}
	if best == nil || best.Breakdown.Semantic < o.cfg.IntuitionFloor {
		return nil
	}
	best.Fallback = true
	report.Fallback = true
	return []Result{*best}
}

// sortResults puts reflex atoms first, then orders by score, recency and id.
func sortResults(rs []Result) {
	slices.SortStableFunc(rs, func(a, b Result) int {
		if a.Reflex != b.Reflex {
			if a.Reflex {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Atom.CreatedAt, a.Atom.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Atom.ID, b.Atom.ID)
	})
}

// spontaneous surfaces charged memories when there is no query: atoms
// above the intensity or resonance level, scored by their charge and age.
func (o *Orchestrator) spontaneous(ctx context.Context, rc Context, opts Options, start time.Time) Response {
	report := Report{Spontaneous: true, Strategies: make(map[string]int)}
	lvl := o.cfg.SpontaneousLevel
	atoms, err := o.db.QueryByMetadata(ctx, store.Filter{
		MinEmotionIntensity: lvl,
		MinResonance:        lvl,
		UserID:              rc.UserID,
		Limit:               o.cfg.StrategyLimit * 10,
	})
	if err != nil {
		report.Failed = map[string]string{"spontaneous": err.Error()}
		o.log.Warn("spontaneous recall failed", "err", err)
	}
	report.Candidates = len(atoms)

	var results []Result
	for _, a := range atoms {
		if o.evict != nil && o.evict.Evictable(&a) {
			continue
		}
		charge := max(a.EmotionIntensity, a.ResonanceScore)
		t := temporalScore(a.CreatedAt, start, o.cfg.HalfLife)
		a.Embedding = nil
		results = append(results, Result{
			Atom:       a,
			Score:      0.6*charge + 0.4*t,
			Breakdown:  Breakdown{Temporal: t},
			Strategies: []string{"spontaneous"},
			Reflex:     a.ReflexTag,
		})
	}
	slices.SortStableFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Atom.ID, b.Atom.ID)
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	report.Duration = o.now().Sub(start)
	return Response{Results: results, Report: report}
}
