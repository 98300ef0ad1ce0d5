// Package engine wires the store, index, chains, forgetting and recall
// together and owns the write path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lazypower/resonance/internal/cache"
	"github.com/lazypower/resonance/internal/chain"
	"github.com/lazypower/resonance/internal/embed"
	"github.com/lazypower/resonance/internal/forget"
	"github.com/lazypower/resonance/internal/recall"
	"github.com/lazypower/resonance/internal/store"
	"github.com/lazypower/resonance/internal/vector"
)

// Status is the outcome of a store.
type Status string

const (
	StatusStored    Status = "stored"
	StatusDuplicate Status = "duplicate"
	StatusFailed    Status = "failed"
)

// StoreRequest is one interaction to remember.
type StoreRequest struct {
	UserText   string           `json:"user_text"`
	SystemText string           `json:"system_text"`
	MemoryType store.MemoryType `json:"memory_type,omitempty"`
	Source     string           `json:"source,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Topic     string `json:"topic,omitempty"`

	EmotionLabel     string   `json:"emotion_label,omitempty"`
	EmotionIntensity float64  `json:"emotion_intensity,omitempty"`
	BeliefTags       []string `json:"belief_tags,omitempty"`
	ResonanceScore   float64  `json:"resonance_score,omitempty"`
	RecallPriority   float64  `json:"recall_priority,omitempty"`
	Reflex           bool     `json:"reflex,omitempty"`

	ParentID  string   `json:"parent_id,omitempty"`
	LinkedIDs []string `json:"linked_ids,omitempty"`

	// CreatedAt overrides the creation time (unix ms), for imports.
	CreatedAt int64 `json:"created_at,omitempty"`
}

// StoreResult reports what happened to a store request.
type StoreResult struct {
	ID      string `json:"id,omitempty"`
	Status  Status `json:"status"`
	Revived bool   `json:"revived,omitempty"`
	// Degraded lists the optional steps that were skipped, e.g. "embedding".
	Degraded []string `json:"degraded,omitempty"`
}

// Deps are the engine's collaborators, built once by the caller.
type Deps struct {
	DB       *store.DB
	Embedder embed.Embedder
	Index    *vector.Index
	Chains   *chain.Linker
	Forget   *forget.Engine
	Recall   *recall.Orchestrator
	Cache    *cache.Cache
	Logger   *slog.Logger

	// ReflexKeywords mark an atom as a reflex when its user text contains one.
	ReflexKeywords []string
	// KeywordLimit caps the keywords extracted per atom.
	KeywordLimit int
}

// Engine is the memory service.
type Engine struct {
	DB       *store.DB
	Embedder embed.Embedder

	index    *vector.Index
	chains   *chain.Linker
	forget   *forget.Engine
	recall   *recall.Orchestrator
	cache    *cache.Cache
	log      *slog.Logger
	reflex   []string
	keywords int

	rebuild singleflight.Group
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.KeywordLimit <= 0 {
		deps.KeywordLimit = 8
	}
	var reflex []string
	for _, k := range deps.ReflexKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			reflex = append(reflex, k)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		DB:       deps.DB,
		Embedder: deps.Embedder,
		index:    deps.Index,
		chains:   deps.Chains,
		forget:   deps.Forget,
		recall:   deps.Recall,
		cache:    deps.Cache,
		log:      logger.With("component", "engine"),
		reflex:   reflex,
		keywords: deps.KeywordLimit,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.recall.SetCorruptionHandler(e.scheduleRebuild)
	return e
}

// Store runs the write path: validation, reflex tagging, keyword
// extraction, embedding, persistence, indexing and cache invalidation.
// Failures of the optional steps degrade the result instead of failing it.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	req, err := e.validateRequest(req)
	if err != nil {
		return StoreResult{Status: StatusFailed}, err
	}

	a := &store.MemoryAtom{
		UserText:         req.UserText,
		SystemText:       req.SystemText,
		MemoryType:       req.MemoryType,
		Source:           req.Source,
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		Topic:            req.Topic,
		EmotionLabel:     req.EmotionLabel,
		EmotionIntensity: req.EmotionIntensity,
		BeliefTags:       req.BeliefTags,
		ResonanceScore:   req.ResonanceScore,
		RecallPriority:   req.RecallPriority,
		ReflexTag:        req.Reflex || e.isReflex(req.UserText),
		ParentID:         req.ParentID,
		LinkedIDs:        req.LinkedIDs,
		CreatedAt:        req.CreatedAt,
	}
	a.Keywords = embed.Keywords(a.Text(), e.keywords)

	var result StoreResult
	if a.MemoryType == store.TypeFileChunk || !e.hasLiveCopy(ctx, a) {
		vec, err := e.embedAtom(ctx, a)
		if err != nil {
			e.log.Warn("storing without embedding", "err", err)
			result.Degraded = append(result.Degraded, "embedding")
		} else if vec != nil {
			a.Embedding = vec
			a.EmbeddingModel = e.Embedder.Model()
		}
	}

	// A brand-new atom has no descendants, so its parent edge cannot close a
	// loop and goes in with the insert.
	res, err := e.DB.InsertAtom(ctx, a)
	if err != nil {
		e.log.Error("store failed", "err", err)
		return StoreResult{Status: StatusFailed}, err
	}
	result.ID = res.ID
	result.Revived = res.Revived

	if res.Duplicate {
		result.Status = StatusDuplicate
		if req.ParentID != "" {
			if err := e.chains.Link(ctx, req.ParentID, res.ID); err != nil {
				e.log.Warn("duplicate not re-parented", "id", res.ID, "parent", req.ParentID, "err", err)
				result.Degraded = append(result.Degraded, "link")
			}
		}
		e.cache.Invalidate(res.ID)
		return result, nil
	}

	result.Status = StatusStored
	if a.Embedding != nil {
		if err := e.index.Add(ctx, res.ID, a.Embedding); err != nil {
			e.log.Warn("index add failed", "id", res.ID, "err", err)
			result.Degraded = append(result.Degraded, "index")
		}
	}
	e.cache.Invalidate(res.ID)
	e.log.Debug("stored", "id", res.ID, "type", a.MemoryType, "reflex", a.ReflexTag)
	return result, nil
}

// hasLiveCopy reports whether identical content is already stored and
// live. The insert then only resolves the existing id, so embedding is
// skipped.
func (e *Engine) hasLiveCopy(ctx context.Context, a *store.MemoryAtom) bool {
	existing, err := e.DB.FindByHash(ctx, store.ContentHash(a.UserText, a.SystemText))
	return err == nil && !existing.Tombstoned()
}

func (e *Engine) isReflex(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range e.reflex {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// embedAtom embeds the user side of an atom, or the system side when the
// user said nothing. A nil vector with no error means nothing to embed.
func (e *Engine) embedAtom(ctx context.Context, a *store.MemoryAtom) ([]float64, error) {
	if e.Embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	text := a.UserText
	if text == "" {
		text = a.SystemText
	}
	vec, err := e.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != e.index.Dimensions() {
		return nil, fmt.Errorf("%w: embedder returned %d, index holds %d",
			vector.ErrDimensionMismatch, len(vec), e.index.Dimensions())
	}
	if embed.IsZero(vec) {
		return nil, nil
	}
	return vec, nil
}

// Recall answers a query, serving repeats from the cache, and reinforces
// every returned atom.
func (e *Engine) Recall(ctx context.Context, query string, rc recall.Context, opts recall.Options) recall.Response {
	opts = e.recall.Resolve(opts)
	key, err := e.cache.RecallKey(query, struct {
		Context recall.Context
		Options recall.Options
	}{rc, opts})
	if err != nil {
		e.log.Warn("recall cache key", "err", err)
	}

	var resp recall.Response
	if v, ok := e.cachedRecall(key); ok {
		resp = v
		resp.Report.Cached = true
	} else {
		resp = e.recall.Recall(ctx, query, rc, opts)
		if key != "" && cacheable(resp.Report) {
			e.cache.PutRecall(key, resp)
		}
	}

	e.reinforce(ctx, resp.Results)
	return resp
}

func (e *Engine) cachedRecall(key string) (recall.Response, bool) {
	if key == "" {
		return recall.Response{}, false
	}
	v, ok := e.cache.Recall(key)
	if !ok {
		return recall.Response{}, false
	}
	resp, ok := v.(recall.Response)
	return resp, ok
}

// cacheable reports whether a response is complete enough to serve again.
func cacheable(r recall.Report) bool {
	return len(r.TimedOut) == 0 && len(r.Failed) == 0 && !r.EmbeddingDegraded
}

// reinforce records each recalled atom as used and lowers its fade. Recall
// caches stay valid; only the atom entries are dropped.
func (e *Engine) reinforce(ctx context.Context, results []recall.Result) {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if err := e.DB.MarkUsed(ctx, r.Atom.ID, e.forget.Reinforce(&r.Atom)); err != nil {
			e.log.Warn("reinforce failed", "id", r.Atom.ID, "err", err)
			continue
		}
		ids = append(ids, r.Atom.ID)
	}
	e.cache.InvalidateAtoms(ids...)
}

// Get returns an atom by id, tombstoned or not.
func (e *Engine) Get(ctx context.Context, id string) (*store.MemoryAtom, error) {
	return e.cache.Atom(ctx, id, e.DB.GetAtom)
}

// Vector returns the stored embedding of an atom, or nil when it has none.
func (e *Engine) Vector(ctx context.Context, id string) (*store.VectorRecord, error) {
	return e.DB.GetVector(ctx, id)
}

// Chain returns the atom's ancestry, root first.
func (e *Engine) Chain(ctx context.Context, id string) ([]store.MemoryAtom, error) {
	return e.chains.Chain(ctx, id)
}

// Lineage returns the atom's descendants.
func (e *Engine) Lineage(ctx context.Context, id string) ([]store.MemoryAtom, error) {
	return e.chains.Lineage(ctx, id)
}

// Link makes parentID the parent of childID, rejecting cycles.
func (e *Engine) Link(ctx context.Context, parentID, childID string) error {
	if err := e.chains.Link(ctx, parentID, childID); err != nil {
		return err
	}
	e.cache.Invalidate(childID)
	return nil
}

// Relate records a lateral link between two atoms.
func (e *Engine) Relate(ctx context.Context, a, b string) error {
	if err := e.chains.Relate(ctx, a, b); err != nil {
		return err
	}
	e.cache.Invalidate(a, b)
	return nil
}

// Tombstone removes an atom from recall.
func (e *Engine) Tombstone(ctx context.Context, id string) error {
	if err := e.DB.Tombstone(ctx, id); err != nil {
		return err
	}
	e.cache.Invalidate(id)
	return nil
}

// Query lists atoms by metadata.
func (e *Engine) Query(ctx context.Context, f store.Filter) ([]store.MemoryAtom, error) {
	return e.DB.QueryByMetadata(ctx, f)
}

// Sweep runs one forgetting pass.
func (e *Engine) Sweep(ctx context.Context) (forget.SweepStats, error) {
	stats, err := e.forget.Sweep(ctx)
	if len(stats.Changed) > 0 {
		e.cache.Invalidate(stats.Changed...)
	}
	return stats, err
}

// StartForgetting sweeps once and then on every tick of the cron
// expression until Stop.
func (e *Engine) StartForgetting(expr string) error {
	if err := forget.ValidateSchedule(expr); err != nil {
		return err
	}
	if _, err := e.Sweep(e.ctx); err != nil {
		e.log.Error("initial sweep failed", "err", err)
	}
	return e.forget.Schedule(e.ctx, expr, func(ctx context.Context) {
		if _, err := e.Sweep(ctx); err != nil {
			e.log.Error("scheduled sweep failed", "err", err)
		}
	})
}

// RebuildIndex reloads the vector index from the store. Concurrent calls
// share one rebuild.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	v, err, _ := e.rebuild.Do("index", func() (any, error) {
		return e.index.Rebuild(ctx, e.loadVectors)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// loadVectors returns the stored vectors made by the current embedder.
func (e *Engine) loadVectors(ctx context.Context) ([]vector.Entry, error) {
	records, err := e.DB.AllVectors(ctx)
	if err != nil {
		return nil, err
	}
	model := ""
	if e.Embedder != nil {
		model = e.Embedder.Model()
	}
	entries := make([]vector.Entry, 0, len(records))
	for _, r := range records {
		if model != "" && r.Model != model {
			continue
		}
		entries = append(entries, vector.Entry{ID: r.AtomID, Embedding: r.Embedding})
	}
	return entries, nil
}

// scheduleRebuild starts a background rebuild after the index reported
// corruption.
func (e *Engine) scheduleRebuild() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		n, err := e.RebuildIndex(e.ctx)
		if err != nil {
			e.log.Error("index rebuild failed", "err", err)
			return
		}
		e.log.Info("index rebuilt after corruption", "vectors", n)
	}()
}

// EmbedMissing embeds every live atom that has no vector from the current
// model and adds it to the index.
func (e *Engine) EmbedMissing(ctx context.Context) (int, error) {
	if e.Embedder == nil {
		return 0, nil
	}

	atoms, err := e.DB.MissingVectors(ctx, e.Embedder.Model())
	if err != nil {
		return 0, fmt.Errorf("list missing vectors: %w", err)
	}

	embedded := 0
	for i := range atoms {
		a := &atoms[i]
		vec, err := e.embedAtom(ctx, a)
		if err != nil {
			e.log.Warn("embed missing", "id", a.ID, "err", err)
			continue
		}
		if vec == nil {
			continue
		}
		if err := e.DB.SaveVector(ctx, a.ID, vec, e.Embedder.Model()); err != nil {
			return embedded, err
		}
		if err := e.index.Add(ctx, a.ID, vec); err != nil {
			e.log.Warn("index add failed", "id", a.ID, "err", err)
		}
		embedded++
	}
	if embedded > 0 {
		e.cache.Invalidate()
		e.log.Info("embedded missing vectors", "count", embedded)
	}
	return embedded, nil
}

// Stats summarizes the engine for health checks.
type Stats struct {
	Atoms      int  `json:"atoms"`
	Tombstoned int  `json:"tombstoned"`
	Indexed    int  `json:"indexed"`
	DBOK       bool `json:"db_ok"`
}

// Stats reports atom and index counts. A failing database is reported,
// not returned as an error.
func (e *Engine) Stats(ctx context.Context) Stats {
	s := Stats{Indexed: e.index.Len()}
	live, err := e.DB.CountAtoms(ctx, false)
	if err != nil {
		e.log.Warn("stats", "err", err)
		return s
	}
	all, err := e.DB.CountAtoms(ctx, true)
	if err != nil {
		e.log.Warn("stats", "err", err)
		return s
	}
	s.Atoms, s.Tombstoned, s.DBOK = live, all-live, true
	return s
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.log.Warn("background work still running at stop")
	}
}
