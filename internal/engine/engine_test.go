package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lazypower/resonance/internal/cache"
	"github.com/lazypower/resonance/internal/chain"
	"github.com/lazypower/resonance/internal/embed"
	"github.com/lazypower/resonance/internal/forget"
	"github.com/lazypower/resonance/internal/recall"
	"github.com/lazypower/resonance/internal/store"
	"github.com/lazypower/resonance/internal/vector"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(t *testing.T, emb embed.Embedder) *Engine {
	t.Helper()
	db := testDB(t)
	if emb == nil {
		emb = embed.NewHashEmbedder(256)
	}
	idx, err := vector.New(256, nil)
	if err != nil {
		t.Fatalf("vector.New: %v", err)
	}
	c, err := cache.New(cache.Config{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(c.Close)

	linker := chain.New(db, 0, nil)
	fg := forget.New(db, forget.Config{}, nil)
	orch := recall.New(recall.Deps{DB: db, Embedder: emb, Index: idx, Chains: linker, Forget: fg}, recall.DefaultConfig())

	e := New(Deps{
		DB: db, Embedder: emb, Index: idx, Chains: linker, Forget: fg, Recall: orch, Cache: c,
		ReflexKeywords: []string{"danger", "violence"},
	})
	t.Cleanup(e.Stop)
	return e
}

func mustStore(t *testing.T, e *Engine, req StoreRequest) StoreResult {
	t.Helper()
	res, err := e.Store(context.Background(), req)
	if err != nil {
		t.Fatalf("Store %q: %v", req.UserText, err)
	}
	return res
}

func TestStoreAndRecall(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res := mustStore(t, e, StoreRequest{
		UserText: "I'm scared of failing", SystemText: "Failure helps you grow", EmotionLabel: "fear",
	})
	if res.Status != StatusStored || res.ID == "" {
		t.Fatalf("result = %+v", res)
	}
	mustStore(t, e, StoreRequest{UserText: "The weather is lovely today"})

	resp := e.Recall(ctx, "afraid of failing", recall.Context{}, recall.Options{})
	if len(resp.Results) == 0 || resp.Results[0].Atom.ID != res.ID {
		t.Fatalf("recall = %+v", resp.Results)
	}

	a, err := e.DB.GetAtom(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetAtom: %v", err)
	}
	if a.UsedCount != 1 || a.LastUsed == 0 {
		t.Errorf("used_count=%d last_used=%d, want reinforcement", a.UsedCount, a.LastUsed)
	}
	if len(a.Keywords) == 0 {
		t.Error("expected extracted keywords")
	}
	if a.EmbeddingModel != "hash-256" || len(a.Embedding) != 256 {
		t.Errorf("embedding model=%q dims=%d", a.EmbeddingModel, len(a.Embedding))
	}
}

func TestStoreDuplicate(t *testing.T) {
	e := newTestEngine(t, nil)
	first := mustStore(t, e, StoreRequest{UserText: "same words", SystemText: "same reply"})
	second := mustStore(t, e, StoreRequest{UserText: "  same words ", SystemText: "same reply"})

	if second.Status != StatusDuplicate || second.ID != first.ID {
		t.Errorf("second = %+v, want duplicate of %s", second, first.ID)
	}
	if e.index.Len() != 1 {
		t.Errorf("index len = %d, want 1", e.index.Len())
	}
}

// countingEmbedder counts calls to a hashing embedder.
type countingEmbedder struct {
	*embed.HashEmbedder
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	c.calls.Add(1)
	return c.HashEmbedder.Embed(ctx, text)
}

func TestStoreDuplicateSkipsEmbedding(t *testing.T) {
	emb := &countingEmbedder{HashEmbedder: embed.NewHashEmbedder(256)}
	e := newTestEngine(t, emb)

	first := mustStore(t, e, StoreRequest{UserText: "same words", SystemText: "same reply"})
	second := mustStore(t, e, StoreRequest{UserText: "same words", SystemText: "same reply"})
	if second.Status != StatusDuplicate || second.ID != first.ID {
		t.Fatalf("second = %+v", second)
	}
	if n := emb.calls.Load(); n != 1 {
		t.Errorf("embed calls = %d, want 1", n)
	}

	// A tombstoned copy is revived and embedded again.
	if err := e.Tombstone(context.Background(), first.ID); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	third := mustStore(t, e, StoreRequest{UserText: "same words", SystemText: "same reply"})
	if !third.Revived {
		t.Errorf("third = %+v, want revived", third)
	}
	if n := emb.calls.Load(); n != 2 {
		t.Errorf("embed calls = %d, want 2", n)
	}
}

func TestStoreRejectsInvalid(t *testing.T) {
	e := newTestEngine(t, nil)
	tests := []StoreRequest{
		{},
		{UserText: "x", EmotionIntensity: 2},
		{UserText: "x", MemoryType: "diary"},
	}
	for _, req := range tests {
		res, err := e.Store(context.Background(), req)
		if !errors.Is(err, store.ErrInvalidAtom) {
			t.Errorf("Store(%+v) err = %v, want ErrInvalidAtom", req, err)
		}
		if res.Status != StatusFailed {
			t.Errorf("status = %s, want failed", res.Status)
		}
	}
}

func TestStoreReflexKeywords(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res := mustStore(t, e, StoreRequest{UserText: "That street is a DANGER at night"})
	a, _ := e.Get(ctx, res.ID)
	if !a.ReflexTag {
		t.Error("expected reflex tag from keyword")
	}

	res = mustStore(t, e, StoreRequest{UserText: "a quiet street"})
	a, _ = e.Get(ctx, res.ID)
	if a.ReflexTag {
		t.Error("unexpected reflex tag")
	}
}

func TestStoreSanitizesLabels(t *testing.T) {
	e := newTestEngine(t, nil)
	res := mustStore(t, e, StoreRequest{
		UserText:     "labels",
		EmotionLabel: " Deep Joy ",
		BeliefTags:   []string{"Hard Work", "!!!", "hard work"},
	})
	a, _ := e.Get(context.Background(), res.ID)
	if a.EmotionLabel != "deep-joy" {
		t.Errorf("emotion = %q", a.EmotionLabel)
	}
	if len(a.BeliefTags) != 1 || a.BeliefTags[0] != "hard-work" {
		t.Errorf("beliefs = %v", a.BeliefTags)
	}
}

type downEmbedder struct{}

func (downEmbedder) Embed(context.Context, string) ([]float64, error) {
	return nil, fmt.Errorf("%w: offline", embed.ErrEmbeddingFailure)
}
func (downEmbedder) Model() string   { return "down" }
func (downEmbedder) Dimensions() int { return 256 }

func TestStoreDegradesWithoutEmbedder(t *testing.T) {
	e := newTestEngine(t, downEmbedder{})
	ctx := context.Background()

	res := mustStore(t, e, StoreRequest{UserText: "I'm scared of failing"})
	if res.Status != StatusStored || len(res.Degraded) != 1 || res.Degraded[0] != "embedding" {
		t.Fatalf("result = %+v", res)
	}

	resp := e.Recall(ctx, "afraid of failing", recall.Context{}, recall.Options{})
	if !resp.Report.EmbeddingDegraded {
		t.Error("expected degraded report")
	}
	if len(resp.Results) != 1 || resp.Results[0].Atom.ID != res.ID {
		t.Fatalf("lexical recall = %+v", resp.Results)
	}

	// Once an embedder is back, the gap can be filled.
	e.Embedder = embed.NewHashEmbedder(256)
	n, err := e.EmbedMissing(ctx)
	if err != nil {
		t.Fatalf("EmbedMissing: %v", err)
	}
	if n != 1 || e.index.Len() != 1 {
		t.Errorf("embedded %d, index len %d", n, e.index.Len())
	}
}

func TestStoreWithParentAndLink(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	a := mustStore(t, e, StoreRequest{UserText: "A"})
	b := mustStore(t, e, StoreRequest{UserText: "B", ParentID: a.ID})
	c := mustStore(t, e, StoreRequest{UserText: "C", ParentID: b.ID})

	got, err := e.Chain(ctx, c.ID)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	var order []string
	for _, x := range got {
		order = append(order, x.UserText)
	}
	if fmt.Sprint(order) != "[A B C]" {
		t.Errorf("chain = %v, want [A B C]", order)
	}

	if err := e.Link(ctx, c.ID, a.ID); !errors.Is(err, chain.ErrCycleDetected) {
		t.Errorf("Link err = %v, want ErrCycleDetected", err)
	}

	lineage, err := e.Lineage(ctx, a.ID)
	if err != nil || len(lineage) != 2 {
		t.Errorf("lineage = %d atoms, err %v", len(lineage), err)
	}

	d := mustStore(t, e, StoreRequest{UserText: "D"})
	if err := e.Relate(ctx, a.ID, d.ID); err != nil {
		t.Fatalf("Relate: %v", err)
	}
	got1, _ := e.Get(ctx, d.ID)
	if len(got1.LinkedIDs) != 1 || got1.LinkedIDs[0] != a.ID {
		t.Errorf("linked = %v", got1.LinkedIDs)
	}
}

func TestDuplicateReparentRejectsCycle(t *testing.T) {
	e := newTestEngine(t, nil)
	a := mustStore(t, e, StoreRequest{UserText: "A"})
	b := mustStore(t, e, StoreRequest{UserText: "B", ParentID: a.ID})

	// Re-storing A under B would make A its own grandparent.
	res := mustStore(t, e, StoreRequest{UserText: "A", ParentID: b.ID})
	if res.Status != StatusDuplicate || len(res.Degraded) != 1 || res.Degraded[0] != "link" {
		t.Errorf("result = %+v", res)
	}
}

func TestRecallCache(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	mustStore(t, e, StoreRequest{UserText: "I'm scared of failing"})

	first := e.Recall(ctx, "afraid of failing", recall.Context{}, recall.Options{})
	if first.Report.Cached {
		t.Fatal("first recall should not be cached")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := e.Recall(ctx, "afraid of failing", recall.Context{}, recall.Options{})
		if resp.Report.Cached {
			if len(resp.Results) != len(first.Results) {
				t.Errorf("cached results differ: %d vs %d", len(resp.Results), len(first.Results))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recall never served from cache")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Any write retires cached recalls.
	mustStore(t, e, StoreRequest{UserText: "failing again and again"})
	if resp := e.Recall(ctx, "afraid of failing", recall.Context{}, recall.Options{}); resp.Report.Cached {
		t.Error("recall served stale cache after a write")
	}
}

func TestTombstone(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	res := mustStore(t, e, StoreRequest{UserText: "I'm scared of failing"})
	e.Get(ctx, res.ID) // warm the cache

	if err := e.Tombstone(ctx, res.ID); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	a, err := e.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !a.Tombstoned() {
		t.Error("expected tombstoned atom after invalidation")
	}
	resp := e.Recall(ctx, "afraid of failing", recall.Context{}, recall.Options{})
	if len(resp.Results) != 0 {
		t.Errorf("tombstoned atom recalled: %+v", resp.Results)
	}
	if err := e.Tombstone(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSweep(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	old := time.Now().Add(-90 * 24 * time.Hour).UnixMilli()
	res := mustStore(t, e, StoreRequest{UserText: "idle chatter", CreatedAt: old})
	e.Get(ctx, res.ID)

	stats, err := e.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Tombstoned != 1 {
		t.Errorf("tombstoned = %d, want 1", stats.Tombstoned)
	}
	a, _ := e.Get(ctx, res.ID)
	if !a.Tombstoned() {
		t.Error("cache still serves the live atom")
	}
}

func TestStartForgettingRejectsBadSchedule(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.StartForgetting("every tuesday"); err == nil {
		t.Error("expected schedule error")
	}
	if err := e.StartForgetting("@hourly"); err != nil {
		t.Errorf("StartForgetting: %v", err)
	}
}

func TestRebuildIndex(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	for _, s := range []string{"one thought", "two thoughts", "three thoughts"} {
		mustStore(t, e, StoreRequest{UserText: s})
	}

	n, err := e.RebuildIndex(ctx)
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if n != 3 || e.index.Len() != 3 {
		t.Errorf("rebuilt %d, len %d", n, e.index.Len())
	}

	// The corruption path rebuilds in the background.
	if _, err := e.index.Rebuild(ctx, func(context.Context) ([]vector.Entry, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	e.scheduleRebuild()
	deadline := time.Now().Add(2 * time.Second)
	for e.index.Len() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("len after background rebuild = %d, want 3", e.index.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStats(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	mustStore(t, e, StoreRequest{UserText: "kept"})
	b := mustStore(t, e, StoreRequest{UserText: "dropped"})
	if err := e.Tombstone(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	s := e.Stats(ctx)
	if !s.DBOK || s.Atoms != 1 || s.Tombstoned != 1 || s.Indexed != 2 {
		t.Errorf("stats = %+v", s)
	}

	e.DB.Close()
	if s := e.Stats(ctx); s.DBOK {
		t.Error("expected db_ok=false after close")
	}
}
