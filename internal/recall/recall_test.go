package recall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/resonance/internal/chain"
	"github.com/lazypower/resonance/internal/embed"
	"github.com/lazypower/resonance/internal/forget"
	"github.com/lazypower/resonance/internal/store"
	"github.com/lazypower/resonance/internal/vector"
)

type testEnv struct {
	db    *store.DB
	index *vector.Index
	emb   *embed.HashEmbedder
	orch  *Orchestrator
}

func newEnv(t *testing.T, cfg Config, mutate func(*Deps)) *testEnv {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	emb := embed.NewHashEmbedder(256)
	idx, err := vector.New(emb.Dimensions(), nil)
	require.NoError(t, err)

	deps := Deps{
		DB:       db,
		Embedder: emb,
		Index:    idx,
		Chains:   chain.New(db, 0, nil),
		Forget:   forget.New(db, forget.Config{}, nil),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &testEnv{db: db, index: idx, emb: emb, orch: New(deps, cfg)}
}

// add stores an atom the way the write path does: embedding the user text
// and extracting keywords.
func (e *testEnv) add(t *testing.T, a store.MemoryAtom) string {
	t.Helper()
	ctx := context.Background()
	vec, err := e.emb.Embed(ctx, a.UserText)
	require.NoError(t, err)
	a.Embedding = vec
	a.EmbeddingModel = e.emb.Model()
	a.Keywords = embed.Keywords(a.Text(), 8)
	res, err := e.db.InsertAtom(ctx, &a)
	require.NoError(t, err)
	require.NoError(t, e.index.Add(ctx, res.ID, vec))
	return res.ID
}

func (e *testEnv) seedDefault(t *testing.T) string {
	t.Helper()
	id := e.add(t, store.MemoryAtom{
		UserText: "I'm scared of failing", SystemText: "Failure helps you grow",
		EmotionLabel: "fear", EmotionIntensity: 0.6,
	})
	e.add(t, store.MemoryAtom{UserText: "The weather is lovely today", SystemText: "Enjoy the sunshine"})
	e.add(t, store.MemoryAtom{UserText: "My favourite food is pasta", SystemText: "Pasta is great"})
	return id
}

func ids(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Atom.ID
	}
	return out
}

func TestRecallRanksSemanticMatchFirst(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	want := env.seedDefault(t)

	resp := env.orch.Recall(context.Background(), "afraid of failing", Context{}, Options{})
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, want, top.Atom.ID)
	assert.InDelta(t, 2.0/3.0, top.Breakdown.Semantic, 0.01)
	assert.GreaterOrEqual(t, top.Score, 0.4)
	assert.Contains(t, top.Strategies, StrategyVector)
	assert.Contains(t, top.Strategies, StrategyKeyword)
	assert.Nil(t, top.Atom.Embedding)
	assert.False(t, resp.Report.Fallback)
	assert.False(t, resp.Report.EmbeddingDegraded)
}

func TestRecallNoMatchWithoutFallback(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	env.seedDefault(t)

	resp := env.orch.Recall(context.Background(), "zzz-no-match", Context{}, Options{DisableFallback: true})
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Report.Strategies)
}

func TestRecallFallback(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	id := env.add(t, store.MemoryAtom{UserText: "alpha beta gamma delta", SessionID: "s1"})

	// A different session zeroes the contextual score, so nothing passes
	// the floors and only the fallback can answer.
	rc := Context{SessionID: "s2"}
	resp := env.orch.Recall(context.Background(), "alpha omega", rc, Options{})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, id, resp.Results[0].Atom.ID)
	assert.True(t, resp.Results[0].Fallback)
	assert.True(t, resp.Report.Fallback)
	assert.GreaterOrEqual(t, resp.Results[0].Breakdown.Semantic, 0.25)

	resp = env.orch.Recall(context.Background(), "alpha omega", rc, Options{DisableFallback: true})
	assert.Empty(t, resp.Results)
	assert.False(t, resp.Report.Fallback)
}

func TestRecallReflexFirst(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	env.seedDefault(t)
	reflex := env.add(t, store.MemoryAtom{UserText: "never touch the hot stove", ReflexTag: true})

	resp := env.orch.Recall(context.Background(), "the hot stove", Context{}, Options{})
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, reflex, resp.Results[0].Atom.ID)
	assert.True(t, resp.Results[0].Reflex)
	assert.Equal(t, 1.0, resp.Results[0].Score)
}

func TestRecallTriggerOverride(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	env.seedDefault(t)

	resp := env.orch.Recall(context.Background(), "do you remember zzz", Context{}, Options{DisableFallback: true})
	assert.Equal(t, "do you remember", resp.Report.Trigger)
	require.Len(t, resp.Results, 3)
	for _, r := range resp.Results {
		assert.True(t, r.Override)
		assert.Equal(t, []string{StrategyTrigger}, r.Strategies)
	}
}

func TestRecallExcludesForgottenAtoms(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	ctx := context.Background()

	env.add(t, store.MemoryAtom{UserText: "My favourite food is pasta", FadeScore: 0.95})
	gone := env.add(t, store.MemoryAtom{UserText: "pasta food every day"})
	require.NoError(t, env.db.Tombstone(ctx, gone))

	resp := env.orch.Recall(ctx, "pasta food", Context{}, Options{})
	assert.Empty(t, resp.Results)
	assert.Positive(t, resp.Report.Candidates)

	// Anchoring the faded atom brings it back.
	kept := env.add(t, store.MemoryAtom{UserText: "pasta food with friends", FadeScore: 0.95, ParentID: gone})
	resp = env.orch.Recall(ctx, "pasta food", Context{}, Options{})
	assert.Contains(t, ids(resp.Results), kept)
}

func TestRecallEmotionStrategy(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	want := env.seedDefault(t)

	resp := env.orch.Recall(context.Background(), "failing", Context{Emotion: "fear"}, Options{})
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, want, resp.Results[0].Atom.ID)
	assert.Equal(t, 1.0, resp.Results[0].Breakdown.Emotional)
	assert.Equal(t, 1, resp.Report.Strategies[StrategyEmotion])
}

func TestRecallChainAndFrequencyStrategies(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	ctx := context.Background()

	root := env.add(t, store.MemoryAtom{UserText: "planning the pasta dinner", UserID: "u1"})
	leaf := env.add(t, store.MemoryAtom{UserText: "buying pasta food", UserID: "u1", ParentID: root})
	require.NoError(t, env.db.MarkUsed(ctx, root, 0))

	resp := env.orch.Recall(ctx, "pasta food", Context{ParentID: leaf, UserID: "u1"}, Options{})
	assert.Equal(t, 2, resp.Report.Strategies[StrategyChain])
	assert.Equal(t, 1, resp.Report.Strategies[StrategyFrequency])
	assert.Contains(t, ids(resp.Results), leaf)
}

func TestRecallMetadataTimeStrategy(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	env.seedDefault(t)
	old := env.add(t, store.MemoryAtom{
		UserText:  "pasta from last year",
		CreatedAt: time.Now().AddDate(-1, 0, 0).UnixMilli(),
	})

	resp := env.orch.Recall(context.Background(), "what did I say today", Context{}, Options{})
	assert.Equal(t, 3, resp.Report.Strategies[StrategyMetadata])
	assert.NotContains(t, ids(resp.Results), old)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float64, error) {
	return nil, fmt.Errorf("%w: provider down", embed.ErrEmbeddingFailure)
}
func (failingEmbedder) Model() string   { return "down" }
func (failingEmbedder) Dimensions() int { return 256 }

func TestRecallDegradesWithoutEmbeddings(t *testing.T) {
	env := newEnv(t, DefaultConfig(), func(d *Deps) { d.Embedder = failingEmbedder{} })
	want := env.seedDefault(t)

	resp := env.orch.Recall(context.Background(), "afraid of failing", Context{}, Options{})
	assert.True(t, resp.Report.EmbeddingDegraded)
	assert.Zero(t, resp.Report.Strategies[StrategyVector])
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, want, resp.Results[0].Atom.ID)
	assert.InDelta(t, 0.5, resp.Results[0].Breakdown.Semantic, 1e-9)
}

// hungEmbedder blocks until its context ends.
type hungEmbedder struct{}

func (hungEmbedder) Embed(ctx context.Context, _ string) ([]float64, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", embed.ErrEmbeddingFailure, ctx.Err())
}
func (hungEmbedder) Model() string   { return "hung" }
func (hungEmbedder) Dimensions() int { return 256 }

func TestRecallSurvivesHungEmbedder(t *testing.T) {
	env := newEnv(t, DefaultConfig(), func(d *Deps) { d.Embedder = hungEmbedder{} })
	want := env.seedDefault(t)

	start := time.Now()
	resp := env.orch.Recall(context.Background(), "afraid of failing", Context{}, Options{Deadline: 300 * time.Millisecond})
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, resp.Report.EmbeddingDegraded)
	assert.Empty(t, resp.Report.TimedOut, "strategies run while the embedding waits")
	assert.Positive(t, resp.Report.Strategies[StrategyKeyword])
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, want, resp.Results[0].Atom.ID)
	assert.InDelta(t, 0.5, resp.Results[0].Breakdown.Semantic, 1e-9)
}

type stubSearcher func(ctx context.Context) ([]vector.Hit, error)

func (s stubSearcher) Search(ctx context.Context, _ []float64, _ int, _ float64) ([]vector.Hit, error) {
	return s(ctx)
}

func TestRecallAbandonsSlowStrategy(t *testing.T) {
	hang := stubSearcher(func(context.Context) ([]vector.Hit, error) {
		time.Sleep(2 * time.Second)
		return nil, nil
	})
	env := newEnv(t, DefaultConfig(), func(d *Deps) { d.Index = hang })
	want := env.seedDefault(t)

	start := time.Now()
	resp := env.orch.Recall(context.Background(), "afraid of failing", Context{}, Options{Deadline: 300 * time.Millisecond})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{StrategyVector}, resp.Report.TimedOut)
	require.NotEmpty(t, resp.Results, "other strategies still contribute")
	assert.Equal(t, want, resp.Results[0].Atom.ID)
}

func TestRecallReportsIndexCorruption(t *testing.T) {
	corrupt := stubSearcher(func(context.Context) ([]vector.Hit, error) {
		return nil, fmt.Errorf("%w: bad distance", vector.ErrIndexCorruption)
	})
	var called bool
	env := newEnv(t, DefaultConfig(), func(d *Deps) { d.Index = corrupt })
	env.orch.SetCorruptionHandler(func() { called = true })
	env.seedDefault(t)

	resp := env.orch.Recall(context.Background(), "afraid of failing", Context{}, Options{})
	assert.True(t, called)
	assert.True(t, resp.Report.IndexCorrupt)
	assert.Contains(t, resp.Report.Failed, StrategyVector)
	assert.NotEmpty(t, resp.Results)
}

func TestSpontaneousRecall(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	intense := env.add(t, store.MemoryAtom{UserText: "the day I got married", EmotionIntensity: 0.9})
	resonant := env.add(t, store.MemoryAtom{UserText: "a quote that changed me", ResonanceScore: 0.8})
	env.add(t, store.MemoryAtom{UserText: "mildly annoying commute", EmotionIntensity: 0.5})

	resp := env.orch.Recall(context.Background(), "   ", Context{}, Options{})
	assert.True(t, resp.Report.Spontaneous)
	assert.Equal(t, []string{intense, resonant}, ids(resp.Results))
	assert.InDelta(t, 0.6*0.9+0.4, resp.Results[0].Score, 0.01)
}

func TestRecallLimit(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	for i := 0; i < 6; i++ {
		env.add(t, store.MemoryAtom{UserText: fmt.Sprintf("pasta food night %d", i)})
	}
	resp := env.orch.Recall(context.Background(), "pasta food", Context{}, Options{Limit: 2})
	assert.Len(t, resp.Results, 2)
	assert.GreaterOrEqual(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestConcurrentRecalls(t *testing.T) {
	env := newEnv(t, DefaultConfig(), nil)
	want := env.seedDefault(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := env.orch.Recall(context.Background(), "afraid of failing", Context{}, Options{})
			switch {
			case len(resp.Report.TimedOut) > 0:
				errs <- fmt.Errorf("timed out: %v", resp.Report.TimedOut)
			case len(resp.Results) == 0 || resp.Results[0].Atom.ID != want:
				errs <- errors.New("wrong results")
			}
		}()
	}
	// A writer runs alongside the readers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			env.add(t, store.MemoryAtom{UserText: fmt.Sprintf("background note %d", i)})
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
