// Package vector is the approximate nearest-neighbour index over atom
// embeddings. It is a cache of the store's vectors and can always be
// rebuilt from them.
package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/philippgille/chromem-go"
)

var (
	// ErrIndexCorruption means the index returned unusable results and
	// should be rebuilt from the store.
	ErrIndexCorruption = errors.New("vector index corruption")
	// ErrDimensionMismatch is returned for vectors of the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

const collectionName = "atoms"

// Hit is one search result. Distance is 1 - cosine similarity.
type Hit struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// Entry is one vector to load during a rebuild.
type Entry struct {
	ID        string
	Embedding []float64
}

// Index serializes writers behind a mutex. Readers load the current
// collection through an atomic pointer and never touch the writer lock;
// a rebuild fills a fresh collection and swaps it in.
type Index struct {
	dims    int
	writeMu sync.Mutex
	current atomic.Pointer[chromem.Collection]
	log     *slog.Logger
}

// New creates an empty index for vectors of length dims.
func New(dims int, logger *slog.Logger) (*Index, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("vector index: invalid dimension %d", dims)
	}
	if logger == nil {
		logger = slog.Default()
	}
	col, err := newCollection()
	if err != nil {
		return nil, err
	}
	ix := &Index{dims: dims, log: logger.With("component", "vector")}
	ix.current.Store(col)
	return ix, nil
}

func newCollection() (*chromem.Collection, error) {
	col, err := chromem.NewDB().CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return col, nil
}

// Dimensions returns the fixed vector length.
func (ix *Index) Dimensions() int { return ix.dims }

// Len returns the number of indexed vectors.
func (ix *Index) Len() int { return ix.current.Load().Count() }

// Add indexes (or replaces) the vector for id. Zero vectors carry no
// direction and are skipped.
func (ix *Index) Add(ctx context.Context, id string, embedding []float64) error {
	if len(embedding) != ix.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), ix.dims)
	}
	vec, ok := toFloat32(embedding)
	if !ok {
		return nil
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	doc := chromem.Document{ID: id, Embedding: vec}
	if err := ix.current.Load().AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add %s: %w", id, err)
	}
	return nil
}

// Search returns up to k hits ordered by ascending distance. A positive
// maxDistance drops hits further away than it.
func (ix *Index) Search(ctx context.Context, embedding []float64, k int, maxDistance float64) ([]Hit, error) {
	if len(embedding) != ix.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), ix.dims)
	}
	vec, ok := toFloat32(embedding)
	if !ok || k <= 0 {
		return nil, nil
	}

	col := ix.current.Load()
	// chromem rejects nResults larger than the collection.
	n := min(k, col.Count())
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrIndexCorruption, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if math.IsNaN(sim) || math.IsInf(sim, 0) {
			return nil, fmt.Errorf("%w: non-finite similarity for %s", ErrIndexCorruption, r.ID)
		}
		d := 1 - sim
		if maxDistance > 0 && d > maxDistance {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Distance: d})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

// Rebuild replaces the index with the vectors returned by load. load runs
// under the writer lock so no Add can slip between loading and the swap.
// Entries of the wrong dimension are skipped.
func (ix *Index) Rebuild(ctx context.Context, load func(context.Context) ([]Entry, error)) (int, error) {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	entries, err := load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load vectors: %w", err)
	}

	col, err := newCollection()
	if err != nil {
		return 0, err
	}
	added, skipped := 0, 0
	for _, e := range entries {
		if len(e.Embedding) != ix.dims {
			skipped++
			continue
		}
		vec, ok := toFloat32(e.Embedding)
		if !ok {
			skipped++
			continue
		}
		if err := col.AddDocument(ctx, chromem.Document{ID: e.ID, Embedding: vec}); err != nil {
			return 0, fmt.Errorf("rebuild add %s: %w", e.ID, err)
		}
		added++
	}

	ix.current.Store(col)
	ix.log.Info("index rebuilt", "vectors", added, "skipped", skipped)
	return added, nil
}

// toFloat32 converts vec and reports false when it has no magnitude or
// holds non-finite values.
func toFloat32(vec []float64) ([]float32, bool) {
	out := make([]float32, len(vec))
	nonZero := false
	for i, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if v != 0 {
			nonZero = true
		}
		out[i] = float32(v)
	}
	return out, nonZero
}
