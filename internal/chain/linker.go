// Package chain maintains the parent graph between atoms and the lateral
// links beside it. The parent graph is kept acyclic.
package chain

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lazypower/resonance/internal/store"
)

var (
	// ErrCycleDetected rejects a parent edge that would close a loop.
	ErrCycleDetected = errors.New("chain cycle detected")
	// ErrDepthExceeded rejects a parent edge whose ancestry could not be
	// walked within the depth bound.
	ErrDepthExceeded = errors.New("chain depth bound exceeded")
)

// DefaultMaxDepth bounds every walk over the parent graph.
const DefaultMaxDepth = 50

// Linker walks and edits chains of atoms.
type Linker struct {
	db       *store.DB
	maxDepth int
	log      *slog.Logger
}

// New creates a Linker. maxDepth <= 0 uses DefaultMaxDepth.
func New(db *store.DB, maxDepth int, logger *slog.Logger) *Linker {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{db: db, maxDepth: maxDepth, log: logger.With("component", "chain")}
}

// Link makes parentID the parent of childID after checking that childID is
// not already an ancestor of parentID. The check and the write share one
// transaction, so two opposing links cannot both commit.
func (l *Linker) Link(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		l.log.Warn("cycle rejected", "parent", parentID, "child", childID)
		return fmt.Errorf("%w: %s cannot parent itself", ErrCycleDetected, childID)
	}

	err := l.db.SetParent(ctx, childID, parentID, func(g store.GraphTx) error {
		for _, id := range []string{childID, parentID} {
			if _, found, err := g.ParentOf(ctx, id); err != nil {
				return err
			} else if !found {
				return fmt.Errorf("%w: %s", store.ErrNotFound, id)
			}
		}
		// A child with no descendants cannot be anyone's ancestor.
		kids, err := g.HasChildren(ctx, childID)
		if err != nil || !kids {
			return err
		}
		return l.checkAncestry(ctx, g, parentID, childID)
	})
	if err != nil {
		return err
	}
	l.log.Debug("linked", "parent", parentID, "child", childID)
	return nil
}

// checkAncestry walks up from start and fails if it meets target, revisits a
// node or runs past the depth bound.
func (l *Linker) checkAncestry(ctx context.Context, g store.GraphTx, start, target string) error {
	visited := make(map[string]bool)
	cur := start
	for depth := 0; cur != ""; depth++ {
		if cur == target {
			l.log.Warn("cycle rejected", "parent", start, "child", target, "depth", depth)
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrCycleDetected, target, start)
		}
		if visited[cur] {
			l.log.Warn("existing cycle found", "at", cur)
			return fmt.Errorf("%w: ancestry of %s loops at %s", ErrCycleDetected, start, cur)
		}
		if depth >= l.maxDepth {
			return fmt.Errorf("%w: more than %d ancestors above %s", ErrDepthExceeded, l.maxDepth, start)
		}
		visited[cur] = true

		parent, found, err := g.ParentOf(ctx, cur)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		cur = parent
	}
	return nil
}

// Relate records a lateral link between two existing atoms.
func (l *Linker) Relate(ctx context.Context, a, b string) error {
	if a == b {
		return fmt.Errorf("%w: cannot link %s to itself", store.ErrInvalidAtom, a)
	}
	for _, id := range []string{a, b} {
		if _, found, err := l.db.ParentOf(ctx, id); err != nil {
			return err
		} else if !found {
			return fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
	}
	return l.db.AddLink(ctx, a, b)
}

// Chain returns the ancestors of id followed by id itself, root first.
// A dangling parent ends the chain; a loop stops the walk.
func (l *Linker) Chain(ctx context.Context, id string) ([]store.MemoryAtom, error) {
	start, err := l.db.GetAtom(ctx, id)
	if err != nil {
		return nil, err
	}

	path := []store.MemoryAtom{*start}
	visited := map[string]bool{id: true}
	next := start.ParentID
	for depth := 1; next != ""; depth++ {
		if visited[next] {
			l.log.Warn("cycle in chain walk", "id", id, "at", next)
			break
		}
		if depth > l.maxDepth {
			l.log.Warn("chain walk hit depth bound", "id", id, "depth", l.maxDepth)
			break
		}
		visited[next] = true

		a, err := l.db.GetAtom(ctx, next)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		path = append(path, *a)
		next = a.ParentID
	}

	slices.Reverse(path)
	return path, nil
}

// Lineage returns the descendants of id breadth-first, each level oldest
// first. id itself is not included.
func (l *Linker) Lineage(ctx context.Context, id string) ([]store.MemoryAtom, error) {
	if _, err := l.db.GetAtom(ctx, id); err != nil {
		return nil, err
	}

	visited := map[string]bool{id: true}
	level := []string{id}
	var out []store.MemoryAtom
	for depth := 0; len(level) > 0 && depth < l.maxDepth; depth++ {
		var next []string
		for _, cur := range level {
			kids, err := l.db.Children(ctx, cur)
			if err != nil {
				return nil, err
			}
			for _, k := range kids {
				if visited[k] {
					continue
				}
				visited[k] = true
				next = append(next, k)
			}
		}
		atoms, err := l.db.GetAtoms(ctx, next)
		if err != nil {
			return nil, err
		}
		slices.SortStableFunc(atoms, func(a, b store.MemoryAtom) int {
			return cmp.Compare(a.CreatedAt, b.CreatedAt)
		})
		out = append(out, atoms...)
		level = next
	}
	return out, nil
}
