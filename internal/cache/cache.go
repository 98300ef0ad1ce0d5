// Package cache keeps hot atoms and recent recall responses in memory.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/lazypower/resonance/internal/store"
)

// Defaults for Config.
const (
	DefaultTTL        = time.Hour
	DefaultMaxAtoms   = 10_000
	DefaultMaxRecalls = 1_000
)

// Config sizes the caches. Every entry costs 1.
type Config struct {
	TTL        time.Duration
	MaxAtoms   int64
	MaxRecalls int64
}

// Cache fronts the store with a read-through atom cache and a recall
// response cache. Recall keys embed a generation counter that every write
// bumps, so one bump retires all cached responses.
type Cache struct {
	atoms   *ristretto.Cache
	recalls *ristretto.Cache
	ttl     time.Duration
	gen     atomic.Uint64
}

// New builds both caches.
func New(cfg Config) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAtoms <= 0 {
		cfg.MaxAtoms = DefaultMaxAtoms
	}
	if cfg.MaxRecalls <= 0 {
		cfg.MaxRecalls = DefaultMaxRecalls
	}
	atoms, err := newRistretto(cfg.MaxAtoms)
	if err != nil {
		return nil, fmt.Errorf("atom cache: %w", err)
	}
	recalls, err := newRistretto(cfg.MaxRecalls)
	if err != nil {
		atoms.Close()
		return nil, fmt.Errorf("recall cache: %w", err)
	}
	return &Cache{atoms: atoms, recalls: recalls, ttl: cfg.TTL}, nil
}

func newRistretto(maxItems int64) (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
}

// Atom returns the atom for id, calling load on a miss. The returned value
// is a copy; callers may modify it.
func (c *Cache) Atom(ctx context.Context, id string, load func(context.Context, string) (*store.MemoryAtom, error)) (*store.MemoryAtom, error) {
	if v, ok := c.atoms.Get(id); ok {
		a := v.(store.MemoryAtom)
		return &a, nil
	}
	a, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.atoms.SetWithTTL(id, *a, 1, c.ttl)
	return a, nil
}

// Invalidate drops the given atoms and retires every cached recall.
func (c *Cache) Invalidate(ids ...string) {
	c.InvalidateAtoms(ids...)
	c.gen.Add(1)
}

// InvalidateAtoms drops the given atoms but keeps cached recalls.
func (c *Cache) InvalidateAtoms(ids ...string) {
	for _, id := range ids {
		c.atoms.Del(id)
	}
}

// generation returns the current recall generation.
func (c *Cache) generation() uint64 { return c.gen.Load() }

// RecallKey derives the cache key for a recall. The query is compared
// case- and whitespace-insensitively; params (context and options) must
// marshal to JSON.
func (c *Cache) RecallKey(query string, params any) (string, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("recall key: %w", err)
	}
	h := sha1.New()
	h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(query), " "))))
	h.Write([]byte{0})
	h.Write(p)
	return fmt.Sprintf("%d:%s", c.gen.Load(), hex.EncodeToString(h.Sum(nil))), nil
}

// Recall returns a cached response.
func (c *Cache) Recall(key string) (any, bool) {
	return c.recalls.Get(key)
}

// PutRecall caches a response under key.
func (c *Cache) PutRecall(key string, v any) {
	c.recalls.SetWithTTL(key, v, 1, c.ttl)
}

// Close stops the cache goroutines.
func (c *Cache) Close() {
	c.atoms.Close()
	c.recalls.Close()
}
