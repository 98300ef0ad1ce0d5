package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lazypower/resonance/internal/cache"
	"github.com/lazypower/resonance/internal/chain"
	"github.com/lazypower/resonance/internal/config"
	"github.com/lazypower/resonance/internal/embed"
	"github.com/lazypower/resonance/internal/engine"
	"github.com/lazypower/resonance/internal/forget"
	"github.com/lazypower/resonance/internal/recall"
	"github.com/lazypower/resonance/internal/store"
	"github.com/lazypower/resonance/internal/vector"
)

// loadConfig reads the --config file (or the default path) and applies
// flag overrides.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// newLogger builds the root slog logger from the log section.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// app is the wired dependency graph.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	db     *store.DB
	cache  *cache.Cache
	engine *engine.Engine
}

func (a *app) Close() {
	a.engine.Stop()
	a.cache.Close()
	a.db.Close()
}

// newApp opens the database and builds every component once. The vector
// index is loaded before newApp returns.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	path := cfg.Database.Path
	if path == "" {
		var err error
		if path, err = store.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	emb := chooseEmbedder(ctx, cfg, logger)
	idx, err := vector.New(emb.Dimensions(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	c, err := cache.New(cfg.CachePolicy())
	if err != nil {
		db.Close()
		return nil, err
	}

	linker := chain.New(db, cfg.Chain.MaxDepth, logger)
	fg := forget.New(db, cfg.ForgetPolicy(), logger)
	orch := recall.New(recall.Deps{
		DB: db, Embedder: emb, Index: idx, Chains: linker, Forget: fg, Logger: logger,
	}, cfg.RecallPolicy())

	eng := engine.New(engine.Deps{
		DB:             db,
		Embedder:       emb,
		Index:          idx,
		Chains:         linker,
		Forget:         fg,
		Recall:         orch,
		Cache:          c,
		Logger:         logger,
		ReflexKeywords: cfg.Store.ReflexKeywords,
		KeywordLimit:   cfg.Store.KeywordLimit,
	})

	n, err := eng.RebuildIndex(ctx)
	if err != nil {
		logger.Warn("vector index not loaded", "err", err)
	}
	logger.Debug("engine ready", "db", path, "embedder", emb.Model(), "vectors", n)

	return &app{cfg: cfg, log: logger, db: db, cache: c, engine: eng}, nil
}

// chooseEmbedder picks Ollama when configured and reachable, and the
// hashing embedder otherwise.
func chooseEmbedder(ctx context.Context, cfg *config.Config, logger *slog.Logger) embed.Embedder {
	ec := cfg.Embedder
	if ec.Provider != "hash" {
		if dims := embed.DetectOllama(ctx, ec.OllamaURL, ec.Model); dims > 0 {
			logger.Info("embedder", "provider", "ollama", "model", ec.Model, "dims", dims)
			return embed.WithRetry(embed.NewOllamaEmbedder(ec.OllamaURL, ec.Model, dims), cfg.RetryPolicy())
		}
		if ec.Provider == "ollama" {
			logger.Warn("ollama unreachable, falling back to hash embedder", "url", ec.OllamaURL, "model", ec.Model)
		}
	}
	logger.Debug("embedder", "provider", "hash", "dims", ec.Dimensions)
	return embed.NewHashEmbedder(ec.Dimensions)
}

// openLocal loads config and builds the app for a one-shot command.
// Logs go to stderr so stdout stays clean for results.
func openLocal(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, newLogger(cfg, os.Stderr))
}
