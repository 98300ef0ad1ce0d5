// Package config loads resonance settings from a YAML file with
// RESONANCE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/resonance/internal/cache"
	"github.com/lazypower/resonance/internal/chain"
	"github.com/lazypower/resonance/internal/forget"
	"github.com/lazypower/resonance/internal/recall"
	"github.com/lazypower/resonance/internal/retry"
)

// Config holds all resonance configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Recall   RecallConfig   `yaml:"recall"`
	Forget   ForgetConfig   `yaml:"forget"`
	Cache    CacheConfig    `yaml:"cache"`
	Chain    ChainConfig    `yaml:"chain"`
	Store    StoreConfig    `yaml:"store"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Retry    RetryConfig    `yaml:"retry"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"RESONANCE_LOG_LEVEL"`
	Format string `yaml:"format" env:"RESONANCE_LOG_FORMAT"` // "text" or "json"
}

type ServerConfig struct {
	Bind string `yaml:"bind" env:"RESONANCE_SERVER_BIND"`
	Port int    `yaml:"port" env:"RESONANCE_SERVER_PORT"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"RESONANCE_DB"`
}

type EmbedderConfig struct {
	Provider   string `yaml:"provider" env:"RESONANCE_EMBEDDER_PROVIDER"` // "auto", "ollama", "hash"
	OllamaURL  string `yaml:"ollama_url" env:"RESONANCE_EMBEDDER_OLLAMA_URL"`
	Model      string `yaml:"model" env:"RESONANCE_EMBEDDER_MODEL"`
	Dimensions int    `yaml:"dimensions" env:"RESONANCE_EMBEDDER_DIMENSIONS"` // hash embedder only
}

type RecallConfig struct {
	Weights          recall.Weights  `yaml:"weights"`
	Floors           recall.Floors   `yaml:"floors"`
	Triggers         recall.Triggers `yaml:"triggers"`
	MinScore         float64         `yaml:"min_score" env:"RESONANCE_RECALL_MIN_SCORE"`
	FallbackFloor    float64         `yaml:"fallback_floor" env:"RESONANCE_RECALL_FALLBACK_FLOOR"`
	IntuitionFloor   float64         `yaml:"intuition_floor" env:"RESONANCE_RECALL_INTUITION_FLOOR"`
	HalfLife         time.Duration   `yaml:"half_life" env:"RESONANCE_RECALL_HALF_LIFE"`
	Limit            int             `yaml:"limit" env:"RESONANCE_RECALL_LIMIT"`
	Deadline         time.Duration   `yaml:"deadline" env:"RESONANCE_RECALL_DEADLINE"`
	StrategyLimit    int             `yaml:"strategy_limit" env:"RESONANCE_RECALL_STRATEGY_LIMIT"`
	Parallelism      int             `yaml:"parallelism" env:"RESONANCE_RECALL_PARALLELISM"`
	SpontaneousLevel float64         `yaml:"spontaneous_level" env:"RESONANCE_RECALL_SPONTANEOUS_LEVEL"`
}

type ForgetConfig struct {
	Enabled         bool          `yaml:"enabled" env:"RESONANCE_FORGET_ENABLED"`
	Schedule        string        `yaml:"schedule" env:"RESONANCE_FORGET_SCHEDULE"` // cron expression
	Horizon         time.Duration `yaml:"horizon" env:"RESONANCE_FORGET_HORIZON"`
	ReinforceAmount float64       `yaml:"reinforce_amount" env:"RESONANCE_FORGET_REINFORCE_AMOUNT"`
	EvictThreshold  float64       `yaml:"evict_threshold" env:"RESONANCE_FORGET_EVICT_THRESHOLD"`
	AnchorIntensity float64       `yaml:"anchor_intensity" env:"RESONANCE_FORGET_ANCHOR_INTENSITY"`
	AnchorResonance float64       `yaml:"anchor_resonance" env:"RESONANCE_FORGET_ANCHOR_RESONANCE"`
}

type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl" env:"RESONANCE_CACHE_TTL"`
	MaxAtoms   int64         `yaml:"max_atoms" env:"RESONANCE_CACHE_MAX_ATOMS"`
	MaxRecalls int64         `yaml:"max_recalls" env:"RESONANCE_CACHE_MAX_RECALLS"`
}

type ChainConfig struct {
	MaxDepth int `yaml:"max_depth" env:"RESONANCE_CHAIN_MAX_DEPTH"`
}

type StoreConfig struct {
	// ReflexKeywords auto-tag an atom as a reflex when its text contains any of them.
	ReflexKeywords []string `yaml:"reflex_keywords" env:"RESONANCE_REFLEX_KEYWORDS"`
	KeywordLimit   int      `yaml:"keyword_limit" env:"RESONANCE_KEYWORD_LIMIT"`
}

type IngestConfig struct {
	ChunkSize    int `yaml:"chunk_size" env:"RESONANCE_INGEST_CHUNK_SIZE"`
	ChunkOverlap int `yaml:"chunk_overlap" env:"RESONANCE_INGEST_CHUNK_OVERLAP"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts" env:"RESONANCE_RETRY_ATTEMPTS"`
	Initial  time.Duration `yaml:"initial" env:"RESONANCE_RETRY_INITIAL"`
	Max      time.Duration `yaml:"max" env:"RESONANCE_RETRY_MAX"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	rc := recall.DefaultConfig()
	fc := forget.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Embedder: EmbedderConfig{
			Provider:   "auto",
			OllamaURL:  "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 256,
		},
		Recall: RecallConfig{
			Weights:          rc.Weights,
			Floors:           rc.Floors,
			Triggers:         rc.Triggers,
			MinScore:         rc.MinScore,
			FallbackFloor:    rc.FallbackFloor,
			IntuitionFloor:   rc.IntuitionFloor,
			HalfLife:         rc.HalfLife,
			Limit:            rc.Limit,
			Deadline:         rc.Deadline,
			StrategyLimit:    rc.StrategyLimit,
			Parallelism:      rc.Parallelism,
			SpontaneousLevel: rc.SpontaneousLevel,
		},
		Forget: ForgetConfig{
			Enabled:         true,
			Schedule:        forget.DefaultSchedule,
			Horizon:         fc.Horizon,
			ReinforceAmount: fc.ReinforceAmount,
			EvictThreshold:  fc.EvictThreshold,
			AnchorIntensity: fc.AnchorIntensity,
			AnchorResonance: fc.AnchorResonance,
		},
		Cache: CacheConfig{
			TTL:        cache.DefaultTTL,
			MaxAtoms:   cache.DefaultMaxAtoms,
			MaxRecalls: cache.DefaultMaxRecalls,
		},
		Chain: ChainConfig{MaxDepth: chain.DefaultMaxDepth},
		Store: StoreConfig{
			ReflexKeywords: []string{"danger", "abuse", "refuse", "warning", "forbidden", "violence"},
			KeywordLimit:   8,
		},
		Ingest: IngestConfig{ChunkSize: 1500, ChunkOverlap: 150},
		Retry: RetryConfig{
			Attempts: retry.Default.Attempts,
			Initial:  retry.Default.Initial,
			Max:      retry.Default.Max,
		},
	}
}

// DefaultPath returns ~/.resonance/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".resonance", "config.yaml"), nil
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail later and far
// from their source.
func (c *Config) Validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format %q: want text or json", c.Log.Format)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch c.Embedder.Provider {
	case "auto", "ollama", "hash":
	default:
		return fmt.Errorf("embedder provider %q: want auto, ollama or hash", c.Embedder.Provider)
	}
	if c.Embedder.Dimensions <= 0 {
		return fmt.Errorf("embedder dimensions must be positive")
	}
	if err := c.RecallPolicy().Validate(); err != nil {
		return err
	}
	if c.Forget.Enabled {
		if err := forget.ValidateSchedule(c.Forget.Schedule); err != nil {
			return err
		}
	}
	if c.Forget.EvictThreshold < 0 || c.Forget.EvictThreshold > 1 {
		return fmt.Errorf("forget evict threshold %.3f out of range [0,1]", c.Forget.EvictThreshold)
	}
	if c.Ingest.ChunkSize <= 0 || c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest chunk size %d / overlap %d invalid", c.Ingest.ChunkSize, c.Ingest.ChunkOverlap)
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	return l, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// RecallPolicy converts the recall section for the orchestrator.
func (c *Config) RecallPolicy() recall.Config {
	r := c.Recall
	return recall.Config{
		Weights:          r.Weights,
		Floors:           r.Floors,
		MinScore:         r.MinScore,
		FallbackFloor:    r.FallbackFloor,
		IntuitionFloor:   r.IntuitionFloor,
		HalfLife:         r.HalfLife,
		Limit:            r.Limit,
		Deadline:         r.Deadline,
		StrategyLimit:    r.StrategyLimit,
		Parallelism:      r.Parallelism,
		SpontaneousLevel: r.SpontaneousLevel,
		Triggers:         r.Triggers,
	}
}

// ForgetPolicy converts the forget section.
func (c *Config) ForgetPolicy() forget.Config {
	f := c.Forget
	return forget.Config{
		Horizon:         f.Horizon,
		ReinforceAmount: f.ReinforceAmount,
		EvictThreshold:  f.EvictThreshold,
		AnchorIntensity: f.AnchorIntensity,
		AnchorResonance: f.AnchorResonance,
	}
}

func (c *Config) CachePolicy() cache.Config {
	return cache.Config{TTL: c.Cache.TTL, MaxAtoms: c.Cache.MaxAtoms, MaxRecalls: c.Cache.MaxRecalls}
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{Attempts: c.Retry.Attempts, Initial: c.Retry.Initial, Max: c.Retry.Max}
}
