// Package forget ages atoms and tombstones the ones nothing holds on to.
package forget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/adhocore/gronx"

	"github.com/lazypower/resonance/internal/store"
)

// Defaults for Config.
const (
	DefaultHorizon         = 30 * 24 * time.Hour
	DefaultReinforceAmount = 0.5
	DefaultEvictThreshold  = 0.8
	DefaultAnchorLevel     = 0.3
	DefaultSchedule        = "@hourly"
)

// Config tunes fading and eviction.
type Config struct {
	// Horizon is how long a fully irrelevant atom takes to fade completely.
	Horizon         time.Duration
	ReinforceAmount float64
	EvictThreshold  float64
	// Atoms at or above these levels are never evicted.
	AnchorIntensity float64
	AnchorResonance float64
}

// DefaultConfig returns the standard forgetting policy.
func DefaultConfig() Config {
	return Config{
		Horizon:         DefaultHorizon,
		ReinforceAmount: DefaultReinforceAmount,
		EvictThreshold:  DefaultEvictThreshold,
		AnchorIntensity: DefaultAnchorLevel,
		AnchorResonance: DefaultAnchorLevel,
	}
}

// Engine applies the forgetting policy to the store.
type Engine struct {
	db  *store.DB
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// New creates an Engine. Zero config fields take their defaults.
func New(db *store.DB, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.ReinforceAmount <= 0 {
		cfg.ReinforceAmount = def.ReinforceAmount
	}
	if cfg.EvictThreshold <= 0 {
		cfg.EvictThreshold = def.EvictThreshold
	}
	if cfg.AnchorIntensity <= 0 {
		cfg.AnchorIntensity = def.AnchorIntensity
	}
	if cfg.AnchorResonance <= 0 {
		cfg.AnchorResonance = def.AnchorResonance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, cfg: cfg, log: logger.With("component", "forget"), now: time.Now}
}

// Fade returns the atom's fade score advanced to now. Fade grows with the
// time since it was last written, scaled by how little the atom matters.
// Reflex atoms never fade.
func (e *Engine) Fade(a *store.MemoryAtom, now time.Time) float64 {
	since := a.FadeUpdatedAt
	if since == 0 {
		since = a.CreatedAt
	}
	elapsed := now.UnixMilli() - since
	if elapsed <= 0 || since == 0 {
		return a.FadeScore
	}
	factor := float64(elapsed) / float64(e.cfg.Horizon.Milliseconds())
	return clamp01(a.FadeScore + factor*irrelevance(a))
}

func irrelevance(a *store.MemoryAtom) float64 {
	if a.ReflexTag {
		return 0
	}
	usage := math.Min(float64(a.UsedCount)/10, 1)
	return 1 - max(a.RecallPriority, a.ResonanceScore, a.EmotionIntensity, usage)
}

// Evictable reports whether an atom may be tombstoned: faded past the
// threshold, not part of any lineage, not a reflex and not emotionally
// or resonantly charged.
func (e *Engine) Evictable(a *store.MemoryAtom) bool {
	return a.FadeScore >= e.cfg.EvictThreshold &&
		!a.Anchored() &&
		a.EmotionIntensity < e.cfg.AnchorIntensity &&
		a.ResonanceScore < e.cfg.AnchorResonance
}

// Reinforce returns the fade score after a successful recall.
func (e *Engine) Reinforce(a *store.MemoryAtom) float64 {
	return math.Max(a.FadeScore-e.cfg.ReinforceAmount, 0)
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned    int           `json:"scanned"`
	Faded      int           `json:"faded"`
	Tombstoned int           `json:"tombstoned"`
	Changed    []string      `json:"changed,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// Sweep advances fade on every live atom and tombstones the evictable ones.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	start := e.now()
	var stats SweepStats

	atoms, err := e.db.AllLive(ctx)
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}
	at := start.UnixMilli()
	for i := range atoms {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		a := &atoms[i]
		stats.Scanned++

		changed := false
		if fade := e.Fade(a, start); fade-a.FadeScore > 1e-9 {
			if err := e.db.UpdateFade(ctx, a.ID, fade, at); err != nil {
				return stats, err
			}
			a.FadeScore = fade
			stats.Faded++
			changed = true
		}
		if e.Evictable(a) {
			if err := e.db.Tombstone(ctx, a.ID); err != nil {
				return stats, err
			}
			stats.Tombstoned++
			changed = true
			e.log.Debug("atom evicted", "id", a.ID, "fade", a.FadeScore)
		}
		if changed {
			stats.Changed = append(stats.Changed, a.ID)
		}
	}

	stats.Duration = e.now().Sub(start)
	e.log.Info("sweep complete", "scanned", stats.Scanned, "faded", stats.Faded,
		"tombstoned", stats.Tombstoned, "took", stats.Duration)
	return stats, nil
}

// ValidateSchedule checks a cron expression.
func ValidateSchedule(expr string) error {
	g := gronx.New()
	if !g.IsValid(expr) {
		return fmt.Errorf("invalid forget schedule %q", expr)
	}
	return nil
}

// Schedule runs fn at every tick of the cron expression until ctx is done.
func (e *Engine) Schedule(ctx context.Context, expr string, fn func(context.Context)) error {
	if err := ValidateSchedule(expr); err != nil {
		return err
	}
	go func() {
		for {
			next, err := gronx.NextTickAfter(expr, e.now(), false)
			if err != nil {
				e.log.Error("schedule stopped", "expr", expr, "err", err)
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				fn(ctx)
			}
		}
	}()
	e.log.Info("forgetting scheduled", "expr", expr)
	return nil
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
