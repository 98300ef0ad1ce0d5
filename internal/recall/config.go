package recall

import (
	"fmt"
	"time"
)

// Weights blend the four sub-scores into one score.
type Weights struct {
	Semantic   float64 `json:"semantic" yaml:"semantic"`
	Temporal   float64 `json:"temporal" yaml:"temporal"`
	Emotional  float64 `json:"emotional" yaml:"emotional"`
	Contextual float64 `json:"contextual" yaml:"contextual"`
}

func (w Weights) sum() float64 {
	return w.Semantic + w.Temporal + w.Emotional + w.Contextual
}

// Floors are the per-signal minimums a scored candidate must reach.
type Floors struct {
	Semantic   float64 `json:"semantic" yaml:"semantic"`
	Temporal   float64 `json:"temporal" yaml:"temporal"`
	Emotional  float64 `json:"emotional" yaml:"emotional"`
	Contextual float64 `json:"contextual" yaml:"contextual"`
}

// Triggers force the most recent atoms into a recall when the query
// contains one of the phrases or matches one of the patterns.
type Triggers struct {
	Phrases  []string `json:"phrases" yaml:"phrases"`
	Patterns []string `json:"patterns" yaml:"patterns"`
	Recent   int      `json:"recent" yaml:"recent"`
}

// Config tunes the orchestrator.
type Config struct {
	Weights  Weights
	Floors   Floors
	MinScore float64

	// FallbackFloor is the relaxed similarity floor of the fallback pass;
	// IntuitionFloor is the similarity the single fallback hit must reach.
	FallbackFloor  float64
	IntuitionFloor float64

	HalfLife time.Duration
	Limit    int
	Deadline time.Duration

	// StrategyLimit caps the candidates any one strategy contributes.
	StrategyLimit int
	// Parallelism bounds how many strategies run at once. Zero runs all.
	Parallelism int

	// SpontaneousLevel selects atoms for an empty query by intensity or
	// resonance.
	SpontaneousLevel float64

	Triggers Triggers
}

// DefaultConfig returns the standard recall policy.
func DefaultConfig() Config {
	return Config{
		Weights:          Weights{Semantic: 0.35, Temporal: 0.15, Emotional: 0.25, Contextual: 0.25},
		Floors:           Floors{Semantic: 0.3, Temporal: 0.2, Emotional: 0.2, Contextual: 0.2},
		MinScore:         0.4,
		FallbackFloor:    0.1,
		IntuitionFloor:   0.25,
		HalfLife:         7 * 24 * time.Hour,
		Limit:            5,
		Deadline:         2500 * time.Millisecond,
		StrategyLimit:    20,
		SpontaneousLevel: 0.7,
		Triggers: Triggers{
			Phrases:  []string{"remember when", "do you remember", "last time", "we talked about"},
			Patterns: []string{`(?i)\bremind me\b`},
			Recent:   3,
		},
	}
}

// Validate checks that weights and floors are usable.
func (c Config) Validate() error {
	if s := c.Weights.sum(); s < 0.999 || s > 1.001 {
		return fmt.Errorf("recall weights sum to %.3f, want 1", s)
	}
	for name, v := range map[string]float64{
		"floors.semantic":   c.Floors.Semantic,
		"floors.temporal":   c.Floors.Temporal,
		"floors.emotional":  c.Floors.Emotional,
		"floors.contextual": c.Floors.Contextual,
		"min_score":         c.MinScore,
		"fallback_floor":    c.FallbackFloor,
		"intuition_floor":   c.IntuitionFloor,
		"spontaneous_level": c.SpontaneousLevel,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("recall %s %.3f out of range [0,1]", name, v)
		}
	}
	if c.HalfLife <= 0 {
		return fmt.Errorf("recall half life must be positive")
	}
	if c.Limit <= 0 || c.Deadline <= 0 || c.StrategyLimit <= 0 {
		return fmt.Errorf("recall limit, deadline and strategy limit must be positive")
	}
	if _, err := compileTriggers(c.Triggers); err != nil {
		return err
	}
	return nil
}
