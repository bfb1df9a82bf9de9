package calibrate

import (
	"fmt"
	"math"
	"strings"
)

// StopRule decides from the search history whether calibration can end
// before the iteration budget runs out
type StopRule interface {
	ShouldStop(history []Step) (bool, string)
	Name() string
}

// StopConfig tunes the early-stopping rules of a calibration
type StopConfig struct {
	// MinIterations is the number of iterations before any rule applies
	MinIterations int
	// Patience is how many iterations a rule waits before it fires
	Patience int
	// MinGain is the smallest score drop that counts as progress
	MinGain float64
	// NoiseFloor is the score spread below which replicate noise hides any
	// difference between candidate betas
	NoiseFloor float64
	// MinBeta and MaxBeta are the search bounds
	MinBeta float64
	MaxBeta float64
}

// DefaultStopConfig returns the rules' defaults for a search over [minBeta, maxBeta]
func DefaultStopConfig(minBeta, maxBeta float64) StopConfig {
	return StopConfig{
		MinIterations: 3,
		Patience:      5,
		MinGain:       0.001,
		NoiseFloor:    0.0005,
		MinBeta:       minBeta,
		MaxBeta:       maxBeta,
	}
}

// StalledRule fires when the best score has not dropped by MinGain for
// Patience iterations
type StalledRule struct {
	cfg StopConfig
}

func NewStalledRule(cfg StopConfig) *StalledRule {
	return &StalledRule{cfg: cfg}
}

func (r *StalledRule) Name() string { return "stalled" }

func (r *StalledRule) ShouldStop(history []Step) (bool, string) {
	if len(history) < r.cfg.MinIterations || len(history) == 0 {
		return false, ""
	}
	best, bestAt := history[0].Score, 0
	for i, s := range history[1:] {
		if best-s.Score >= r.cfg.MinGain {
			best, bestAt = s.Score, i+1
		}
	}
	if since := len(history) - 1 - bestAt; since >= r.cfg.Patience {
		return true, fmt.Sprintf("score %.5f unchanged for %d iterations", best, since)
	}
	return false, ""
}

// NoiseFloorRule fires when the last Patience scores all lie within
// NoiseFloor of each other
type NoiseFloorRule struct {
	cfg StopConfig
}

func NewNoiseFloorRule(cfg StopConfig) *NoiseFloorRule {
	return &NoiseFloorRule{cfg: cfg}
}

func (r *NoiseFloorRule) Name() string { return "noise_floor" }

func (r *NoiseFloorRule) ShouldStop(history []Step) (bool, string) {
	if r.cfg.Patience <= 0 || len(history) < r.cfg.MinIterations || len(history) < r.cfg.Patience {
		return false, ""
	}
	recent := history[len(history)-r.cfg.Patience:]
	lo, hi := recent[0].Score, recent[0].Score
	for _, s := range recent[1:] {
		lo, hi = math.Min(lo, s.Score), math.Max(hi, s.Score)
	}
	if hi-lo <= r.cfg.NoiseFloor {
		return true, fmt.Sprintf("scores within %.6f over %d iterations; add replicates to resolve further", hi-lo, r.cfg.Patience)
	}
	return false, ""
}

// PinnedRule fires when beta has sat on a search bound for Patience
// iterations: the target lies outside the bounds.
type PinnedRule struct {
	cfg StopConfig
}

func NewPinnedRule(cfg StopConfig) *PinnedRule {
	return &PinnedRule{cfg: cfg}
}

func (r *PinnedRule) Name() string { return "pinned" }

func (r *PinnedRule) ShouldStop(history []Step) (bool, string) {
	if r.cfg.Patience <= 0 || len(history) < r.cfg.MinIterations || len(history) < r.cfg.Patience {
		return false, ""
	}
	recent := history[len(history)-r.cfg.Patience:]
	bound := recent[0].Beta
	if bound != r.cfg.MinBeta && bound != r.cfg.MaxBeta {
		return false, ""
	}
	for _, s := range recent[1:] {
		if s.Beta != bound {
			return false, ""
		}
	}
	side := "lower"
	if bound == r.cfg.MaxBeta {
		side = "upper"
	}
	return true, fmt.Sprintf("beta held at %s bound %g; target not reachable within bounds", side, bound)
}

// AnyRule stops when the first of its rules does
type AnyRule struct {
	rules []StopRule
}

// NewStopRules combines the stalled, pinned and noise-floor rules
func NewStopRules(cfg StopConfig) *AnyRule {
	return &AnyRule{rules: []StopRule{
		NewStalledRule(cfg),
		NewPinnedRule(cfg),
		NewNoiseFloorRule(cfg),
	}}
}

func (r *AnyRule) Name() string {
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name()
	}
	return strings.Join(names, "|")
}

func (r *AnyRule) ShouldStop(history []Step) (bool, string) {
	for _, rule := range r.rules {
		if stop, reason := rule.ShouldStop(history); stop {
			return true, fmt.Sprintf("%s: %s", rule.Name(), reason)
		}
	}
	return false, ""
}

// Add appends a rule, checked after the existing ones
func (r *AnyRule) Add(rule StopRule) {
	r.rules = append(r.rules, rule)
}
