package calibrate

import (
	"strings"
	"testing"
)

func steps(scores ...float64) []Step {
	out := make([]Step, len(scores))
	for i, s := range scores {
		out[i] = Step{Iteration: i, Beta: 0.3, Score: s}
	}
	return out
}

func atBetas(betas ...float64) []Step {
	out := make([]Step, len(betas))
	for i, b := range betas {
		out[i] = Step{Iteration: i, Beta: b, Score: 0.1}
	}
	return out
}

func TestStalledRule(t *testing.T) {
	r := NewStalledRule(StopConfig{MinIterations: 2, Patience: 2, MinGain: 0.01})

	if stop, _ := r.ShouldStop(steps(0.5)); stop {
		t.Error("Expected no stop below MinIterations")
	}
	if stop, _ := r.ShouldStop(steps(0.5, 0.4, 0.3)); stop {
		t.Error("Expected no stop while improving")
	}
	// drops smaller than MinGain do not count as progress
	stop, reason := r.ShouldStop(steps(0.5, 0.2, 0.195, 0.191))
	if !stop {
		t.Error("Expected stop after 2 iterations without a gain of 0.01")
	}
	if !strings.Contains(reason, "0.20000") {
		t.Errorf("Expected reason to name the best score, got %q", reason)
	}
}

func TestNoiseFloorRule(t *testing.T) {
	r := NewNoiseFloorRule(StopConfig{Patience: 3, NoiseFloor: 0.01, MinIterations: 1})

	if stop, _ := r.ShouldStop(steps(0.2, 0.2)); stop {
		t.Error("Expected no stop with fewer steps than Patience")
	}
	if stop, _ := r.ShouldStop(steps(0.5, 0.3, 0.1)); stop {
		t.Error("Expected no stop for spread scores")
	}
	if stop, _ := r.ShouldStop(steps(0.9, 0.201, 0.2, 0.205)); !stop {
		t.Error("Expected stop for scores within the noise floor")
	}
}

func TestPinnedRule(t *testing.T) {
	r := NewPinnedRule(StopConfig{Patience: 3, MinIterations: 1, MinBeta: 0.1, MaxBeta: 0.5})

	tests := []struct {
		name    string
		history []Step
		stop    bool
		side    string
	}{
		{"moving", atBetas(0.3, 0.4, 0.5), false, ""},
		{"interior plateau", atBetas(0.3, 0.3, 0.3), false, ""},
		{"upper bound", atBetas(0.4, 0.5, 0.5, 0.5), true, "upper"},
		{"lower bound", atBetas(0.1, 0.1, 0.1), true, "lower"},
		{"left the bound", atBetas(0.5, 0.5, 0.45), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop, reason := r.ShouldStop(tt.history)
			if stop != tt.stop {
				t.Fatalf("Expected stop=%v, got %v (%s)", tt.stop, stop, reason)
			}
			if tt.stop && !strings.Contains(reason, tt.side) {
				t.Errorf("Expected reason to name the %s bound, got %q", tt.side, reason)
			}
		})
	}
}

func TestStopRulesOrderAndAdd(t *testing.T) {
	cfg := DefaultStopConfig(0, 1)
	cfg.MinIterations = 1
	cfg.Patience = 2
	r := NewStopRules(cfg)
	if r.Name() != "stalled|pinned|noise_floor" {
		t.Errorf("Expected combined name, got %s", r.Name())
	}

	// at the upper bound with a flat score both pinned and noise_floor apply
	history := []Step{{Beta: 0.9, Score: 0.3}, {Beta: 1, Score: 0.2}, {Beta: 1, Score: 0.2}}
	stop, reason := r.ShouldStop(history)
	if !stop || !strings.HasPrefix(reason, "pinned") {
		t.Errorf("Expected pinned to fire first, got %v %q", stop, reason)
	}

	cfg.Patience = 10
	r = NewStopRules(cfg)
	r.Add(NewStalledRule(StopConfig{Patience: 1, MinIterations: 1, MinGain: 0.001}))
	if stop, _ := r.ShouldStop(steps(0.1, 0.2)); !stop {
		t.Error("Expected added rule to stop the search")
	}
}
