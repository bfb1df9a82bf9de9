package calibrate

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// Step is one iteration of the search
type Step struct {
	Iteration int
	Beta      float64
	Score     float64
	StepSize  float64
}

// Candidate is one evaluated beta
type Candidate struct {
	Beta      float64
	Score     float64
	Evaluated bool
	Err       error
}

// EvaluateFunc scores a batch of betas. The returned slice is index-aligned
// with betas; failed evaluations have Evaluated set to false.
type EvaluateFunc func(ctx context.Context, betas []float64) []Candidate

// Result is the outcome of a search
type Result struct {
	Beta              float64
	Score             float64
	Iterations        int
	History           []Step
	Converged         bool
	ConvergenceReason string
}

// Optimizer is a one-dimensional hill climber over beta. Each iteration
// evaluates beta +/- step; it moves to the better neighbour or halves the
// step when neither improves.
type Optimizer struct {
	maxIterations int
	stepSize      float64
	minStep       float64
	tolerance     float64
	minBeta       float64
	maxBeta       float64
	stopRule      StopRule
	progress      func(iteration int, beta, score float64)

	mu        sync.RWMutex
	bestBeta  float64
	bestScore float64
	iteration int
	history   []Step
}

// NewOptimizer creates an optimizer searching beta in [0, 1]
func NewOptimizer(maxIterations int, stepSize float64) *Optimizer {
	if maxIterations <= 0 {
		maxIterations = 20
	}
	if stepSize <= 0 {
		stepSize = 0.05
	}
	return &Optimizer{
		maxIterations: maxIterations,
		stepSize:      stepSize,
		minStep:       stepSize / 64,
		tolerance:     0.005,
		minBeta:       0,
		maxBeta:       1,
		bestScore:     math.MaxFloat64,
	}
}

// WithBounds sets the search interval for beta
func (o *Optimizer) WithBounds(minBeta, maxBeta float64) *Optimizer {
	o.minBeta = minBeta
	o.maxBeta = maxBeta
	return o
}

// WithTolerance stops the search once the score is at or below tol
func (o *Optimizer) WithTolerance(tol float64) *Optimizer {
	o.tolerance = tol
	return o
}

// WithMinStep stops the search once the step shrinks below minStep
func (o *Optimizer) WithMinStep(minStep float64) *Optimizer {
	o.minStep = minStep
	return o
}

// WithStopRule adds an early-stopping rule checked after every iteration
func (o *Optimizer) WithStopRule(rule StopRule) *Optimizer {
	o.stopRule = rule
	return o
}

// WithProgressReporter is called after every iteration
func (o *Optimizer) WithProgressReporter(fn func(iteration int, beta, score float64)) *Optimizer {
	o.progress = fn
	return o
}

// Optimize runs the search from initial
func (o *Optimizer) Optimize(ctx context.Context, initial float64, evaluate EvaluateFunc) (*Result, error) {
	if evaluate == nil {
		return nil, fmt.Errorf("evaluation function is required")
	}
	if math.IsNaN(o.minBeta) || math.IsNaN(o.maxBeta) || o.minBeta < 0 || o.minBeta >= o.maxBeta {
		return nil, fmt.Errorf("invalid beta bounds [%v, %v]", o.minBeta, o.maxBeta)
	}
	if math.IsNaN(initial) || initial < o.minBeta || initial > o.maxBeta {
		return nil, fmt.Errorf("initial beta %v outside bounds [%v, %v]", initial, o.minBeta, o.maxBeta)
	}

	first := evaluate(ctx, []float64{initial})
	if len(first) != 1 || !first[0].Evaluated {
		var err error
		if len(first) == 1 {
			err = first[0].Err
		}
		return nil, fmt.Errorf("failed to evaluate initial beta %v: %w", initial, err)
	}

	o.mu.Lock()
	o.bestBeta = initial
	o.bestScore = first[0].Score
	o.iteration = 0
	o.history = []Step{{Iteration: 0, Beta: initial, Score: first[0].Score, StepSize: o.stepSize}}
	o.mu.Unlock()

	current, currentScore := initial, first[0].Score
	step := o.stepSize

	for iteration := 1; iteration <= o.maxIterations; iteration++ {
		if currentScore <= o.tolerance {
			return o.buildResult(true, "target reached"), nil
		}
		if err := ctx.Err(); err != nil {
			return o.buildResult(false, "cancelled"), err
		}

		neighbors := o.neighbors(current, step)
		if len(neighbors) == 0 {
			return o.buildResult(true, "no valid neighbors"), nil
		}

		improved := false
		for _, c := range evaluate(ctx, neighbors) {
			if c.Evaluated && c.Score < currentScore {
				current, currentScore = c.Beta, c.Score
				improved = true
			}
		}
		if !improved {
			step /= 2
		}

		o.mu.Lock()
		o.iteration = iteration
		if currentScore < o.bestScore {
			o.bestBeta, o.bestScore = current, currentScore
		}
		o.history = append(o.history, Step{Iteration: iteration, Beta: current, Score: currentScore, StepSize: step})
		history := o.history
		o.mu.Unlock()

		if o.progress != nil {
			o.progress(iteration, current, currentScore)
		}

		if step < o.minStep {
			return o.buildResult(true, "step below minimum"), nil
		}
		if o.stopRule != nil {
			if converged, reason := o.stopRule.ShouldStop(history); converged {
				return o.buildResult(true, reason), nil
			}
		}
	}

	if currentScore <= o.tolerance {
		return o.buildResult(true, "target reached"), nil
	}
	return o.buildResult(false, "max iterations reached"), nil
}

// neighbors returns current +/- step clamped to the bounds, without current
func (o *Optimizer) neighbors(current, step float64) []float64 {
	var out []float64
	for _, b := range []float64{current - step, current + step} {
		b = math.Max(o.minBeta, math.Min(o.maxBeta, b))
		if b != current && (len(out) == 0 || out[0] != b) {
			out = append(out, b)
		}
	}
	return out
}

func (o *Optimizer) buildResult(converged bool, reason string) *Result {
	o.mu.RLock()
	defer o.mu.RUnlock()

	history := make([]Step, len(o.history))
	copy(history, o.history)
	return &Result{
		Beta:              o.bestBeta,
		Score:             o.bestScore,
		Iterations:        o.iteration,
		History:           history,
		Converged:         converged,
		ConvergenceReason: reason,
	}
}
