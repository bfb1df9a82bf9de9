// Package calibrate searches for the transmission coefficient that
// reproduces an observed prevalence.
package calibrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/engine"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/intervention"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
)

// Calibrator evaluates candidate betas by running full simulations. Every
// candidate uses the same base seed, so differences between candidates come
// from beta rather than from the random streams.
type Calibrator struct {
	cfg             *config.RunConfig
	objective       Objective
	optimizer       *Optimizer
	maxParallelRuns int
	logger          *slog.Logger

	mu          sync.Mutex
	evaluations int
}

// NewCalibrator creates a calibrator for cfg. maxParallelRuns bounds how many
// candidate simulations run at once.
func NewCalibrator(cfg *config.RunConfig, objective Objective, optimizer *Optimizer, maxParallelRuns int) *Calibrator {
	if maxParallelRuns <= 0 {
		maxParallelRuns = 2
	}
	return &Calibrator{
		cfg:             cfg,
		objective:       objective,
		optimizer:       optimizer,
		maxParallelRuns: maxParallelRuns,
		logger:          logger.Default,
	}
}

// WithLogger sets the logger used for per-candidate lines
func (c *Calibrator) WithLogger(l *slog.Logger) *Calibrator {
	if l != nil {
		c.logger = l
	}
	return c
}

// Evaluations returns how many candidate simulations have run
func (c *Calibrator) Evaluations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evaluations
}

// Run searches from the config's beta
func (c *Calibrator) Run(ctx context.Context) (*Result, error) {
	if c.cfg == nil || c.objective == nil || c.optimizer == nil {
		return nil, fmt.Errorf("calibrator needs a config, an objective and an optimizer")
	}
	if _, err := intervention.NewSchedule(c.cfg.Schedule, c.cfg.Parameters); err != nil {
		return nil, err
	}
	c.logger.Info("Calibration started",
		"objective", c.objective.Name(), "target", c.objective.Target(), "initial_beta", c.cfg.Parameters.Beta)

	res, err := c.optimizer.Optimize(ctx, c.cfg.Parameters.Beta, c.EvaluateParallel)
	if err != nil {
		return res, err
	}
	c.logger.Info("Calibration finished",
		"beta", res.Beta, "score", res.Score, "iterations", res.Iterations,
		"converged", res.Converged, "reason", res.ConvergenceReason)
	return res, nil
}

// EvaluateParallel evaluates betas concurrently, at most maxParallelRuns at a time
func (c *Calibrator) EvaluateParallel(ctx context.Context, betas []float64) []Candidate {
	semaphore := make(chan struct{}, c.maxParallelRuns)
	var wg sync.WaitGroup
	results := make([]Candidate, len(betas))

	for i, beta := range betas {
		wg.Add(1)
		go func(idx int, beta float64) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			score, err := c.evaluate(ctx, beta)
			if err != nil {
				c.logger.Warn("Candidate evaluation failed", "beta", beta, "error", err)
				results[idx] = Candidate{Beta: beta, Err: err}
				return
			}
			results[idx] = Candidate{Beta: beta, Score: score, Evaluated: true}
		}(i, beta)
	}

	wg.Wait()
	return results
}

func (c *Calibrator) evaluate(ctx context.Context, beta float64) (float64, error) {
	params := c.cfg.Parameters
	params.Beta = beta
	schedule, err := intervention.NewSchedule(c.cfg.Schedule, params)
	if err != nil {
		return 0, err
	}
	driver, err := engine.NewDriver(params, schedule, engine.Options{Logger: c.logger})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.evaluations++
	n := c.evaluations
	c.mu.Unlock()

	res, err := driver.Run(ctx, engine.RunInput{
		RunID:       fmt.Sprintf("calibrate-%d", n),
		Replicates:  c.cfg.Run.Replicates,
		Seed:        c.cfg.Run.Seed,
		Parallelism: c.cfg.Run.Parallelism,
	})
	if res == nil {
		return 0, err
	}
	if len(res.Completed()) == 0 {
		return 0, fmt.Errorf("beta %v: no replicate completed: %w", beta, err)
	}
	score, scoreErr := c.objective.Evaluate(res.Summary())
	if scoreErr != nil {
		return 0, scoreErr
	}
	c.logger.Debug("Candidate evaluated", "beta", beta, "score", score, "failed_replicates", res.Failed())
	return score, nil
}
