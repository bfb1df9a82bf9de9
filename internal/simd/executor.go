package simd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/engine"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/intervention"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunTerminal  = errors.New("run is terminal")
	ErrRunIDMissing = errors.New("run_id is required")
	ErrRateLimited  = errors.New("too many run submissions")
)

// Archiver stores finished runs; *store.Archive in production
type Archiver interface {
	SaveRun(ctx context.Context, info models.RunInfo, summary []models.SeriesSummary) error
}

// ExecutorOptions configures a RunExecutor. The zero value runs without
// archive, callbacks or submission limit.
type ExecutorOptions struct {
	Archive  Archiver
	Notifier *Notifier
	Logger   *slog.Logger
	// SubmitRate is the sustained submissions per second; 0 means unlimited
	SubmitRate  float64
	SubmitBurst int
	// Parallelism overrides the submitted replicate parallelism when > 0
	Parallelism int
}

// RunExecutor manages asynchronous run execution and per-run cancellation.
type RunExecutor struct {
	store       *RunStore
	archive     Archiver
	notifier    *Notifier
	logger      *slog.Logger
	limiter     *rate.Limiter
	parallelism int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunExecutor(store *RunStore, opts ExecutorOptions) *RunExecutor {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.SubmitRate > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), burst)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default
	}
	return &RunExecutor{
		store:       store,
		archive:     opts.Archive,
		notifier:    opts.Notifier,
		logger:      log,
		limiter:     limiter,
		parallelism: opts.Parallelism,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// BuildConfig turns a submission into a validated run config. Bet and
// schedule, when present, override the ones in the YAML.
func BuildConfig(input RunInput) (*config.RunConfig, error) {
	cfg := config.DefaultRunConfig()
	if input.ConfigYAML != "" {
		parsed, err := config.ParseRunConfigYAMLString(input.ConfigYAML)
		if err != nil {
			var cfgErr *models.ConfigurationError
			if errors.As(err, &cfgErr) {
				return nil, err
			}
			return nil, models.NewConfigurationError("config_yaml", "%v", err)
		}
		cfg = parsed
	}
	if input.Beta != nil {
		cfg.Parameters.Beta = *input.Beta
	}
	if input.Schedule != nil {
		cfg.Schedule = input.Schedule
	}
	if err := cfg.Parameters.Validate(); err != nil {
		return nil, err
	}
	if err := config.ValidateSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Submit validates input, registers the run and starts it
func (e *RunExecutor) Submit(runID string, input RunInput) (RunRecord, error) {
	if !e.limiter.Allow() {
		return RunRecord{}, ErrRateLimited
	}
	cfg, err := BuildConfig(input)
	if err != nil {
		return RunRecord{}, err
	}
	if runID == "" {
		runID = utils.GenerateRunID()
	}
	if _, err := e.store.Create(runID, input, cfg); err != nil {
		return RunRecord{}, err
	}
	return e.Start(runID)
}

// Start begins executing a run asynchronously.
// Returns the updated run state (running) or an error.
func (e *RunExecutor) Start(runID string) (RunRecord, error) {
	if runID == "" {
		return RunRecord{}, ErrRunIDMissing
	}

	rec, ok := e.store.Get(runID)
	if !ok {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if rec.Info.Status == models.RunStatusRunning {
		return rec, nil
	}

	updated, err := e.store.SetStatus(runID, models.RunStatusRunning, "")
	if err != nil {
		return RunRecord{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if old, exists := e.cancels[runID]; exists {
		old()
	}
	e.cancels[runID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runSimulation(ctx, runID)
	return updated, nil
}

// Stop requests cancellation for a run and marks it cancelled. Replicates
// already stepping finish; no new ones start.
func (e *RunExecutor) Stop(runID string) (RunRecord, error) {
	if runID == "" {
		return RunRecord{}, ErrRunIDMissing
	}

	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}

	return e.store.SetStatus(runID, models.RunStatusCancelled, "stopped by request")
}

// Wait blocks until every started run has finished
func (e *RunExecutor) Wait() {
	e.wg.Wait()
}

// Shutdown cancels every active run and waits for them
func (e *RunExecutor) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *RunExecutor) cleanup(runID string) {
	e.mu.Lock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
		delete(e.cancels, runID)
	}
	e.mu.Unlock()
}

func (e *RunExecutor) runSimulation(ctx context.Context, runID string) {
	defer e.wg.Done()
	defer e.cleanup(runID)

	rec, ok := e.store.Get(runID)
	if !ok {
		e.logger.Error("run not found", "run_id", runID)
		return
	}
	cfg := rec.Config
	params := cfg.Parameters

	schedule, err := intervention.NewSchedule(cfg.Schedule, params)
	if err != nil {
		e.fail(runID, fmt.Errorf("invalid schedule: %w", err))
		return
	}
	driver, err := engine.NewDriver(params, schedule, engine.Options{Logger: e.logger})
	if err != nil {
		e.fail(runID, err)
		return
	}

	parallelism := cfg.Run.Parallelism
	if e.parallelism > 0 {
		parallelism = e.parallelism
	}
	res, runErr := driver.Run(ctx, engine.RunInput{
		RunID:       runID,
		Replicates:  cfg.Run.Replicates,
		Seed:        cfg.Run.Seed,
		Parallelism: parallelism,
		Progress: func(done, total int) {
			e.store.SetProgress(runID, done, total)
		},
	})
	if res == nil {
		e.fail(runID, runErr)
		return
	}

	if err := e.store.SetResult(runID, res.Failed(), res.Summary()); err != nil {
		e.logger.Error("failed to store result", "run_id", runID, "error", err)
	}
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if _, err := e.store.SetStatus(runID, res.Status, errMsg); err != nil && !errors.Is(err, ErrRunTerminal) {
		e.logger.Error("failed to set final status", "run_id", runID, "error", err)
	}
	e.finalize(runID)
}

func (e *RunExecutor) fail(runID string, err error) {
	e.logger.Error("run failed", "run_id", runID, "error", err)
	if _, setErr := e.store.SetStatus(runID, models.RunStatusFailed, err.Error()); setErr != nil && !errors.Is(setErr, ErrRunTerminal) {
		e.logger.Error("failed to set failed status", "run_id", runID, "error", setErr)
	}
	e.finalize(runID)
}

// finalize archives the run and sends its callback
func (e *RunExecutor) finalize(runID string) {
	rec, ok := e.store.Get(runID)
	if !ok {
		return
	}
	e.logger.Info("run finished",
		"run_id", runID,
		"status", rec.Info.Status,
		"failed_replicates", rec.Info.Failed)

	if e.archive != nil {
		if err := e.archive.SaveRun(context.Background(), rec.Info, rec.Summary); err != nil {
			e.logger.Error("failed to archive run", "run_id", runID, "error", err)
		}
	}
	if e.notifier != nil {
		e.notifier.Notify(rec.Input.CallbackURL, rec.Input.CallbackSecret, rec)
	}
}
