// Package engine runs replicates of the trachoma transmission model.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/intervention"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/transmission"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

const tracerName = "github.com/GoSim-25-26J-441/trachoma-core/internal/engine"

// ErrAlreadyRun is returned when Run is called on a driver that has left Configured
var ErrAlreadyRun = errors.New("driver has already been run")

// stepper advances a population; *transmission.Engine in production
type stepper interface {
	SeedInfections(pop *population.State, rng *utils.RandSource)
	Step(pop *population.State, rng *utils.RandSource) error
}

// Options configures a Driver. The zero value is usable.
type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Driver runs the replicates of one parameter set and schedule. It moves
// Configured -> Running -> Completed, or to Failed (Cancelled when the
// context ends the run early). A Driver runs once.
type Driver struct {
	mu        sync.RWMutex
	status    models.RunStatus
	startedAt time.Time
	endedAt   time.Time
	err       error

	params   config.Parameters
	schedule *intervention.Schedule
	engine   stepper
	applier  *intervention.Applier
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewDriver validates params and builds a driver in the Configured state.
// A nil schedule means no MDA rounds.
func NewDriver(params config.Parameters, schedule *intervention.Schedule, opts Options) (*Driver, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	eng, err := transmission.NewEngine(params)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		schedule = &intervention.Schedule{}
	}
	d := &Driver{
		status:   models.RunStatusConfigured,
		params:   params,
		schedule: schedule,
		engine:   eng,
		applier:  intervention.NewApplier(params),
		logger:   opts.Logger,
		tracer:   opts.Tracer,
	}
	if d.logger == nil {
		d.logger = logger.Default
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d, nil
}

// Params returns the driver's parameter set
func (d *Driver) Params() config.Parameters {
	return d.params
}

// Status returns the current lifecycle state
func (d *Driver) Status() models.RunStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Err returns the error that ended the run, if any
func (d *Driver) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// Times returns when the run started and ended; zero until set
func (d *Driver) Times() (started, ended time.Time) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.startedAt, d.endedAt
}

func (d *Driver) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != models.RunStatusConfigured {
		return fmt.Errorf("%w (status %s)", ErrAlreadyRun, d.status)
	}
	d.status = models.RunStatusRunning
	d.startedAt = time.Now()
	return nil
}

func (d *Driver) finish(status models.RunStatus, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
	d.err = err
	d.endedAt = time.Now()
}

// Run executes in.Replicates replicates, each for Timesteps steps after its
// start timestep. Configuration and resume problems fail the whole run before
// any stepping and return a nil result. Otherwise the result holds every
// replicate; the returned error joins the failures of individual replicates,
// which carry their replicate index, seed and timestep.
func (d *Driver) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	if err := d.start(); err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "driver.run", trace.WithAttributes(
		attribute.String("run_id", in.RunID),
		attribute.Int("replicates", in.Replicates),
		attribute.Int("population_size", d.params.PopulationSize),
		attribute.Int("timesteps", d.params.Timesteps),
		attribute.Int64("seed", in.Seed),
	))
	defer span.End()

	if err := d.validateInput(in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.finish(models.RunStatusFailed, err)
		d.logger.Error("Run rejected", "run_id", in.RunID, "error", err)
		return nil, err
	}

	parallelism := in.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	d.logger.Info("Starting run",
		"run_id", in.RunID,
		"replicates", in.Replicates,
		"population_size", d.params.PopulationSize,
		"timesteps", d.params.Timesteps,
		"resume", len(in.Resume),
		"parallelism", parallelism)

	results := make([]ReplicateResult, in.Replicates)
	var progressMu sync.Mutex
	done, skipped := 0, 0

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i := 0; i < in.Replicates; i++ {
		g.Go(func() error {
			err := ctx.Err()
			if err != nil {
				results[i] = ReplicateResult{Replicate: i, Seed: in.Seed, Err: fmt.Errorf("replicate %d not started: %w", i, err)}
			} else {
				results[i] = d.runReplicate(ctx, i, in)
			}
			progressMu.Lock()
			defer progressMu.Unlock()
			done++
			if err != nil {
				skipped++
			}
			if in.Progress != nil {
				in.Progress(done, in.Replicates)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := &RunResult{Replicates: results}
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	runErr := errors.Join(errs...)

	switch {
	case skipped > 0:
		result.Status = models.RunStatusCancelled
	case len(errs) == in.Replicates:
		result.Status = models.RunStatusFailed
	default:
		result.Status = models.RunStatusCompleted
	}
	d.finish(result.Status, runErr)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d replicates failed", len(errs), in.Replicates))
	}
	span.SetAttributes(attribute.Int("failed_replicates", len(errs)))
	d.logger.Info("Run finished",
		"run_id", in.RunID,
		"status", result.Status,
		"completed", in.Replicates-len(errs),
		"failed", len(errs))

	return result, runErr
}

// validateInput checks replicate count and resume snapshots. Failures are
// ConfigurationError or StateError and are fatal to the run.
func (d *Driver) validateInput(in RunInput) error {
	if in.Replicates <= 0 {
		return models.NewConfigurationError("replicates", "must be positive, got %d", in.Replicates)
	}
	if in.Parallelism < 0 {
		return models.NewConfigurationError("parallelism", "cannot be negative, got %d", in.Parallelism)
	}
	switch len(in.Resume) {
	case 0, 1, in.Replicates:
	default:
		return &models.StateError{Replicate: -1, Reason: fmt.Sprintf(
			"got %d snapshots for %d replicates; need 1 or one per replicate", len(in.Resume), in.Replicates)}
	}

	perReplicate := len(in.Resume) == in.Replicates
	for i, snap := range in.Resume {
		if snap == nil {
			return &models.StateError{Replicate: i, Reason: "snapshot is nil"}
		}
		if snap.Size() != d.params.PopulationSize {
			return &models.StateError{Replicate: i, Reason: fmt.Sprintf(
				"population size %d does not match configured %d", snap.Size(), d.params.PopulationSize)}
		}
		if err := snap.State().Verify(); err != nil {
			return &models.StateError{Replicate: i, Reason: err.Error()}
		}
		if perReplicate && len(snap.RandState) > 0 {
			if _, err := snap.Stream(); err != nil {
				return fmt.Errorf("resuming replicate %d: %w", i, err)
			}
		}
	}
	return nil
}
