// Package harness runs batches of simulations described by bet and MDA files
// and writes their per-replicate series.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/engine"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/intervention"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/snapshot"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// Archiver stores the outcome of one simulation; *store.Archive in production
type Archiver interface {
	SaveRun(ctx context.Context, info models.RunInfo, summary []models.SeriesSummary) error
}

// Options describes one harness invocation. Paths left empty are skipped.
type Options struct {
	// Config supplies parameters, the default schedule and the run spec
	Config *config.RunConfig

	BetPath    string
	MDAPath    string
	PrevPath   string
	InfectPath string
	// Format is csv, parquet or xlsx; empty picks it from each output's extension
	Format string

	// SaveOutput writes final snapshots of every completed replicate to OutSim
	SaveOutput bool
	OutSim     string
	// InSim is a snapshot location to resume from
	InSim string

	Logger   *slog.Logger
	Archive  Archiver
	Progress func(done, total int)
}

// SimulationReport summarises one bet row
type SimulationReport struct {
	RunID      string
	ParamIndex int
	Beta       float64
	Seed       int64
	Status     models.RunStatus
	Failed     int
	Summary    []models.SeriesSummary
}

// FinalPrevalence returns the mean prevalence at the last recorded timestep
func (s SimulationReport) FinalPrevalence() float64 {
	if len(s.Summary) == 0 {
		return 0
	}
	return s.Summary[len(s.Summary)-1].PrevalenceMean
}

// Report is the outcome of a harness run
type Report struct {
	Simulations []SimulationReport
	Prevalence  *SeriesTable
	Infected    *SeriesTable
	Snapshots   int
}

// Run executes one simulation per bet row, sequentially, each with its own
// driver. Replicate failures do not stop the batch: outputs are written for
// the replicates that completed and the failures are returned joined.
// Input, configuration and resume errors stop the batch before any
// simulation runs.
func Run(ctx context.Context, opts Options) (*Report, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultRunConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default
	}

	bets := []BetRow{{ParamIndex: 0, Beta: cfg.Parameters.Beta}}
	if opts.BetPath != "" {
		var err error
		if bets, err = ReadBetFile(opts.BetPath); err != nil {
			return nil, fmt.Errorf("reading bet file: %w", err)
		}
	}
	events := cfg.Schedule
	if opts.MDAPath != "" {
		var err error
		if events, err = ReadMDAFile(opts.MDAPath); err != nil {
			return nil, fmt.Errorf("reading mda file: %w", err)
		}
	}

	var resume []*snapshot.Snapshot
	if opts.InSim != "" {
		var err error
		if resume, err = loadSnapshots(ctx, opts.InSim); err != nil {
			return nil, err
		}
		log.Info("Loaded snapshots", "location", opts.InSim, "count", len(resume))
	}

	drivers, err := newDrivers(cfg.Parameters, bets, events, log)
	if err != nil {
		return nil, err
	}
	for i, snap := range resume {
		if snap.Size() != cfg.Parameters.PopulationSize {
			return nil, &models.StateError{Replicate: i, Reason: fmt.Sprintf(
				"population size %d does not match configured %d", snap.Size(), cfg.Parameters.PopulationSize)}
		}
	}

	persist := cfg.Run.PersistFinal || (opts.SaveOutput && opts.OutSim != "")
	replicates := cfg.Run.Replicates
	total := len(bets) * replicates
	batchID := utils.GenerateRunID()

	report := &Report{
		Prevalence: &SeriesTable{},
		Infected:   &SeriesTable{},
	}
	var finals []*snapshot.Snapshot
	var repErrs []error

	for r, bet := range bets {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("batch stopped before simulation %d: %w", r, err)
		}

		driver := drivers[r]
		in := engine.RunInput{
			RunID:        fmt.Sprintf("%s-p%d", batchID, bet.ParamIndex),
			Replicates:   replicates,
			Seed:         cfg.Run.Seed + int64(r),
			Resume:       resumeFor(resume, r, len(bets), replicates),
			PersistFinal: persist,
			Parallelism:  cfg.Run.Parallelism,
		}
		if opts.Progress != nil {
			offset := r * replicates
			in.Progress = func(done, _ int) { opts.Progress(offset+done, total) }
		}

		res, err := driver.Run(ctx, in)
		if res == nil {
			return report, fmt.Errorf("simulation for param %d: %w", bet.ParamIndex, err)
		}
		if err != nil {
			log.Warn("Simulation had failed replicates",
				"param_index", bet.ParamIndex, "failed", res.Failed(), "error", err)
			repErrs = append(repErrs, fmt.Errorf("param %d: %w", bet.ParamIndex, err))
		}
		if res.Status == models.RunStatusCancelled {
			return report, fmt.Errorf("batch cancelled during simulation %d: %w", r, ctx.Err())
		}

		sim := SimulationReport{
			RunID:      in.RunID,
			ParamIndex: bet.ParamIndex,
			Beta:       bet.Beta,
			Seed:       in.Seed,
			Status:     res.Status,
			Failed:     res.Failed(),
			Summary:    res.Summary(),
		}
		report.Simulations = append(report.Simulations, sim)
		if err := report.add(bet.ParamIndex, res); err != nil {
			repErrs = append(repErrs, err)
		}
		finals = append(finals, res.FinalSnapshots()...)

		if opts.Archive != nil {
			started, ended := driver.Times()
			info := models.RunInfo{
				ID:             in.RunID,
				Status:         res.Status,
				CreatedAt:      started,
				StartedAt:      started,
				EndedAt:        ended,
				Replicates:     replicates,
				Failed:         sim.Failed,
				ParamIndex:     bet.ParamIndex,
				Beta:           bet.Beta,
				Timesteps:      cfg.Parameters.Timesteps,
				PopulationSize: cfg.Parameters.PopulationSize,
				Metadata:       map[string]string{"batch_id": batchID, "source": "harness"},
			}
			if err != nil {
				info.Error = err.Error()
			}
			if err := opts.Archive.SaveRun(ctx, info, sim.Summary); err != nil {
				return report, fmt.Errorf("archiving simulation for param %d: %w", bet.ParamIndex, err)
			}
		}
	}

	if err := writeOutputs(opts, report); err != nil {
		return report, err
	}

	if opts.SaveOutput && opts.OutSim != "" {
		if len(finals) == 0 {
			return report, errors.Join(append(repErrs, errors.New("no completed replicates to save"))...)
		}
		if err := saveSnapshots(ctx, opts.OutSim, finals); err != nil {
			return report, err
		}
		report.Snapshots = len(finals)
		log.Info("Saved snapshots", "location", opts.OutSim, "count", len(finals))
	}

	return report, errors.Join(repErrs...)
}

// newDrivers builds one driver per bet row so that an invalid row fails the
// batch before any simulation runs.
func newDrivers(base config.Parameters, bets []BetRow, events []config.EventSpec, log *slog.Logger) ([]*engine.Driver, error) {
	drivers := make([]*engine.Driver, len(bets))
	for r, bet := range bets {
		params := base
		params.Beta = bet.Beta
		schedule, err := intervention.NewSchedule(events, params)
		if err != nil {
			return nil, fmt.Errorf("schedule for param %d: %w", bet.ParamIndex, err)
		}
		if drivers[r], err = engine.NewDriver(params, schedule, engine.Options{Logger: log}); err != nil {
			return nil, fmt.Errorf("simulation for param %d: %w", bet.ParamIndex, err)
		}
	}
	return drivers, nil
}

// add appends the completed replicates of one simulation to both tables
func (rep *Report) add(paramIndex int, res *engine.RunResult) error {
	var errs []error
	for _, r := range res.Completed() {
		steps := make([]int, len(r.Series))
		prev := make([]float64, len(r.Series))
		infected := make([]float64, len(r.Series))
		for i, p := range r.Series {
			steps[i] = p.Timestep
			prev[i] = p.Prevalence
			infected[i] = float64(p.InfectedCount)
		}

		if rep.Prevalence.Timesteps == nil {
			rep.Prevalence.Timesteps = steps
			rep.Infected.Timesteps = steps
		} else if !slices.Equal(rep.Prevalence.Timesteps, steps) {
			errs = append(errs, fmt.Errorf("param %d replicate %d covers timesteps %d..%d, which differ from earlier rows; left out of outputs",
				paramIndex, r.Replicate, steps[0], steps[len(steps)-1]))
			continue
		}

		rep.Prevalence.Rows = append(rep.Prevalence.Rows, SeriesRow{ParamIndex: paramIndex, Replicate: r.Replicate, Seed: r.Seed, Values: prev})
		rep.Infected.Rows = append(rep.Infected.Rows, SeriesRow{ParamIndex: paramIndex, Replicate: r.Replicate, Seed: r.Seed, Values: infected})
	}
	return errors.Join(errs...)
}

// resumeFor picks the snapshots for bet row r. A bundle holding one snapshot
// per replicate of every row is split by row; any other bundle is handed to
// each row whole and checked by the driver.
func resumeFor(bundle []*snapshot.Snapshot, r, rows, replicates int) []*snapshot.Snapshot {
	if rows > 1 && len(bundle) == rows*replicates {
		return bundle[r*replicates : (r+1)*replicates]
	}
	return bundle
}

func writeOutputs(opts Options, rep *Report) error {
	outputs := []struct {
		path  string
		table *SeriesTable
	}{
		{opts.PrevPath, rep.Prevalence},
		{opts.InfectPath, rep.Infected},
	}
	for _, out := range outputs {
		if out.path == "" {
			continue
		}
		format, err := ParseFormat(opts.Format, out.path)
		if err != nil {
			return err
		}
		if err := WriteSeries(out.path, format, out.table); err != nil {
			return fmt.Errorf("writing %s: %w", out.path, err)
		}
	}
	return nil
}

func loadSnapshots(ctx context.Context, location string) ([]*snapshot.Snapshot, error) {
	store, key, err := snapshot.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	snaps, err := store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading snapshots from %s store: %w", store.Name(), err)
	}
	return snaps, nil
}

func saveSnapshots(ctx context.Context, location string, snaps []*snapshot.Snapshot) error {
	store, key, err := snapshot.Open(ctx, location)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, key, snaps); err != nil {
		return fmt.Errorf("saving snapshots to %s store: %w", store.Name(), err)
	}
	return nil
}
