package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/metrics"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/snapshot"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// runReplicate steps one replicate to completion. It never returns early on
// context cancellation; cancellation is honoured between replicates.
func (d *Driver) runReplicate(ctx context.Context, i int, in RunInput) ReplicateResult {
	res := ReplicateResult{Replicate: i, Seed: in.Seed}
	log := logger.ForReplicate(d.logger, in.RunID, i, in.Seed)
	_, span := d.tracer.Start(ctx, "driver.replicate", trace.WithAttributes(
		attribute.Int("replicate", i),
		attribute.Int64("seed", in.Seed),
	))
	defer span.End()
	started := time.Now()

	pop, rng, err := d.initialState(i, in)
	if err != nil {
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	agg := metrics.NewAggregator(d.params, pop.Timestep)
	if err := d.stepAll(pop, rng, agg); err != nil {
		var iv *models.InvariantViolation
		if errors.As(err, &iv) {
			iv.Replicate = i
			iv.Seed = in.Seed
		}
		res.Err = err
		res.Series = agg.Series()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("Replicate failed", "timestep", pop.Timestep+1, "error", err)
		return res
	}
	res.Series = agg.Series()

	if in.PersistFinal {
		snap, err := snapshot.Capture(pop, rng, i, in.Seed)
		if err != nil {
			res.Err = fmt.Errorf("replicate %d: %w", i, err)
			span.RecordError(res.Err)
			return res
		}
		res.Final = snap
	}

	span.SetAttributes(attribute.Int("end_timestep", pop.Timestep))
	log.Debug("Replicate completed",
		"start_timestep", pop.Timestep-d.params.Timesteps,
		"end_timestep", pop.Timestep,
		"elapsed", time.Since(started))
	return res
}

// stepAll runs Timesteps steps: transmission, then MDA if one is scheduled,
// then recording.
func (d *Driver) stepAll(pop *population.State, rng *utils.RandSource, agg *metrics.Aggregator) error {
	end := pop.Timestep + d.params.Timesteps
	for pop.Timestep < end {
		if err := d.engine.Step(pop, rng); err != nil {
			return err
		}
		treated := 0
		if ev, ok := d.schedule.At(pop.Timestep); ok {
			treated = d.applier.Apply(pop, ev, rng)
		}
		if _, err := agg.Record(pop.Timestep, pop, treated); err != nil {
			return err
		}
	}
	return nil
}

// initialState builds the population and stream replicate i starts from.
// With one snapshot per replicate the replicate continues that snapshot's
// stream, or gets a fresh one when the snapshot stored none. A single shared
// snapshot gets a fresh stream per replicate.
func (d *Driver) initialState(i int, in RunInput) (*population.State, *utils.RandSource, error) {
	switch {
	case len(in.Resume) == 0:
		rng := utils.NewStream(in.Seed, uint64(i))
		pop := population.New(d.params, rng)
		d.engine.SeedInfections(pop, rng)
		return pop, rng, nil
	case len(in.Resume) == in.Replicates && len(in.Resume[i].RandState) > 0:
		rng, err := in.Resume[i].Stream()
		if err != nil {
			return nil, nil, err
		}
		return in.Resume[i].State(), rng, nil
	case len(in.Resume) == in.Replicates:
		return in.Resume[i].State(), utils.NewStream(in.Seed, uint64(i)), nil
	default:
		return in.Resume[0].State(), utils.NewStream(in.Seed, uint64(i)), nil
	}
}
