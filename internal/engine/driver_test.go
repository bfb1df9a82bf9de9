package engine

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/intervention"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/snapshot"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/transmission"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

func testParams() config.Parameters {
	p := config.DefaultParameters()
	p.PopulationSize = 100
	p.Timesteps = 52
	return p
}

func newTestDriver(t *testing.T, p config.Parameters, schedule *intervention.Schedule) *Driver {
	t.Helper()
	d, err := NewDriver(p, schedule, Options{Logger: logger.New("error", io.Discard)})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
	return d
}

func TestNewDriverRejectsInvalidParameters(t *testing.T) {
	p := testParams()
	p.Beta = -1
	d, err := NewDriver(p, nil, Options{})
	if d != nil {
		t.Error("Expected no driver for invalid parameters")
	}
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
}

func TestDriverLifecycle(t *testing.T) {
	d := newTestDriver(t, testParams(), nil)
	if d.Status() != models.RunStatusConfigured {
		t.Fatalf("Expected configured, got %s", d.Status())
	}

	res, err := d.Run(context.Background(), RunInput{Replicates: 2, Seed: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if d.Status() != models.RunStatusCompleted || res.Status != models.RunStatusCompleted {
		t.Errorf("Expected completed, got driver %s / result %s", d.Status(), res.Status)
	}
	started, ended := d.Times()
	if started.IsZero() || ended.Before(started) {
		t.Errorf("Unexpected run times %v - %v", started, ended)
	}

	if _, err := d.Run(context.Background(), RunInput{Replicates: 1}); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("Expected ErrAlreadyRun on second Run, got %v", err)
	}
}

func TestRunSeriesShapeAndBounds(t *testing.T) {
	p := testParams()
	d := newTestDriver(t, p, nil)

	res, err := d.Run(context.Background(), RunInput{Replicates: 3, Seed: 7})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Replicates) != 3 {
		t.Fatalf("Expected 3 replicates, got %d", len(res.Replicates))
	}
	for _, rep := range res.Replicates {
		if len(rep.Series) != p.Timesteps {
			t.Fatalf("Replicate %d: expected %d points, got %d", rep.Replicate, p.Timesteps, len(rep.Series))
		}
		for i, pt := range rep.Series {
			if pt.Timestep != i+1 {
				t.Fatalf("Replicate %d: expected timestep %d, got %d", rep.Replicate, i+1, pt.Timestep)
			}
			if pt.Prevalence < 0 || pt.Prevalence > 1 {
				t.Errorf("Prevalence %f outside [0, 1]", pt.Prevalence)
			}
			if pt.InfectedCount < 0 || pt.InfectedCount > p.PopulationSize {
				t.Errorf("Infected count %d outside [0, %d]", pt.InfectedCount, p.PopulationSize)
			}
		}
		if rep.Final != nil {
			t.Error("Expected no final snapshot without PersistFinal")
		}
	}
	if got := len(res.Summary()); got != p.Timesteps {
		t.Errorf("Expected %d summary rows, got %d", p.Timesteps, got)
	}
}

func runSeries(t *testing.T, p config.Parameters, in RunInput) *RunResult {
	t.Helper()
	d := newTestDriver(t, p, nil)
	res, err := d.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return res
}

func TestRunDeterministicForSeed(t *testing.T) {
	p := testParams()
	a := runSeries(t, p, RunInput{Replicates: 4, Seed: 99, Parallelism: 1})
	b := runSeries(t, p, RunInput{Replicates: 4, Seed: 99, Parallelism: 4})

	for r := range a.Replicates {
		for i := range a.Replicates[r].Series {
			if a.Replicates[r].Series[i] != b.Replicates[r].Series[i] {
				t.Fatalf("Replicate %d diverged at timestep %d", r, i+1)
			}
		}
	}

	same := true
	for i := range a.Replicates[0].Series {
		if a.Replicates[0].Series[i] != a.Replicates[1].Series[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Expected replicates to draw from different streams")
	}
}

func TestRunMDAReducesPrevalence(t *testing.T) {
	p := testParams()
	p.Beta = 1
	p.InitialInfected = 0.5
	p.LatentSteps = 0
	p.InfectionDuration = config.DurationSpec{Model: config.DurationFixed, Mean: 4}
	p.DiseaseDuration = config.DurationSpec{Model: config.DurationFixed, Mean: 20}
	p.NonCompliance = 0
	p.Efficacy = 1
	p.AnnualMortality = 0

	schedule, err := intervention.NewSchedule([]config.EventSpec{{Timestep: 26, Coverage: 0.8}}, p)
	if err != nil {
		t.Fatalf("NewSchedule failed: %v", err)
	}
	d := newTestDriver(t, p, schedule)
	res, err := d.Run(context.Background(), RunInput{Replicates: 5, Seed: 2024})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, rep := range res.Replicates {
		before, at := rep.Series[24], rep.Series[25]
		if before.Timestep != 25 || at.Timestep != 26 {
			t.Fatalf("Unexpected timesteps %d, %d", before.Timestep, at.Timestep)
		}
		if at.Prevalence >= before.Prevalence {
			t.Errorf("Replicate %d: expected prevalence drop at MDA, got %f -> %f", rep.Replicate, before.Prevalence, at.Prevalence)
		}
		for _, pt := range rep.Series {
			if pt.Timestep == 26 && pt.Treated == 0 {
				t.Errorf("Replicate %d: expected treatment at timestep 26", rep.Replicate)
			}
			if pt.Timestep != 26 && pt.Treated != 0 {
				t.Errorf("Replicate %d: unexpected treatment at timestep %d", rep.Replicate, pt.Timestep)
			}
		}
	}
}

func TestRunResumeContinuesIdentically(t *testing.T) {
	full := testParams()
	full.Timesteps = 40
	half := full
	half.Timesteps = 20

	whole := runSeries(t, full, RunInput{Replicates: 1, Seed: 5, PersistFinal: true})
	first := runSeries(t, half, RunInput{Replicates: 1, Seed: 5, PersistFinal: true})

	// round-trip through the wire format as a harness would
	saved, err := snapshot.UnmarshalBundle(snapshot.MarshalBundle(first.FinalSnapshots()))
	if err != nil {
		t.Fatalf("UnmarshalBundle failed: %v", err)
	}
	second := runSeries(t, half, RunInput{Replicates: 1, Seed: 5, Resume: saved, PersistFinal: true})

	want := whole.Replicates[0].Series[20:]
	got := second.Replicates[0].Series
	if len(got) != len(want) {
		t.Fatalf("Expected %d resumed points, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Resumed run diverged at timestep %d: %+v vs %+v", want[i].Timestep, got[i], want[i])
		}
	}

	a, b := whole.Replicates[0].Final, second.Replicates[0].Final
	if a.Timestep != 40 || b.Timestep != 40 {
		t.Fatalf("Expected final timestep 40, got %d and %d", a.Timestep, b.Timestep)
	}
	for i := range a.Individuals {
		if a.Individuals[i] != b.Individuals[i] {
			t.Fatalf("Final populations differ at individual %d", i)
		}
	}
}

func TestRunSharedSnapshot(t *testing.T) {
	p := testParams()
	p.Timesteps = 10
	base := runSeries(t, p, RunInput{Replicates: 1, Seed: 3, PersistFinal: true})

	res := runSeries(t, p, RunInput{Replicates: 3, Seed: 8, Resume: base.FinalSnapshots()})
	for _, rep := range res.Replicates {
		if rep.Series[0].Timestep != 11 || rep.Series[len(rep.Series)-1].Timestep != 20 {
			t.Errorf("Replicate %d: expected timesteps 11..20, got %d..%d",
				rep.Replicate, rep.Series[0].Timestep, rep.Series[len(rep.Series)-1].Timestep)
		}
	}
}

func TestRunResumeValidation(t *testing.T) {
	p := testParams()
	other := p
	other.PopulationSize = 50
	small := runSeries(t, other, RunInput{Replicates: 1, Seed: 1, PersistFinal: true}).FinalSnapshots()
	fit := runSeries(t, p, RunInput{Replicates: 2, Seed: 1, PersistFinal: true}).FinalSnapshots()

	tests := []struct {
		name       string
		replicates int
		resume     []*snapshot.Snapshot
	}{
		{"size mismatch", 1, small},
		{"wrong count", 3, fit},
		{"corrupt stream single replicate", 1, []*snapshot.Snapshot{withStream(fit[0], []byte{1, 2, 3})}},
		{"corrupt stream per replicate", 2, []*snapshot.Snapshot{fit[0], withStream(fit[1], []byte{1, 2, 3})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDriver(t, p, nil)
			res, err := d.Run(context.Background(), RunInput{Replicates: tt.replicates, Seed: 1, Resume: tt.resume})
			if res != nil {
				t.Error("Expected no result for a rejected run")
			}
			var stateErr *models.StateError
			if !errors.As(err, &stateErr) {
				t.Fatalf("Expected StateError, got %v", err)
			}
			if d.Status() != models.RunStatusFailed {
				t.Errorf("Expected failed status, got %s", d.Status())
			}
		})
	}
}

func withStream(s *snapshot.Snapshot, state []byte) *snapshot.Snapshot {
	c := *s
	c.RandState = state
	return &c
}

func TestRunResumeWithoutStoredStream(t *testing.T) {
	p := testParams()
	p.Timesteps = 10
	fit := runSeries(t, p, RunInput{Replicates: 2, Seed: 6, PersistFinal: true}).FinalSnapshots()

	tests := []struct {
		name       string
		replicates int
		resume     []*snapshot.Snapshot
	}{
		{"single replicate", 1, []*snapshot.Snapshot{withStream(fit[0], nil)}},
		{"per replicate", 2, []*snapshot.Snapshot{withStream(fit[0], nil), withStream(fit[1], nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runSeries(t, p, RunInput{Replicates: tt.replicates, Seed: 6, Resume: tt.resume})
			if len(res.Completed()) != tt.replicates {
				t.Fatalf("Expected %d completed replicates, got %d", tt.replicates, len(res.Completed()))
			}
			for _, rep := range res.Replicates {
				if rep.Series[0].Timestep != 11 {
					t.Errorf("Replicate %d: expected to resume at timestep 11, got %d", rep.Replicate, rep.Series[0].Timestep)
				}
			}
		})
	}
}

// failAt wraps the real engine and breaks any population reaching timestep
type failAt struct {
	*transmission.Engine
	timestep int
}

func (f failAt) Step(pop *population.State, rng *utils.RandSource) error {
	if pop.Timestep+1 == f.timestep {
		return models.NewInvariantViolation(f.timestep, "forced failure")
	}
	return f.Engine.Step(pop, rng)
}

func TestRunPartialSuccess(t *testing.T) {
	p := testParams()
	p.Timesteps = 10

	// replicate 1 starts at timestep 100 and is the only one to reach 105
	starts := runSeries(t, p, RunInput{Replicates: 3, Seed: 4, PersistFinal: true}).FinalSnapshots()
	starts[0].Timestep, starts[1].Timestep, starts[2].Timestep = 0, 100, 0

	d := newTestDriver(t, p, nil)
	eng, err := transmission.NewEngine(p)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	d.engine = failAt{Engine: eng, timestep: 105}

	res, err := d.Run(context.Background(), RunInput{Replicates: 3, Seed: 4, Resume: starts})
	if res == nil {
		t.Fatal("Expected partial result")
	}
	var iv *models.InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("Expected InvariantViolation, got %v", err)
	}
	if iv.Replicate != 1 || iv.Seed != 4 || iv.Timestep != 105 {
		t.Errorf("Expected violation in replicate 1 seed 4 at 105, got %+v", iv)
	}
	if res.Status != models.RunStatusCompleted {
		t.Errorf("Expected completed status with partial success, got %s", res.Status)
	}
	if res.Failed() != 1 || len(res.Completed()) != 2 {
		t.Errorf("Expected 2 completed and 1 failed, got %d and %d", len(res.Completed()), res.Failed())
	}
	if got := len(res.Replicates[1].Series); got != 4 {
		t.Errorf("Expected 4 points recorded before the failure, got %d", got)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDriver(t, testParams(), nil)
	res, err := d.Run(ctx, RunInput{Replicates: 3, Seed: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if res.Status != models.RunStatusCancelled || d.Status() != models.RunStatusCancelled {
		t.Errorf("Expected cancelled status, got %s", res.Status)
	}
	if len(res.Completed()) != 0 {
		t.Errorf("Expected no completed replicates, got %d", len(res.Completed()))
	}
}

func TestRunProgress(t *testing.T) {
	var calls, last int
	runSeries(t, testParams(), RunInput{
		Replicates:  5,
		Seed:        1,
		Parallelism: 3,
		Progress: func(done, total int) {
			calls++
			last = done
			if total != 5 {
				t.Errorf("Expected total 5, got %d", total)
			}
		},
	})
	if calls != 5 || last != 5 {
		t.Errorf("Expected 5 progress calls ending at 5, got %d calls ending at %d", calls, last)
	}
}

func TestRunInvalidInput(t *testing.T) {
	d := newTestDriver(t, testParams(), nil)
	_, err := d.Run(context.Background(), RunInput{Replicates: 0})
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
}

func TestRunCancelledAfterLastReplicate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := testParams()
	p.Timesteps = 5
	d := newTestDriver(t, p, nil)
	res, err := d.Run(ctx, RunInput{Replicates: 3, Seed: 2, Parallelism: 1, Progress: func(done, total int) {
		if done == total {
			cancel()
		}
	}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != models.RunStatusCompleted || d.Status() != models.RunStatusCompleted {
		t.Errorf("Expected completed status, got %s", res.Status)
	}
	if len(res.Completed()) != 3 {
		t.Errorf("Expected 3 completed replicates, got %d", len(res.Completed()))
	}
}
