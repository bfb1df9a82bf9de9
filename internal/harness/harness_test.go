package harness

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/snapshot"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

func smallConfig() *config.RunConfig {
	cfg := config.DefaultRunConfig()
	cfg.Parameters.PopulationSize = 80
	cfg.Parameters.Timesteps = 10
	cfg.Run.Replicates = 2
	cfg.Run.Seed = 11
	cfg.Run.Parallelism = 2
	return cfg
}

type fakeArchive struct {
	mu   sync.Mutex
	runs []models.RunInfo
}

func (f *fakeArchive) SaveRun(_ context.Context, info models.RunInfo, summary []models.SeriesSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(summary) == 0 {
		return errors.New("empty summary")
	}
	f.runs = append(f.runs, info)
	return nil
}

func TestRunBatch(t *testing.T) {
	dir := t.TempDir()
	bet := writeFile(t, dir, "bet.csv", "randomparamindex,bet\n5,0.2\n9,0.4\n")
	mda := writeFile(t, dir, "mda.csv", "timestep,coverage\n5,0.8\n")
	archive := &fakeArchive{}
	var lastDone, lastTotal int

	report, err := Run(context.Background(), Options{
		Config:     smallConfig(),
		BetPath:    bet,
		MDAPath:    mda,
		PrevPath:   filepath.Join(dir, "prev.csv"),
		InfectPath: filepath.Join(dir, "infect.parquet"),
		Archive:    archive,
		Progress:   func(done, total int) { lastDone, lastTotal = done, total },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(report.Simulations) != 2 {
		t.Fatalf("Expected 2 simulations, got %d", len(report.Simulations))
	}
	first, second := report.Simulations[0], report.Simulations[1]
	if first.ParamIndex != 5 || first.Beta != 0.2 || first.Seed != 11 {
		t.Errorf("Unexpected first simulation %+v", first)
	}
	if second.Seed != 12 {
		t.Errorf("Expected second simulation seed 12, got %d", second.Seed)
	}
	if first.Status != models.RunStatusCompleted {
		t.Errorf("Expected completed, got %s", first.Status)
	}
	if len(first.Summary) != 10 {
		t.Errorf("Expected 10 summary points, got %d", len(first.Summary))
	}
	if p := first.FinalPrevalence(); p < 0 || p > 1 {
		t.Errorf("Final prevalence %v outside [0, 1]", p)
	}

	if len(report.Prevalence.Rows) != 4 {
		t.Errorf("Expected 4 prevalence rows, got %d", len(report.Prevalence.Rows))
	}
	if len(report.Prevalence.Timesteps) != 10 || report.Prevalence.Timesteps[0] != 1 {
		t.Errorf("Expected timesteps 1..10, got %v", report.Prevalence.Timesteps)
	}
	for _, out := range []string{"prev.csv", "infect.parquet"} {
		if !fileExists(filepath.Join(dir, out)) {
			t.Errorf("Expected output %s to exist", out)
		}
	}

	if lastDone != 4 || lastTotal != 4 {
		t.Errorf("Expected final progress 4/4, got %d/%d", lastDone, lastTotal)
	}
	if len(archive.runs) != 2 {
		t.Fatalf("Expected 2 archived runs, got %d", len(archive.runs))
	}
	if archive.runs[1].ParamIndex != 9 || archive.runs[1].Metadata["source"] != "harness" {
		t.Errorf("Unexpected archived run %+v", archive.runs[1])
	}
}

func TestRunSaveAndResume(t *testing.T) {
	dir := t.TempDir()
	bet := writeFile(t, dir, "bet.csv", "randomparamindex,bet\n1,0.3\n2,0.3\n")
	sim := filepath.Join(dir, "sim.bin")

	first, err := Run(context.Background(), Options{
		Config:     smallConfig(),
		BetPath:    bet,
		SaveOutput: true,
		OutSim:     sim,
	})
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.Snapshots != 4 {
		t.Fatalf("Expected 4 saved snapshots, got %d", first.Snapshots)
	}

	snaps, err := snapshot.FileStore{}.Load(context.Background(), sim)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snaps[2].Timestep != 10 || snaps[2].Replicate != 0 {
		t.Errorf("Expected third snapshot at replicate 0 timestep 10, got replicate %d timestep %d",
			snaps[2].Replicate, snaps[2].Timestep)
	}

	second, err := Run(context.Background(), Options{
		Config:  smallConfig(),
		BetPath: bet,
		InSim:   "file://" + sim,
	})
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	if got := second.Prevalence.Timesteps[0]; got != 11 {
		t.Errorf("Expected resumed series to start at 11, got %d", got)
	}
}

func TestRunSaveWithoutLocation(t *testing.T) {
	report, err := Run(context.Background(), Options{Config: smallConfig(), SaveOutput: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Snapshots != 0 {
		t.Errorf("Expected nothing saved without an output location, got %d", report.Snapshots)
	}
	if len(report.Simulations) != 1 || report.Simulations[0].Beta != smallConfig().Parameters.Beta {
		t.Errorf("Expected one simulation at the configured beta, got %+v", report.Simulations)
	}
}

func TestRunResumeSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	sim := filepath.Join(dir, "sim.bin")
	if _, err := Run(context.Background(), Options{Config: smallConfig(), SaveOutput: true, OutSim: sim}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	cfg := smallConfig()
	cfg.Parameters.PopulationSize = 90
	_, err := Run(context.Background(), Options{Config: cfg, InSim: sim})
	var stateErr *models.StateError
	if !errors.As(err, &stateErr) {
		t.Errorf("Expected StateError, got %v", err)
	}
}

func TestRunInvalidInputs(t *testing.T) {
	dir := t.TempDir()
	badBet := writeFile(t, dir, "bet.csv", "randomparamindex,bet\n1,-0.5\n")
	badMDA := writeFile(t, dir, "mda.csv", "timestep,coverage\n0,0.5\n")

	tests := []struct {
		name string
		opts Options
	}{
		{"negative beta", Options{Config: smallConfig(), BetPath: badBet}},
		{"bad schedule", Options{Config: smallConfig(), MDAPath: badMDA}},
		{"missing bet", Options{Config: smallConfig(), BetPath: filepath.Join(dir, "none.csv")}},
		{"missing snapshot", Options{Config: smallConfig(), InSim: filepath.Join(dir, "none.bin")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(context.Background(), tt.opts); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestRunInvalidLaterRowRunsNothing(t *testing.T) {
	dir := t.TempDir()
	prev := filepath.Join(dir, "prev.csv")
	archive := &fakeArchive{}

	tests := []struct {
		name string
		bet  string
	}{
		{"negative beta", "randomparamindex,bet\n0,0.2\n1,-1\n"},
		{"nan beta", "randomparamindex,bet\n0,0.2\n1,NaN\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bet := writeFile(t, dir, "bet.csv", tt.bet)
			report, err := Run(context.Background(), Options{Config: smallConfig(), BetPath: bet, PrevPath: prev, Archive: archive})
			var cfgErr *models.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected ConfigurationError, got %v", err)
			}
			if report != nil {
				t.Errorf("Expected no report, got %d simulations", len(report.Simulations))
			}
			if len(archive.runs) != 0 {
				t.Errorf("Expected nothing archived, got %d runs", len(archive.runs))
			}
			if fileExists(prev) {
				t.Error("Expected no prevalence output")
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Options{Config: smallConfig()})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestResumeFor(t *testing.T) {
	bundle := make([]*snapshot.Snapshot, 6)
	for i := range bundle {
		bundle[i] = &snapshot.Snapshot{Replicate: i}
	}
	got := resumeFor(bundle, 1, 3, 2)
	if len(got) != 2 || got[0].Replicate != 2 {
		t.Errorf("Expected snapshots 2-3 for row 1, got %d starting at %d", len(got), got[0].Replicate)
	}
	if whole := resumeFor(bundle[:1], 2, 3, 2); len(whole) != 1 {
		t.Errorf("Expected shared snapshot to be handed whole, got %d", len(whole))
	}
}
