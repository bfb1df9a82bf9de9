package simd

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

const smallConfigYAML = `
log_level: error
parameters:
  population_size: 60
  timesteps: 8
schedule:
  - timestep: 4
    coverage: 0.8
run:
  replicates: 2
  seed: 3
  parallelism: 1
`

type recordingArchive struct {
	mu   sync.Mutex
	runs map[string]models.RunInfo
}

func (a *recordingArchive) SaveRun(_ context.Context, info models.RunInfo, _ []models.SeriesSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs == nil {
		a.runs = make(map[string]models.RunInfo)
	}
	a.runs[info.ID] = info
	return nil
}

func TestBuildConfigOverrides(t *testing.T) {
	beta := 0.5
	cfg, err := BuildConfig(RunInput{
		ConfigYAML: smallConfigYAML,
		Beta:       &beta,
	})
	if err != nil {
		t.Fatalf("BuildConfig error: %v", err)
	}
	if cfg.Parameters.Beta != 0.5 {
		t.Fatalf("expected beta override 0.5, got %v", cfg.Parameters.Beta)
	}
	if len(cfg.Schedule) != 1 {
		t.Fatalf("expected schedule from yaml, got %d events", len(cfg.Schedule))
	}

	bad := -1.0
	tests := []struct {
		name  string
		input RunInput
	}{
		{"negative beta", RunInput{Beta: &bad}},
		{"malformed yaml", RunInput{ConfigYAML: "parameters: ["}},
		{"bad schedule", RunInput{Schedule: []config.EventSpec{{Timestep: 0, Coverage: 0.5}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildConfig(tt.input)
			var cfgErr *models.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestExecutorSubmitCompletes(t *testing.T) {
	store := NewRunStore()
	archive := &recordingArchive{}
	exec := NewRunExecutor(store, ExecutorOptions{Archive: archive})

	rec, err := exec.Submit("run-ok", RunInput{ConfigYAML: smallConfigYAML})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if rec.Info.Status != models.RunStatusRunning {
		t.Fatalf("expected running, got %s", rec.Info.Status)
	}
	exec.Wait()

	got, _ := store.Get("run-ok")
	if got.Info.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Info.Status, got.Info.Error)
	}
	if len(got.Summary) != 8 {
		t.Fatalf("expected 8 summary points, got %d", len(got.Summary))
	}
	for _, point := range got.Summary {
		if point.Timestep != 4 && point.TreatedMean != 0 {
			t.Fatalf("expected treatment only at timestep 4, got %v at %d", point.TreatedMean, point.Timestep)
		}
	}
	if got.Progress.Done != 2 || got.Progress.Total != 2 {
		t.Fatalf("expected progress 2/2, got %+v", got.Progress)
	}
	if info, ok := archive.runs["run-ok"]; !ok || info.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed run archived, got %+v", archive.runs)
	}
}

func TestExecutorStop(t *testing.T) {
	store := NewRunStore()
	exec := NewRunExecutor(store, ExecutorOptions{})

	big := `
parameters:
  population_size: 2000
  timesteps: 500
run:
  replicates: 200
  parallelism: 1
`
	if _, err := exec.Submit("run-big", RunInput{ConfigYAML: big}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	stopped, err := exec.Stop("run-big")
	exec.Wait()
	if err != nil {
		if !errors.Is(err, ErrRunTerminal) {
			t.Fatalf("unexpected Stop error: %v", err)
		}
		t.Skip("run finished before it could be stopped")
	}
	if stopped.Info.Status != models.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", stopped.Info.Status)
	}

	got, _ := store.Get("run-big")
	if got.Info.Status != models.RunStatusCancelled {
		t.Fatalf("expected run to stay cancelled, got %s", got.Info.Status)
	}
	if got.Progress.Done >= 200 {
		t.Fatalf("expected run to stop early, got %d replicates done", got.Progress.Done)
	}

	if _, err := exec.Stop("run-big"); !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("expected ErrRunTerminal stopping twice, got %v", err)
	}
	if _, err := exec.Stop("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := exec.Stop(""); !errors.Is(err, ErrRunIDMissing) {
		t.Fatalf("expected ErrRunIDMissing, got %v", err)
	}
}

func TestExecutorRateLimit(t *testing.T) {
	exec := NewRunExecutor(NewRunStore(), ExecutorOptions{SubmitRate: 0.001, SubmitBurst: 1})
	defer exec.Wait()

	if _, err := exec.Submit("", RunInput{ConfigYAML: smallConfigYAML}); err != nil {
		t.Fatalf("first Submit error: %v", err)
	}
	if _, err := exec.Submit("", RunInput{ConfigYAML: smallConfigYAML}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestExecutorStartErrors(t *testing.T) {
	exec := NewRunExecutor(NewRunStore(), ExecutorOptions{})
	if _, err := exec.Start(""); !errors.Is(err, ErrRunIDMissing) {
		t.Fatalf("expected ErrRunIDMissing, got %v", err)
	}
	if _, err := exec.Start("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
