package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func sampleRun(id string, created time.Time) models.RunInfo {
	return models.RunInfo{
		ID:             id,
		Status:         models.RunStatusCompleted,
		CreatedAt:      created,
		StartedAt:      created.Add(time.Second),
		EndedAt:        created.Add(2 * time.Second),
		Replicates:     4,
		Failed:         1,
		Error:          "replicate 2 failed",
		Metadata:       map[string]string{"source": "test"},
		ParamIndex:     7,
		Beta:           0.3,
		Timesteps:      2,
		PopulationSize: 100,
	}
}

func sampleSummary() []models.SeriesSummary {
	return []models.SeriesSummary{
		{Timestep: 1, Replicates: 3, PrevalenceMean: 0.2, PrevalenceP5: 0.1, PrevalenceP95: 0.3, InfectedMean: 20},
		{Timestep: 2, Replicates: 3, PrevalenceMean: 0.1, PrevalenceP5: 0.05, PrevalenceP95: 0.2, InfectedMean: 10, TreatedMean: 12},
	}
}

func TestSaveAndGetRun(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := a.SaveRun(ctx, sampleRun("run-a", created), sampleSummary()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := a.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != models.RunStatusCompleted {
		t.Errorf("Expected status completed, got %s", got.Status)
	}
	if !got.CreatedAt.Equal(created) || !got.EndedAt.Equal(created.Add(2*time.Second)) {
		t.Errorf("Times not preserved: %v %v", got.CreatedAt, got.EndedAt)
	}
	if got.Failed != 1 || got.Error != "replicate 2 failed" {
		t.Errorf("Expected failure details preserved, got %d %q", got.Failed, got.Error)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("Expected metadata source=test, got %v", got.Metadata)
	}
	if got.ParamIndex != 7 || got.Beta != 0.3 || got.PopulationSize != 100 {
		t.Errorf("Unexpected parameters %+v", got)
	}

	summary, err := a.Summary(ctx, "run-a")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("Expected 2 summary rows, got %d", len(summary))
	}
	if summary[1].TreatedMean != 12 || summary[0].PrevalenceP95 != 0.3 {
		t.Errorf("Unexpected summary %+v", summary)
	}
}

func TestSaveRunReplaces(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	run := sampleRun("run-a", time.Now())

	if err := a.SaveRun(ctx, run, sampleSummary()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	run.Status = models.RunStatusFailed
	if err := a.SaveRun(ctx, run, sampleSummary()[:1]); err != nil {
		t.Fatalf("second SaveRun failed: %v", err)
	}

	got, _ := a.GetRun(ctx, "run-a")
	if got.Status != models.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", got.Status)
	}
	summary, _ := a.Summary(ctx, "run-a")
	if len(summary) != 1 {
		t.Errorf("Expected summary replaced with 1 row, got %d", len(summary))
	}

	if err := a.SaveRun(ctx, models.RunInfo{}, nil); err == nil {
		t.Error("Expected error saving a run without ID")
	}
}

func TestListRuns(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-old", "run-mid", "run-new"} {
		if err := a.SaveRun(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Hour)), nil); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := a.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "run-new" || runs[2].ID != "run-old" {
		t.Errorf("Expected newest first, got %v", ids(runs))
	}

	limited, err := a.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(limited))
	}
}

func TestNotFound(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	if _, err := a.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from GetRun, got %v", err)
	}
	if _, err := a.Summary(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from Summary, got %v", err)
	}
	if err := a.DeleteRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from DeleteRun, got %v", err)
	}
}

func TestDeleteRun(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	if err := a.SaveRun(ctx, sampleRun("run-a", time.Now()), sampleSummary()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := a.DeleteRun(ctx, "run-a"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := a.GetRun(ctx, "run-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected run gone, got %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive", "runs.db")
	ctx := context.Background()

	a, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := a.SaveRun(ctx, sampleRun("run-a", time.Now()), sampleSummary()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	a.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetRun(ctx, "run-a"); err != nil {
		t.Errorf("Expected run to survive reopen, got %v", err)
	}
}

func ids(runs []models.RunInfo) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
