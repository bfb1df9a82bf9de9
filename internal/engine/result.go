package engine

import (
	"github.com/GoSim-25-26J-441/trachoma-core/internal/metrics"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/snapshot"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

// RunInput selects how many replicates to run and where they start
type RunInput struct {
	// RunID tags log lines and spans; optional
	RunID      string
	Replicates int
	// Seed is the base seed. Replicate i draws from stream i of this seed.
	Seed int64
	// Resume holds either one snapshot shared by every replicate or one
	// snapshot per replicate. Empty means a fresh population.
	Resume       []*snapshot.Snapshot
	PersistFinal bool
	// Parallelism bounds concurrent replicates; 0 means one per CPU
	Parallelism int
	// Progress is called after each replicate ends. Calls are serialised.
	Progress func(done, total int)
}

// ReplicateResult is the outcome of one replicate
type ReplicateResult struct {
	Replicate int
	Seed      int64
	Series    []models.TimeSeriesPoint
	Final     *snapshot.Snapshot // set when PersistFinal was requested
	Err       error
}

// OK reports whether the replicate ran to completion
func (r ReplicateResult) OK() bool {
	return r.Err == nil
}

// RunResult holds every replicate in index order, failed ones included
type RunResult struct {
	Status     models.RunStatus
	Replicates []ReplicateResult
}

// Completed returns the replicates that ran to completion
func (r *RunResult) Completed() []ReplicateResult {
	out := make([]ReplicateResult, 0, len(r.Replicates))
	for _, rep := range r.Replicates {
		if rep.OK() {
			out = append(out, rep)
		}
	}
	return out
}

// Failed returns the number of replicates that did not complete
func (r *RunResult) Failed() int {
	return len(r.Replicates) - len(r.Completed())
}

// Summary aggregates the completed replicates per timestep
func (r *RunResult) Summary() []models.SeriesSummary {
	completed := r.Completed()
	series := make([][]models.TimeSeriesPoint, len(completed))
	for i, rep := range completed {
		series[i] = rep.Series
	}
	return metrics.Summarize(series)
}

// FinalSnapshots returns the final snapshots of completed replicates
func (r *RunResult) FinalSnapshots() []*snapshot.Snapshot {
	var out []*snapshot.Snapshot
	for _, rep := range r.Replicates {
		if rep.OK() && rep.Final != nil {
			out = append(out, rep.Final)
		}
	}
	return out
}
