package models

import (
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a simulation run
type RunStatus string

const (
	RunStatusConfigured RunStatus = "configured"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can happen from s
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Status is the infection status of one individual. The set is closed.
type Status uint8

const (
	StatusSusceptible Status = iota
	StatusInfected
	StatusDiseased
)

// Valid reports whether s belongs to the closed status set
func (s Status) Valid() bool {
	return s <= StatusDiseased
}

func (s Status) String() string {
	switch s {
	case StatusSusceptible:
		return "susceptible"
	case StatusInfected:
		return "infected"
	case StatusDiseased:
		return "diseased"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// SimulationMode selects how new infections are resolved
type SimulationMode string

const (
	// ModeStochastic draws new infections from the replicate's random stream
	ModeStochastic SimulationMode = "stochastic"
	// ModeDeterministic applies the expected number of new infections
	ModeDeterministic SimulationMode = "deterministic"
)

// TimeSeriesPoint is one recorded timestep of a replicate
type TimeSeriesPoint struct {
	Timestep        int     `json:"timestep"`
	Prevalence      float64 `json:"prevalence"`
	InfectedCount   int     `json:"infected_count"`
	DiseasedCount   int     `json:"diseased_count"`
	ChildPrevalence float64 `json:"child_prevalence"`
	Treated         int     `json:"treated"`
}

// SeriesSummary holds cross-replicate statistics for one timestep
type SeriesSummary struct {
	Timestep        int     `json:"timestep"`
	Replicates      int     `json:"replicates"`
	PrevalenceMean  float64 `json:"prevalence_mean"`
	PrevalenceP5    float64 `json:"prevalence_p5"`
	PrevalenceP95   float64 `json:"prevalence_p95"`
	InfectedMean    float64 `json:"infected_mean"`
	ChildPrevalence float64 `json:"child_prevalence_mean"`
	TreatedMean     float64 `json:"treated_mean"`
}

// RunInfo describes a run as seen by the daemon and the result archive
type RunInfo struct {
	ID             string            `json:"id"`
	Status         RunStatus         `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      time.Time         `json:"started_at,omitempty"`
	EndedAt        time.Time         `json:"ended_at,omitempty"`
	Replicates     int               `json:"replicates"`
	Failed         int               `json:"failed_replicates"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ParamIndex     int               `json:"param_index"`
	Beta           float64           `json:"beta"`
	Timesteps      int               `json:"timesteps"`
	PopulationSize int               `json:"population_size"`
}
