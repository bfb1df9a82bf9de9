package calibrate

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// Objective scores a run summary against an observed target.
// Lower scores are better; zero means the target is matched exactly.
type Objective interface {
	Evaluate(summary []models.SeriesSummary) (float64, error)
	Name() string
	Target() float64
}

// ObjectiveType names a calibration target
type ObjectiveType string

const (
	// ObjectiveFinalPrevalence matches mean prevalence at the last timestep
	ObjectiveFinalPrevalence ObjectiveType = "final_prevalence"
	// ObjectiveMeanPrevalence matches prevalence averaged over every timestep
	ObjectiveMeanPrevalence ObjectiveType = "mean_prevalence"
	// ObjectiveChildPrevalence matches child prevalence at the last timestep
	ObjectiveChildPrevalence ObjectiveType = "child_prevalence"
)

// NewObjective creates an objective from a type string and a target
// prevalence in [0, 1]
func NewObjective(objType string, target float64) (Objective, error) {
	if !utils.InUnitInterval(target) {
		return nil, fmt.Errorf("target prevalence must be in [0, 1], got %v", target)
	}
	switch ObjectiveType(objType) {
	case ObjectiveFinalPrevalence, "":
		return &FinalPrevalenceObjective{target: target}, nil
	case ObjectiveMeanPrevalence:
		return &MeanPrevalenceObjective{target: target}, nil
	case ObjectiveChildPrevalence:
		return &ChildPrevalenceObjective{target: target}, nil
	default:
		return nil, &UnknownObjectiveError{ObjectiveType: objType}
	}
}

// FinalPrevalenceObjective matches the final mean prevalence
type FinalPrevalenceObjective struct {
	target float64
}

func (o *FinalPrevalenceObjective) Name() string    { return string(ObjectiveFinalPrevalence) }
func (o *FinalPrevalenceObjective) Target() float64 { return o.target }

func (o *FinalPrevalenceObjective) Evaluate(summary []models.SeriesSummary) (float64, error) {
	if len(summary) == 0 {
		return 0, &InvalidSummaryError{Reason: "summary is empty"}
	}
	return math.Abs(summary[len(summary)-1].PrevalenceMean - o.target), nil
}

// MeanPrevalenceObjective matches prevalence averaged over the whole run
type MeanPrevalenceObjective struct {
	target float64
}

func (o *MeanPrevalenceObjective) Name() string    { return string(ObjectiveMeanPrevalence) }
func (o *MeanPrevalenceObjective) Target() float64 { return o.target }

func (o *MeanPrevalenceObjective) Evaluate(summary []models.SeriesSummary) (float64, error) {
	if len(summary) == 0 {
		return 0, &InvalidSummaryError{Reason: "summary is empty"}
	}
	values := make([]float64, len(summary))
	for i, s := range summary {
		values[i] = s.PrevalenceMean
	}
	return math.Abs(utils.Mean(values) - o.target), nil
}

// ChildPrevalenceObjective matches the final child prevalence, the
// indicator used for MDA stopping decisions
type ChildPrevalenceObjective struct {
	target float64
}

func (o *ChildPrevalenceObjective) Name() string    { return string(ObjectiveChildPrevalence) }
func (o *ChildPrevalenceObjective) Target() float64 { return o.target }

func (o *ChildPrevalenceObjective) Evaluate(summary []models.SeriesSummary) (float64, error) {
	if len(summary) == 0 {
		return 0, &InvalidSummaryError{Reason: "summary is empty"}
	}
	return math.Abs(summary[len(summary)-1].ChildPrevalence - o.target), nil
}

// UnknownObjectiveError indicates an unknown objective type
type UnknownObjectiveError struct {
	ObjectiveType string
}

func (e *UnknownObjectiveError) Error() string {
	return "unknown objective type: " + e.ObjectiveType
}

// InvalidSummaryError indicates a summary that cannot be scored
type InvalidSummaryError struct {
	Reason string
}

func (e *InvalidSummaryError) Error() string {
	return "invalid summary: " + e.Reason
}
