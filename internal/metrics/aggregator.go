package metrics

import (
	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

// Aggregator records one point per timestep for a single replicate.
// The series is append-only and its timesteps are consecutive.
type Aggregator struct {
	childBand population.AgeBand
	last      int
	series    []models.TimeSeriesPoint
}

// NewAggregator creates an aggregator whose first recorded timestep must be start+1
func NewAggregator(params config.Parameters, start int) *Aggregator {
	return &Aggregator{
		childBand: population.ChildBand(params),
		last:      start,
		series:    make([]models.TimeSeriesPoint, 0, params.Timesteps),
	}
}

// Record appends the point for timestep. treated is the number of
// individuals cured by MDA at this timestep.
func (a *Aggregator) Record(timestep int, pop *population.State, treated int) (models.TimeSeriesPoint, error) {
	if timestep != a.last+1 {
		return models.TimeSeriesPoint{}, models.NewInvariantViolation(timestep, "recorded timestep %d after %d", timestep, a.last)
	}

	point := Observe(pop, a.childBand)
	point.Timestep = timestep
	point.Treated = treated
	if point.Prevalence < 0 || point.Prevalence > 1 {
		return models.TimeSeriesPoint{}, models.NewInvariantViolation(timestep, "prevalence %v outside [0, 1]", point.Prevalence)
	}

	a.last = timestep
	a.series = append(a.series, point)
	return point, nil
}

// Series returns a copy of the recorded points
func (a *Aggregator) Series() []models.TimeSeriesPoint {
	out := make([]models.TimeSeriesPoint, len(a.series))
	copy(out, a.series)
	return out
}

// Len returns the number of recorded points
func (a *Aggregator) Len() int {
	return len(a.series)
}

// Observe computes the population measures of a point without recording it.
// Timestep and Treated are left zero.
func Observe(pop *population.State, childBand population.AgeBand) models.TimeSeriesPoint {
	var point models.TimeSeriesPoint
	children, childDiseased := 0, 0
	for i := range pop.Individuals {
		in := &pop.Individuals[i]
		isChild := childBand.Contains(in.AgeSteps)
		if isChild {
			children++
		}
		switch in.Status {
		case models.StatusInfected:
			point.InfectedCount++
		case models.StatusDiseased:
			point.DiseasedCount++
			if isChild {
				childDiseased++
			}
		}
	}
	if n := pop.Size(); n > 0 {
		point.Prevalence = float64(point.DiseasedCount) / float64(n)
	}
	if children > 0 {
		point.ChildPrevalence = float64(childDiseased) / float64(children)
	}
	return point
}
