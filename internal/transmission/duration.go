package transmission

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// DurationSampler decides how many timesteps an individual dwells in a status.
// Both methods return at least 1.
type DurationSampler interface {
	// Sample draws a dwell time from the stream
	Sample(in *population.Individual, rng *utils.RandSource) int
	// Expected returns the rounded mean dwell time; used in deterministic mode
	Expected(in *population.Individual) int
}

// NewDurationSampler builds the sampler named by spec.Model
func NewDurationSampler(spec config.DurationSpec) (DurationSampler, error) {
	switch spec.Model {
	case config.DurationFixed:
		return fixedDuration{steps: atLeastOne(spec.Mean)}, nil
	case config.DurationGeometric:
		return geometricDuration{mean: spec.Mean}, nil
	case config.DurationHistory:
		return historyDuration{min: spec.Min, max: spec.Max, decay: spec.Decay}, nil
	default:
		return nil, fmt.Errorf("unknown duration model %q", spec.Model)
	}
}

type fixedDuration struct {
	steps int
}

func (d fixedDuration) Sample(*population.Individual, *utils.RandSource) int { return d.steps }
func (d fixedDuration) Expected(*population.Individual) int                  { return d.steps }

type geometricDuration struct {
	mean float64
}

func (d geometricDuration) Sample(_ *population.Individual, rng *utils.RandSource) int {
	return rng.Geometric(d.mean)
}

func (d geometricDuration) Expected(*population.Individual) int {
	return atLeastOne(d.mean)
}

// historyDuration shortens the mean dwell time with every prior infection:
// min + (max-min)*exp(-decay*(n-1)) for the n-th infection.
type historyDuration struct {
	min, max, decay float64
}

func (d historyDuration) mean(in *population.Individual) float64 {
	prior := in.Infections - 1
	if prior < 0 {
		prior = 0
	}
	return d.min + (d.max-d.min)*math.Exp(-d.decay*float64(prior))
}

func (d historyDuration) Sample(in *population.Individual, rng *utils.RandSource) int {
	return rng.Geometric(d.mean(in))
}

func (d historyDuration) Expected(in *population.Individual) int {
	return atLeastOne(d.mean(in))
}

func atLeastOne(mean float64) int {
	steps := int(math.Round(mean))
	if steps < 1 {
		return 1
	}
	return steps
}
