package transmission

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// Engine advances a population by one discrete timestep. It holds only
// immutable configuration and may be shared between replicates.
type Engine struct {
	beta          float64
	latentSteps   int
	deterministic bool
	maxAgeSteps   int
	stepMortality float64
	noncompliance float64
	initial       float64
	infection     DurationSampler
	disease       DurationSampler
}

// NewEngine builds an engine for a validated parameter set
func NewEngine(params config.Parameters) (*Engine, error) {
	infection, err := NewDurationSampler(params.InfectionDuration)
	if err != nil {
		return nil, models.NewConfigurationError("infection_duration.model", "%v", err)
	}
	disease, err := NewDurationSampler(params.DiseaseDuration)
	if err != nil {
		return nil, models.NewConfigurationError("disease_duration.model", "%v", err)
	}
	return &Engine{
		beta:          params.Beta,
		latentSteps:   params.LatentSteps,
		deterministic: params.Mode == models.ModeDeterministic,
		maxAgeSteps:   params.MaxAgeSteps(),
		stepMortality: StepMortality(params.AnnualMortality, params.TimestepsPerYear),
		noncompliance: params.NonCompliance,
		initial:       params.InitialInfected,
		infection:     infection,
		disease:       disease,
	}, nil
}

// StepMortality converts an annual death probability to a per-step one
func StepMortality(annual float64, stepsPerYear int) float64 {
	if annual <= 0 {
		return 0
	}
	if annual >= 1 {
		return 1
	}
	return 1 - math.Pow(1-annual, 1/float64(stepsPerYear))
}

// SeedInfections infects round(InitialInfected*N) individuals of a fresh
// population. Seeded infections are immediately infectious.
func (e *Engine) SeedInfections(pop *population.State, rng *utils.RandSource) {
	n := pop.Size()
	k := int(utils.Round(e.initial*float64(n), 0))
	if k == 0 {
		return
	}

	var chosen []int
	if e.deterministic {
		chosen = make([]int, k)
		for j := range chosen {
			chosen[j] = j * n / k
		}
	} else {
		chosen = rng.Sample(n, k)
	}
	for _, idx := range chosen {
		in := &pop.Individuals[idx]
		in.Status = models.StatusInfected
		in.Infections++
		in.TimeInState = 0
		in.Latent = 0
		in.Duration = e.duration(e.infection, in, rng)
	}
}

// Step advances pop from timestep t-1 to t. New infections are resolved
// against start-of-step counts, then existing infections progress, then the
// population ages.
func (e *Engine) Step(pop *population.State, rng *utils.RandSource) error {
	t := pop.Timestep + 1
	n := pop.Size()
	if n == 0 {
		return models.NewInvariantViolation(t, "empty population")
	}

	counts := pop.Counts()
	lambda := e.beta * float64(counts.Infectious) / float64(n)
	p := -math.Expm1(-lambda)
	if math.IsNaN(p) || p < 0 || p > 1 {
		return models.NewInvariantViolation(t, "infection probability %v outside [0, 1] (lambda %v)", p, lambda)
	}

	susceptibles := pop.Susceptibles()
	chosen := e.newInfections(pop, susceptibles, p, rng)

	e.progress(pop, rng)

	for _, idx := range chosen {
		in := &pop.Individuals[idx]
		in.Status = models.StatusInfected
		in.Infections++
		in.TimeInState = 0
		in.Latent = e.latentSteps
		in.Duration = e.duration(e.infection, in, rng)
	}

	e.age(pop, rng)

	pop.Timestep = t
	if err := pop.Verify(); err != nil {
		return fmt.Errorf("after transmission step: %w", err)
	}
	return nil
}

// newInfections picks which susceptibles become infected this step
func (e *Engine) newInfections(pop *population.State, susceptibles []int, p float64, rng *utils.RandSource) []int {
	s := len(susceptibles)
	if e.deterministic {
		expected := p*float64(s) + pop.Carry
		k := int(math.Floor(expected))
		if k >= s {
			k = s
			pop.Carry = 0
		} else {
			pop.Carry = expected - float64(k)
		}
		return susceptibles[:k]
	}

	k := rng.Binomial(s, p)
	picks := rng.Sample(s, k)
	chosen := make([]int, len(picks))
	for i, j := range picks {
		chosen[i] = susceptibles[j]
	}
	return chosen
}

func (e *Engine) progress(pop *population.State, rng *utils.RandSource) {
	for i := range pop.Individuals {
		in := &pop.Individuals[i]
		switch in.Status {
		case models.StatusInfected:
			if in.Latent > 0 {
				in.Latent--
				continue
			}
			in.TimeInState++
			if in.TimeInState >= in.Duration {
				in.Status = models.StatusDiseased
				in.TimeInState = 0
				in.Duration = e.duration(e.disease, in, rng)
			}
		case models.StatusDiseased:
			in.TimeInState++
			if in.TimeInState >= in.Duration {
				in.Reset()
			}
		}
	}
}

// age moves everyone one step older and replaces the dead with newborns
func (e *Engine) age(pop *population.State, rng *utils.RandSource) {
	for i := range pop.Individuals {
		in := &pop.Individuals[i]
		in.AgeSteps++
		dies := in.AgeSteps >= e.maxAgeSteps
		if !dies && !e.deterministic {
			dies = rng.BernoulliBool(e.stepMortality)
		}
		if !dies {
			continue
		}
		nonCompliant := in.NonCompliant
		if !e.deterministic {
			nonCompliant = rng.BernoulliBool(e.noncompliance)
		}
		*in = population.Individual{NonCompliant: nonCompliant}
	}
}

func (e *Engine) duration(d DurationSampler, in *population.Individual, rng *utils.RandSource) int {
	if e.deterministic {
		return d.Expected(in)
	}
	return d.Sample(in, rng)
}
