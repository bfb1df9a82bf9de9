package config

import (
	"fmt"
	"math"
	"os"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// LoadRunConfig loads and parses a run configuration file
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseRunConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// validateRunConfig performs validation on the whole document
func validateRunConfig(cfg *RunConfig) error {
	if _, err := logger.ParseLevel(cfg.LogLevel); err != nil {
		return models.NewConfigurationError("log_level", "%v", err)
	}
	switch cfg.LogFormat {
	case "", "json", "text":
	default:
		return models.NewConfigurationError("log_format", "must be json or text, got %q", cfg.LogFormat)
	}

	if err := cfg.Parameters.Validate(); err != nil {
		return err
	}
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return err
	}
	return validateRunSpec(cfg.Run)
}

func validateRunSpec(r RunSpec) error {
	if r.Replicates <= 0 {
		return models.NewConfigurationError("run.replicates", "must be positive, got %d", r.Replicates)
	}
	if r.Parallelism < 0 {
		return models.NewConfigurationError("run.parallelism", "cannot be negative, got %d", r.Parallelism)
	}
	return nil
}

// Validate checks every field of the parameter set. The first problem found
// is returned as a *models.ConfigurationError.
func (p Parameters) Validate() error {
	if !finite(p.Beta) || p.Beta < 0 {
		return models.NewConfigurationError("beta", "must be a finite value >= 0, got %v", p.Beta)
	}
	if p.PopulationSize <= 0 {
		return models.NewConfigurationError("population_size", "must be positive, got %d", p.PopulationSize)
	}
	if p.Timesteps <= 0 {
		return models.NewConfigurationError("timesteps", "must be positive, got %d", p.Timesteps)
	}
	if p.TimestepsPerYear <= 0 {
		return models.NewConfigurationError("timesteps_per_year", "must be positive, got %d", p.TimestepsPerYear)
	}
	if !utils.InUnitInterval(p.InitialInfected) {
		return models.NewConfigurationError("initial_infected", "must be in [0, 1], got %v", p.InitialInfected)
	}
	if p.LatentSteps < 0 {
		return models.NewConfigurationError("latent_steps", "cannot be negative, got %d", p.LatentSteps)
	}
	if err := validateDuration("infection_duration", p.InfectionDuration); err != nil {
		return err
	}
	if err := validateDuration("disease_duration", p.DiseaseDuration); err != nil {
		return err
	}
	switch p.Mode {
	case models.ModeStochastic, models.ModeDeterministic:
	default:
		return models.NewConfigurationError("mode", "must be stochastic or deterministic, got %q", p.Mode)
	}
	if !utils.InUnitInterval(p.Efficacy) {
		return models.NewConfigurationError("efficacy", "must be in [0, 1], got %v", p.Efficacy)
	}
	if !utils.InUnitInterval(p.NonCompliance) {
		return models.NewConfigurationError("non_compliance", "must be in [0, 1], got %v", p.NonCompliance)
	}
	switch p.MDASampling {
	case SamplingExact, SamplingBernoulli:
	default:
		return models.NewConfigurationError("mda_sampling", "must be exact or bernoulli, got %q", p.MDASampling)
	}
	if !finite(p.MaxAgeYears) || p.MaxAgeSteps() < 1 {
		return models.NewConfigurationError("max_age_years", "must cover at least one timestep, got %v", p.MaxAgeYears)
	}
	if !utils.InUnitInterval(p.AnnualMortality) {
		return models.NewConfigurationError("annual_mortality", "must be in [0, 1], got %v", p.AnnualMortality)
	}
	if !finite(p.ChildAgeMinYears) || p.ChildAgeMinYears < 0 {
		return models.NewConfigurationError("child_age_min_years", "must be >= 0, got %v", p.ChildAgeMinYears)
	}
	if !finite(p.ChildAgeMaxYears) || p.ChildAgeMaxYears < p.ChildAgeMinYears {
		return models.NewConfigurationError("child_age_max_years", "must be >= child_age_min_years, got %v", p.ChildAgeMaxYears)
	}
	return nil
}

func validateDuration(field string, d DurationSpec) error {
	switch d.Model {
	case DurationFixed, DurationGeometric:
		if !finite(d.Mean) || d.Mean < 1 {
			return models.NewConfigurationError(field+".mean", "must be >= 1 timestep, got %v", d.Mean)
		}
	case DurationHistory:
		if !finite(d.Min) || d.Min < 1 {
			return models.NewConfigurationError(field+".min", "must be >= 1 timestep, got %v", d.Min)
		}
		if !finite(d.Max) || d.Max < d.Min {
			return models.NewConfigurationError(field+".max", "must be >= min, got %v", d.Max)
		}
		if !finite(d.Decay) || d.Decay < 0 {
			return models.NewConfigurationError(field+".decay", "cannot be negative, got %v", d.Decay)
		}
	default:
		return models.NewConfigurationError(field+".model", "must be fixed, geometric or history, got %q", d.Model)
	}
	return nil
}

// ValidateSchedule checks that event timesteps are positive and strictly
// increasing, coverage lies in [0, 1] and every age band is well formed.
func ValidateSchedule(events []EventSpec) error {
	prev := 0
	for i, ev := range events {
		field := fmt.Sprintf("schedule[%d]", i)
		if ev.Timestep <= 0 {
			return models.NewConfigurationError(field+".timestep", "must be positive, got %d", ev.Timestep)
		}
		if i > 0 && ev.Timestep <= prev {
			return models.NewConfigurationError(field+".timestep", "must be greater than previous event timestep %d, got %d", prev, ev.Timestep)
		}
		prev = ev.Timestep
		if !utils.InUnitInterval(ev.Coverage) {
			return models.NewConfigurationError(field+".coverage", "must be in [0, 1], got %v", ev.Coverage)
		}
		if !finite(ev.MinAgeYears) || ev.MinAgeYears < 0 {
			return models.NewConfigurationError(field+".min_age_years", "must be >= 0, got %v", ev.MinAgeYears)
		}
		if !finite(ev.MaxAgeYears) || (ev.MaxAgeYears != 0 && ev.MaxAgeYears < ev.MinAgeYears) {
			return models.NewConfigurationError(field+".max_age_years", "must be 0 or >= min_age_years, got %v", ev.MaxAgeYears)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
