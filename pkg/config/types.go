package config

import "github.com/GoSim-25-26J-441/trachoma-core/pkg/models"

// Duration strategy names
const (
	DurationFixed     = "fixed"
	DurationGeometric = "geometric"
	DurationHistory   = "history"
)

// MDA sampling modes
const (
	SamplingExact     = "exact"
	SamplingBernoulli = "bernoulli"
)

// RunConfig is the YAML document accepted by the CLI and the daemon
type RunConfig struct {
	LogLevel   string      `yaml:"log_level"`
	LogFormat  string      `yaml:"log_format,omitempty"`
	Parameters Parameters  `yaml:"parameters"`
	Schedule   []EventSpec `yaml:"schedule,omitempty"`
	Run        RunSpec     `yaml:"run"`
}

// Parameters is the validated, immutable parameter set of a simulation.
// Ages are given in years and converted to timesteps with TimestepsPerYear.
type Parameters struct {
	Beta              float64               `yaml:"beta"`
	PopulationSize    int                   `yaml:"population_size"`
	Timesteps         int                   `yaml:"timesteps"`
	TimestepsPerYear  int                   `yaml:"timesteps_per_year"`
	InitialInfected   float64               `yaml:"initial_infected"`
	LatentSteps       int                   `yaml:"latent_steps"`
	InfectionDuration DurationSpec          `yaml:"infection_duration"`
	DiseaseDuration   DurationSpec          `yaml:"disease_duration"`
	Mode              models.SimulationMode `yaml:"mode"`
	Efficacy          float64               `yaml:"efficacy"`
	NonCompliance     float64               `yaml:"non_compliance"`
	MDASampling       string                `yaml:"mda_sampling"`
	MaxAgeYears       float64               `yaml:"max_age_years"`
	AnnualMortality   float64               `yaml:"annual_mortality"`
	ChildAgeMinYears  float64               `yaml:"child_age_min_years"`
	ChildAgeMaxYears  float64               `yaml:"child_age_max_years"`
}

// DurationSpec selects how long an individual dwells in a status
type DurationSpec struct {
	Model string  `yaml:"model"` // fixed, geometric or history
	Mean  float64 `yaml:"mean"`  // fixed and geometric
	Min   float64 `yaml:"min,omitempty"`
	Max   float64 `yaml:"max,omitempty"`
	Decay float64 `yaml:"decay,omitempty"` // history: per prior infection
}

// EventSpec is one mass drug administration round.
// MaxAgeYears of 0 means no upper age bound.
type EventSpec struct {
	Timestep    int     `yaml:"timestep" json:"timestep"`
	Coverage    float64 `yaml:"coverage" json:"coverage"`
	MinAgeYears float64 `yaml:"min_age_years,omitempty" json:"min_age_years,omitempty"`
	MaxAgeYears float64 `yaml:"max_age_years,omitempty" json:"max_age_years,omitempty"`
}

// RunSpec holds driver options that are not model parameters
type RunSpec struct {
	Replicates   int   `yaml:"replicates"`
	Seed         int64 `yaml:"seed"`
	Parallelism  int   `yaml:"parallelism,omitempty"`
	PersistFinal bool  `yaml:"persist_final,omitempty"`
}

// DefaultParameters returns a parameter set for a weekly-step model of a
// small community. Callers override fields before validation.
func DefaultParameters() Parameters {
	return Parameters{
		Beta:              0.25,
		PopulationSize:    1000,
		Timesteps:         52,
		TimestepsPerYear:  52,
		InitialInfected:   0.2,
		LatentSteps:       2,
		InfectionDuration: DurationSpec{Model: DurationHistory, Mean: 17, Min: 3, Max: 17, Decay: 0.3},
		DiseaseDuration:   DurationSpec{Model: DurationHistory, Mean: 9, Min: 1, Max: 9, Decay: 0.3},
		Mode:              models.ModeStochastic,
		Efficacy:          1,
		NonCompliance:     0.05,
		MDASampling:       SamplingExact,
		MaxAgeYears:       60,
		AnnualMortality:   0.01,
		ChildAgeMinYears:  1,
		ChildAgeMaxYears:  9,
	}
}

// DefaultRunConfig returns a RunConfig with default parameters and a single replicate
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		LogLevel:   "info",
		Parameters: DefaultParameters(),
		Run:        RunSpec{Replicates: 1, Parallelism: 1},
	}
}

// StepsFromYears converts an age in years to whole timesteps
func (p Parameters) StepsFromYears(years float64) int {
	return int(years * float64(p.TimestepsPerYear))
}

// MaxAgeSteps is the age in timesteps at which an individual is replaced
func (p Parameters) MaxAgeSteps() int {
	return p.StepsFromYears(p.MaxAgeYears)
}
