package population

import (
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// Individual is one member of the simulated community
type Individual struct {
	Status       models.Status
	TimeInState  int  // timesteps spent in the current status
	Duration     int  // dwell time sampled on entering Infected or Diseased
	Latent       int  // remaining non-infectious timesteps of a fresh infection
	AgeSteps     int  // age in timesteps
	NonCompliant bool // never takes part in MDA
	Infections   int  // lifetime infection count
}

// Infectious reports whether the individual contributes to the force of infection
func (in *Individual) Infectious() bool {
	return in.Status == models.StatusInfected && in.Latent == 0
}

// Reset returns the individual to Susceptible without touching age or history
func (in *Individual) Reset() {
	in.Status = models.StatusSusceptible
	in.TimeInState = 0
	in.Duration = 0
	in.Latent = 0
}

// State is the population of one replicate. Its size never changes once built.
// A State is owned by a single replicate and is not safe for concurrent use.
type State struct {
	Individuals []Individual
	Timestep    int
	// Carry holds fractional expected infections not yet realised in
	// deterministic mode.
	Carry float64
}

// Counts is a tally of the population by status
type Counts struct {
	Susceptible int
	Infected    int
	Infectious  int
	Diseased    int
}

// New builds a fully susceptible population at timestep 0. Ages are spread
// over [0, max age) and systematic non-compliance is assigned with probability
// params.NonCompliance. In deterministic mode ages are evenly spaced and the
// first round(NonCompliance*N) individuals are non-compliant.
func New(params config.Parameters, rng *utils.RandSource) *State {
	n := params.PopulationSize
	maxAge := params.MaxAgeSteps()
	s := &State{Individuals: make([]Individual, n)}

	if params.Mode == models.ModeDeterministic {
		nonCompliant := int(utils.Round(params.NonCompliance*float64(n), 0))
		for i := range s.Individuals {
			s.Individuals[i].AgeSteps = i * maxAge / n
			s.Individuals[i].NonCompliant = i < nonCompliant
		}
		return s
	}

	for i := range s.Individuals {
		s.Individuals[i].AgeSteps = rng.Intn(maxAge)
		s.Individuals[i].NonCompliant = rng.BernoulliBool(params.NonCompliance)
	}
	return s
}

// Size returns the number of individuals
func (s *State) Size() int {
	return len(s.Individuals)
}

// Counts tallies the population by status
func (s *State) Counts() Counts {
	var c Counts
	for i := range s.Individuals {
		switch s.Individuals[i].Status {
		case models.StatusSusceptible:
			c.Susceptible++
		case models.StatusInfected:
			c.Infected++
			if s.Individuals[i].Latent == 0 {
				c.Infectious++
			}
		case models.StatusDiseased:
			c.Diseased++
		}
	}
	return c
}

// Susceptibles returns the indices of susceptible individuals in index order
func (s *State) Susceptibles() []int {
	out := make([]int, 0, len(s.Individuals))
	for i := range s.Individuals {
		if s.Individuals[i].Status == models.StatusSusceptible {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns a deep copy of the state
func (s *State) Clone() *State {
	c := &State{
		Individuals: make([]Individual, len(s.Individuals)),
		Timestep:    s.Timestep,
		Carry:       s.Carry,
	}
	copy(c.Individuals, s.Individuals)
	return c
}

// Verify checks the per-individual invariants: a known status, non-negative
// counters and a positive duration for anyone not Susceptible.
func (s *State) Verify() error {
	for i := range s.Individuals {
		in := &s.Individuals[i]
		if !in.Status.Valid() {
			return models.NewInvariantViolation(s.Timestep, "individual %d has unknown status %d", i, uint8(in.Status))
		}
		if in.TimeInState < 0 || in.Latent < 0 || in.AgeSteps < 0 || in.Infections < 0 || in.Duration < 0 {
			return models.NewInvariantViolation(s.Timestep, "individual %d has a negative counter: %+v", i, *in)
		}
		if in.Status != models.StatusSusceptible && in.Duration < 1 {
			return models.NewInvariantViolation(s.Timestep, "individual %d is %s with duration %d", i, in.Status, in.Duration)
		}
	}
	if s.Carry < 0 || s.Carry >= 1 {
		return models.NewInvariantViolation(s.Timestep, "deterministic carry %v outside [0, 1)", s.Carry)
	}
	return nil
}

// AgeBand selects individuals by age in timesteps: MinSteps <= age < MaxSteps.
// MaxSteps of 0 means no upper bound.
type AgeBand struct {
	MinSteps int
	MaxSteps int
}

// Contains reports whether an age in timesteps falls within the band
func (b AgeBand) Contains(ageSteps int) bool {
	if ageSteps < b.MinSteps {
		return false
	}
	return b.MaxSteps == 0 || ageSteps < b.MaxSteps
}

// BandFromYears converts an inclusive range of whole years of age into an
// AgeBand. maxYears of 0 leaves the band open above.
func BandFromYears(params config.Parameters, minYears, maxYears float64) AgeBand {
	band := AgeBand{MinSteps: params.StepsFromYears(minYears)}
	if maxYears > 0 {
		band.MaxSteps = params.StepsFromYears(maxYears + 1)
	}
	return band
}

// ChildBand returns the reporting band for child prevalence
func ChildBand(params config.Parameters) AgeBand {
	band := BandFromYears(params, params.ChildAgeMinYears, params.ChildAgeMaxYears)
	if band.MaxSteps == 0 {
		band.MaxSteps = params.StepsFromYears(1)
	}
	return band
}
