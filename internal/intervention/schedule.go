package intervention

import (
	"sort"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
)

// Event is one MDA round
type Event struct {
	Timestep    int
	Coverage    float64
	Eligibility population.AgeBand
}

// Schedule is an ordered list of MDA rounds with strictly increasing
// timesteps. It is immutable once built and may be shared between replicates.
type Schedule struct {
	events []Event
}

// NewSchedule validates specs and converts their age bands to timesteps
func NewSchedule(specs []config.EventSpec, params config.Parameters) (*Schedule, error) {
	if err := config.ValidateSchedule(specs); err != nil {
		return nil, err
	}
	events := make([]Event, len(specs))
	for i, spec := range specs {
		events[i] = Event{
			Timestep:    spec.Timestep,
			Coverage:    spec.Coverage,
			Eligibility: population.BandFromYears(params, spec.MinAgeYears, spec.MaxAgeYears),
		}
	}
	return &Schedule{events: events}, nil
}

// At returns the event scheduled at timestep t, if any
func (s *Schedule) At(t int) (Event, bool) {
	if s == nil {
		return Event{}, false
	}
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].Timestep >= t })
	if i < len(s.events) && s.events[i].Timestep == t {
		return s.events[i], true
	}
	return Event{}, false
}

// Events returns a copy of the scheduled events
func (s *Schedule) Events() []Event {
	if s == nil {
		return nil
	}
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of scheduled events
func (s *Schedule) Len() int {
	if s == nil {
		return 0
	}
	return len(s.events)
}
