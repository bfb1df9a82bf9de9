// Package snapshot persists replicate populations so that a run can be resumed.
package snapshot

import (
	"fmt"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// Snapshot is the serialisable state of one replicate at the end of a timestep
type Snapshot struct {
	Replicate   int
	Seed        int64
	Timestep    int
	Carry       float64
	RandState   []byte // empty when the stream position was not captured
	Individuals []population.Individual
}

// Capture copies pop and the stream position into a snapshot
func Capture(pop *population.State, rng *utils.RandSource, replicate int, seed int64) (*Snapshot, error) {
	s := &Snapshot{
		Replicate:   replicate,
		Seed:        seed,
		Timestep:    pop.Timestep,
		Carry:       pop.Carry,
		Individuals: make([]population.Individual, pop.Size()),
	}
	copy(s.Individuals, pop.Individuals)
	if rng != nil {
		state, err := rng.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to capture random stream: %w", err)
		}
		s.RandState = state
	}
	return s, nil
}

// State returns a fresh population holding a copy of the snapshot
func (s *Snapshot) State() *population.State {
	pop := &population.State{
		Individuals: make([]population.Individual, len(s.Individuals)),
		Timestep:    s.Timestep,
		Carry:       s.Carry,
	}
	copy(pop.Individuals, s.Individuals)
	return pop
}

// Stream restores the captured random stream
func (s *Snapshot) Stream() (*utils.RandSource, error) {
	if len(s.RandState) == 0 {
		return nil, &models.StateError{Replicate: s.Replicate, Reason: "snapshot carries no random stream state"}
	}
	rng := &utils.RandSource{}
	if err := rng.UnmarshalBinary(s.RandState); err != nil {
		return nil, &models.StateError{Replicate: s.Replicate, Reason: err.Error()}
	}
	return rng, nil
}

// Size returns the number of individuals in the snapshot
func (s *Snapshot) Size() int {
	return len(s.Individuals)
}
