package intervention

import (
	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// Applier administers MDA rounds to a population
type Applier struct {
	efficacy      float64
	bernoulli     bool
	deterministic bool
}

// NewApplier builds an applier for a validated parameter set
func NewApplier(params config.Parameters) *Applier {
	return &Applier{
		efficacy:      params.Efficacy,
		bernoulli:     params.MDASampling == config.SamplingBernoulli,
		deterministic: params.Mode == models.ModeDeterministic,
	}
}

// Apply treats a share of the eligible individuals and returns how many
// infected or diseased individuals were cured. Eligible means inside the
// event's age band and not systematically non-compliant. Individuals that are
// not treated are left untouched.
//
// Exact sampling treats round(coverage*eligible) individuals; Bernoulli
// sampling treats each eligible individual independently with probability
// coverage. Each treatment succeeds with probability efficacy. In
// deterministic mode the first individuals in index order are treated and
// round(efficacy*treated) of them are cured.
func (a *Applier) Apply(pop *population.State, ev Event, rng *utils.RandSource) int {
	if ev.Coverage <= 0 {
		return 0
	}

	eligible := make([]int, 0, pop.Size())
	for i := range pop.Individuals {
		in := &pop.Individuals[i]
		if !in.NonCompliant && ev.Eligibility.Contains(in.AgeSteps) {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return 0
	}

	treated := a.selectTreated(eligible, ev.Coverage, rng)

	cured := 0
	if a.deterministic {
		effective := int(utils.Round(a.efficacy*float64(len(treated)), 0))
		for _, idx := range treated[:effective] {
			cured += cure(&pop.Individuals[idx])
		}
		return cured
	}
	for _, idx := range treated {
		if rng.BernoulliBool(a.efficacy) {
			cured += cure(&pop.Individuals[idx])
		}
	}
	return cured
}

func (a *Applier) selectTreated(eligible []int, coverage float64, rng *utils.RandSource) []int {
	n := len(eligible)
	if a.bernoulli && !a.deterministic {
		out := make([]int, 0, n)
		for _, idx := range eligible {
			if rng.BernoulliBool(coverage) {
				out = append(out, idx)
			}
		}
		return out
	}

	k := int(utils.Round(coverage*float64(n), 0))
	if a.deterministic || k == n {
		return eligible[:k]
	}
	picks := rng.Sample(n, k)
	out := make([]int, len(picks))
	for i, j := range picks {
		out[i] = eligible[j]
	}
	return out
}

// cure returns 1 when the individual had an active infection
func cure(in *population.Individual) int {
	if in.Status == models.StatusSusceptible {
		return 0
	}
	in.Reset()
	return 1
}
