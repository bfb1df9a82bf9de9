package metrics

import (
	"sort"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

// Summarize computes cross-replicate statistics per timestep. Each element of
// series is the full series of one completed replicate; failed replicates are
// left out by the caller. Timesteps are matched by value, so replicates with
// different start timesteps are summarised over the steps they share.
func Summarize(series [][]models.TimeSeriesPoint) []models.SeriesSummary {
	byStep := make(map[int][]models.TimeSeriesPoint)
	order := make([]int, 0)
	for _, s := range series {
		for _, p := range s {
			if _, seen := byStep[p.Timestep]; !seen {
				order = append(order, p.Timestep)
			}
			byStep[p.Timestep] = append(byStep[p.Timestep], p)
		}
	}
	sort.Ints(order)

	out := make([]models.SeriesSummary, 0, len(order))
	for _, t := range order {
		points := byStep[t]
		prev := make([]float64, len(points))
		infected := make([]float64, len(points))
		child := make([]float64, len(points))
		treated := make([]float64, len(points))
		for i, p := range points {
			prev[i] = p.Prevalence
			infected[i] = float64(p.InfectedCount)
			child[i] = p.ChildPrevalence
			treated[i] = float64(p.Treated)
		}
		pct := utils.Percentiles(prev, 5, 95)
		out = append(out, models.SeriesSummary{
			Timestep:        t,
			Replicates:      len(points),
			PrevalenceMean:  utils.Mean(prev),
			PrevalenceP5:    pct[0],
			PrevalenceP95:   pct[1],
			InfectedMean:    utils.Mean(infected),
			ChildPrevalence: utils.Mean(child),
			TreatedMean:     utils.Mean(treated),
		})
	}
	return out
}
