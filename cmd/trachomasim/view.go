package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/harness"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/schollz/progressbar/v3"
)

var (
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	warning = lipgloss.Color("#FF8800")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warning).Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// newProgressBar reports finished replicates. The total is set on the first
// update because it depends on the bet file.
func newProgressBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("replicates"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		Render()
}

func statusText(s models.RunStatus) string {
	switch s {
	case models.RunStatusCompleted:
		return successStyle.Render(string(s))
	case models.RunStatusFailed, models.RunStatusCancelled:
		return warningStyle.Render(string(s))
	default:
		return string(s)
	}
}

func printReport(w io.Writer, rep *harness.Report, outputs map[string]string) {
	rows := make([][]string, 0, len(rep.Simulations))
	for _, sim := range rep.Simulations {
		rows = append(rows, []string{
			strconv.Itoa(sim.ParamIndex),
			strconv.FormatFloat(sim.Beta, 'g', 6, 64),
			strconv.FormatInt(sim.Seed, 10),
			statusText(sim.Status),
			strconv.Itoa(sim.Failed),
			fmt.Sprintf("%.4f", sim.FinalPrevalence()),
		})
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Simulations"))
	fmt.Fprintln(w, renderTable([]string{"param", "beta", "seed", "status", "failed", "final prevalence"}, rows))
	for _, name := range []string{"prevalence", "infected", "snapshots"} {
		if path, ok := outputs[name]; ok && path != "" {
			fmt.Fprintf(w, "%s %s\n", mutedStyle.Render(name+":"), path)
		}
	}
}

func printRuns(w io.Writer, runs []models.RunInfo) {
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No archived runs."))
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			statusText(r.Status),
			strconv.Itoa(r.ParamIndex),
			strconv.FormatFloat(r.Beta, 'g', 6, 64),
			fmt.Sprintf("%d/%d", r.Replicates-r.Failed, r.Replicates),
			r.EndedAt.Local().Format(time.DateTime),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"id", "status", "param", "beta", "replicates", "ended"}, rows))
}

func printSummary(w io.Writer, info models.RunInfo, summary []models.SeriesSummary) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(info.ID), statusText(info.Status))
	fmt.Fprintf(w, "%s %d x %d timesteps, beta %g\n", mutedStyle.Render("population:"), info.PopulationSize, info.Timesteps, info.Beta)
	if info.Error != "" {
		fmt.Fprintf(w, "%s %s\n", warningStyle.Render("error:"), info.Error)
	}
	rows := make([][]string, 0, len(summary))
	for _, s := range summary {
		rows = append(rows, []string{
			strconv.Itoa(s.Timestep),
			strconv.Itoa(s.Replicates),
			fmt.Sprintf("%.4f", s.PrevalenceMean),
			fmt.Sprintf("%.4f", s.PrevalenceP5),
			fmt.Sprintf("%.4f", s.PrevalenceP95),
			fmt.Sprintf("%.1f", s.TreatedMean),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"timestep", "n", "mean", "p5", "p95", "treated"}, rows))
}
