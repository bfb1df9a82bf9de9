package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/calibrate"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/harness"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/spf13/cobra"
)

func newCalibrateCmd() *cobra.Command {
	var (
		configPath    string
		mdaPath       string
		objectiveName string
		target        float64
		maxIterations int
		stepSize      float64
		minBeta       float64
		maxBeta       float64
		tolerance     float64
		parallel      int
		outPath       string
		paramIndex    int
	)

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Fit beta to an observed prevalence",
		Long: `Search for the beta whose simulated prevalence matches --target. Every
candidate runs the configured replicates from the same base seed.

Examples:
  trachomasim calibrate --config run.yaml --target 0.25
  trachomasim calibrate --config run.yaml --objective child_prevalence --target 0.3 --out bet.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultRunConfig()
			if configPath != "" {
				var err error
				if cfg, err = config.LoadRunConfig(configPath); err != nil {
					return err
				}
			}
			if mdaPath != "" {
				events, err := harness.ReadMDAFile(mdaPath)
				if err != nil {
					return fmt.Errorf("reading mda file: %w", err)
				}
				cfg.Schedule = events
			}
			log, err := commandLogger(cmd, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			objective, err := calibrate.NewObjective(objectiveName, target)
			if err != nil {
				return err
			}
			optimizer := calibrate.NewOptimizer(maxIterations, stepSize).
				WithBounds(minBeta, maxBeta).
				WithTolerance(tolerance).
				WithStopRule(calibrate.NewStopRules(calibrate.DefaultStopConfig(minBeta, maxBeta))).
				WithProgressReporter(func(iteration int, beta, score float64) {
					log.Info("Calibration step", "iteration", iteration, "beta", beta, "score", score)
				})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cal := calibrate.NewCalibrator(cfg, objective, optimizer, parallel).WithLogger(log)
			res, err := cal.Run(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			status := successStyle.Render("converged")
			if !res.Converged {
				status = warningStyle.Render("not converged")
			}
			fmt.Fprintf(w, "%s %s (%s)\n", titleStyle.Render("Calibration"), status, res.ConvergenceReason)
			rows := make([][]string, 0, len(res.History))
			for _, s := range res.History {
				rows = append(rows, []string{
					strconv.Itoa(s.Iteration),
					strconv.FormatFloat(s.Beta, 'g', 6, 64),
					fmt.Sprintf("%.5f", s.Score),
					strconv.FormatFloat(s.StepSize, 'g', 4, 64),
				})
			}
			fmt.Fprintln(w, renderTable([]string{"iteration", "beta", "score", "step"}, rows))
			fmt.Fprintf(w, "%s %g %s %.5f %s %d\n",
				mutedStyle.Render("beta:"), res.Beta,
				mutedStyle.Render("score:"), res.Score,
				mutedStyle.Render("simulations:"), cal.Evaluations())

			if outPath != "" {
				if err := harness.WriteBetFile(outPath, []harness.BetRow{{ParamIndex: paramIndex, Beta: res.Beta}}); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s %s\n", mutedStyle.Render("bet file:"), outPath)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Run config YAML; its beta is the starting point")
	f.StringVar(&mdaPath, "mda", "", "MDA schedule file; replaces the config schedule")
	f.StringVar(&objectiveName, "objective", "final_prevalence", "Target statistic (final_prevalence, mean_prevalence, child_prevalence)")
	f.Float64Var(&target, "target", 0, "Observed prevalence to match")
	f.IntVar(&maxIterations, "max-iterations", 20, "Maximum search iterations")
	f.Float64Var(&stepSize, "step", 0.05, "Initial beta step")
	f.Float64Var(&minBeta, "min-beta", 0, "Lower bound for beta")
	f.Float64Var(&maxBeta, "max-beta", 1, "Upper bound for beta")
	f.Float64Var(&tolerance, "tolerance", 0.005, "Stop once the score is at or below this value")
	f.IntVar(&parallel, "parallel", 2, "Candidate simulations run at once")
	f.StringVarP(&outPath, "out", "o", "", "Write the fitted beta as a one-row bet CSV")
	f.IntVar(&paramIndex, "param-index", 0, "randomparamindex for the --out row")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}
