package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/harness"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/store"
	"github.com/GoSim-25-26J-441/trachoma-core/internal/telemetry"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/config"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var opts harness.Options
	var (
		configPath   string
		dbPath       string
		otlpEndpoint string
		quiet        bool
		replicates   int
		seed         int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation per bet row and write the series",
		Long: `Run one simulation per row of the bet file. Without a bet file a single
simulation runs with the beta from the config file.

Examples:
  trachomasim run --config config/run.yaml --prev out/prev.csv
  trachomasim run --config run.yaml --bet bet.csv --mda mda.csv --prev prev.parquet --infect infect.parquet
  trachomasim run --config run.yaml --save-output --out-sim out/finals.snap
  trachomasim run --config run.yaml --in-sim redis://localhost:6379/0?key=finals --prev prev.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultRunConfig()
			if configPath != "" {
				var err error
				if cfg, err = config.LoadRunConfig(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("replicates") {
				if replicates < 1 {
					return fmt.Errorf("--replicates must be at least 1, got %d", replicates)
				}
				cfg.Run.Replicates = replicates
			}
			if cmd.Flags().Changed("seed") {
				cfg.Run.Seed = seed
			}
			if opts.SaveOutput && opts.OutSim == "" {
				return fmt.Errorf("--save-output requires --out-sim")
			}

			log, err := commandLogger(cmd, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if otlpEndpoint != "" {
				tcfg := telemetry.DefaultConfig("trachomasim")
				tcfg.Endpoint = otlpEndpoint
				shutdown, err := telemetry.Setup(ctx, tcfg)
				if err != nil {
					return fmt.Errorf("setting up tracing: %w", err)
				}
				defer func() {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(flushCtx); err != nil {
						log.Warn("trace flush failed", "error", err)
					}
				}()
			}

			if dbPath != "" {
				archive, err := store.Open(ctx, dbPath)
				if err != nil {
					return err
				}
				defer archive.Close()
				opts.Archive = archive
			}

			opts.Config = cfg
			opts.Logger = log
			if !quiet {
				bar := newProgressBar(cmd.ErrOrStderr())
				opts.Progress = func(done, total int) {
					bar.ChangeMax(total)
					_ = bar.Set(done)
				}
				defer bar.Finish()
			}

			rep, runErr := harness.Run(ctx, opts)
			if rep != nil && len(rep.Simulations) > 0 {
				snapshots := ""
				if rep.Snapshots > 0 {
					snapshots = opts.OutSim
				}
				printReport(cmd.OutOrStdout(), rep, map[string]string{
					"prevalence": opts.PrevPath,
					"infected":   opts.InfectPath,
					"snapshots":  snapshots,
				})
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Run config YAML (defaults are used when empty)")
	f.StringVar(&opts.BetPath, "bet", "", "Bet file (csv or xlsx) with randomparamindex,bet columns")
	f.StringVar(&opts.MDAPath, "mda", "", "MDA schedule file (csv or xlsx); replaces the config schedule")
	f.StringVar(&opts.PrevPath, "prev", "", "Output path for the prevalence series")
	f.StringVar(&opts.InfectPath, "infect", "", "Output path for the infected-count series")
	f.StringVarP(&opts.Format, "format", "f", "", "Output format (csv, parquet, xlsx); picked from the extension when empty")
	f.BoolVar(&opts.SaveOutput, "save-output", false, "Save final snapshots of every completed replicate to --out-sim")
	f.StringVar(&opts.OutSim, "out-sim", "", "Snapshot location to save to (path, redis:// or s3://)")
	f.StringVar(&opts.InSim, "in-sim", "", "Snapshot location to resume from (path, redis:// or s3://)")
	f.StringVar(&dbPath, "db", "", "SQLite archive to record each simulation in")
	f.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector for traces")
	f.BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	f.IntVar(&replicates, "replicates", 0, "Override the number of replicates per simulation")
	f.Int64Var(&seed, "seed", 0, "Override the base seed")
	return cmd
}
