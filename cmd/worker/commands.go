package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coinledger/internal/app"
	"coinledger/internal/config"
	"coinledger/internal/db"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML file overriding environment settings")
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(renewCmd)
	rootCmd.AddCommand(loopCmd)

	loopCmd.Flags().Duration("interval", 0, "Time between runs (defaults to sweeper.interval or WORKER_INTERVAL_SECONDS)")
}

var rootCmd = &cobra.Command{
	Use:          "worker",
	Short:        "Run coinledger background jobs",
	SilenceUsage: true,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire, cancel and force-end stale sessions",
	Long: `Expire pending requests nobody answered, cancel accepted sessions that never
started and settle sessions that ran past the maximum duration. Every item is
re-checked under its row lock, so overlapping runs are harmless.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		runSweep(cmd.Context(), a)
		return nil
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Charge every subscription whose billing date has passed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		return runRenewals(cmd.Context(), a)
	},
}

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Run sweep and renew on a fixed interval until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = cfg.WorkerInterval
		}
		if interval <= 0 {
			return fmt.Errorf("interval must be positive")
		}
		database, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer database.Close()
		a := app.Build(cfg, database)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Printf("worker running every %s", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			runSweep(ctx, a)
			if err := runRenewals(ctx, a); err != nil && ctx.Err() == nil {
				log.Printf("renewals: %v", err)
			}
			select {
			case <-ctx.Done():
				log.Printf("worker stopped")
				return nil
			case <-ticker.C:
			}
		}
	},
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Load()
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return cfg, nil
	}
	return config.LoadFile(path, cfg)
}

func setup(cmd *cobra.Command) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return app.Build(cfg, database), func() { database.Close() }, nil
}

func runSweep(ctx context.Context, a *app.App) {
	report := a.Sweeper.Run(ctx)
	fmt.Fprintf(os.Stdout, "sweep: expired=%d cancelled=%d ended=%d released=%d failed=%d\n",
		report.Expired, report.Cancelled, report.Ended, report.Released, report.Failed)
}

func runRenewals(ctx context.Context, a *app.App) error {
	summary, err := a.Subscriptions.ProcessRenewals(ctx)
	fmt.Fprintf(os.Stdout, "renew: processed=%d succeeded=%d failed=%d cancelled=%d\n",
		summary.Processed, summary.Succeeded, summary.Failed, summary.Cancelled)
	return err
}
