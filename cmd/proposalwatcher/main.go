// Package main provides the proposalwatcher binary entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ProposalWatcher/internal/app"
	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/jobs"
	"ProposalWatcher/internal/logging"
)

const (
	Version = "0.1.0"
	appName = "proposalwatcher"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Governance proposal watcher",
		Long: `Proposalwatcher polls the governance feed, notifies subscribers about new
proposals and enriches proposal records with verification jobs, diff
statistics and forum links.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML); defaults to $PROPOSAL_WATCHER_CONFIG")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&flags), runCmd(&flags), migrateCmd(&flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP surface and the configured cron entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := open(ctx, flags)
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.Migrate(ctx); err != nil {
				return err
			}
			return application.Serve(ctx)
		},
	}
}

func runCmd(flags *globalFlags) *cobra.Command {
	var req jobs.Request

	cmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Run one bounded invocation and print its result",
		Long:  "Run one bounded invocation: poll, trigger, diffstats, forum or forum-assisted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := open(ctx, flags)
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.Migrate(ctx); err != nil {
				return err
			}

			res, runErr := application.RunJob(ctx, args[0], req)
			if res.RunID == "" && runErr != nil {
				return fmt.Errorf("%w (available: %s)", runErr, strings.Join(application.JobNames(), ", "))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&req.Force, "force", false, "Recompute items that already have a result")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "Maximum number of proposals to process")
	cmd.Flags().Int64Var(&req.ProposalID, "proposal", 0, "Process a single proposal id")
	return cmd
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := open(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer application.Close()
			return application.Migrate(cmd.Context())
		},
	}
}

func open(ctx context.Context, flags *globalFlags) (*app.Application, error) {
	var cfg config.Config
	if flags.configPath != "" {
		cfg = config.LoadFile(flags.configPath)
	} else {
		cfg = config.Load()
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	logger := logging.NewWithFormat(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	return app.New(ctx, cfg, logger)
}
