package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FranksOps/ruleharvest/internal/app"
)

var (
	// Version is injected at build time
	Version = "dev"
	// Build is injected at build time
	Build = "unknown"
	// ProgramName is injected at build time
	ProgramName = "ruleharvest"
)

func main() {
	runMain(os.Args, os.Exit)
}

func runMain(args []string, exit func(int)) {
	if err := Execute(Version, Build, ProgramName, args[1:]); err != nil {
		slog.Error("ruleharvest failed", "err", err)
		exit(1)
	}
}

// Execute is the entry point for the CLI, extracted for testing
func Execute(version, build, programName string, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Search, download and record new rules files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunWithDeps(ctx, app.DefaultRunParams(), cmd.Flags(), version)
		},
	}

	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Harvest .cursorrules files from GitHub code search",
		Long:          "ruleharvest searches GitHub for .cursorrules files, downloads the ones it has not seen and records them in an identity store, a CSV export and a raw file tree.",
		Version:       version + " (" + build + ")",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd.RunE,
	}
	rootCmd.SetVersionTemplate(`{{.Version}}
`)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the GitHub API is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.CheckWithDeps(ctx, app.DefaultRunParams(), cmd.Flags())
		},
	}

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize the identity store and the CSV export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.SummaryWithDeps(ctx, app.DefaultRunParams(), cmd.Flags())
		},
	}

	app.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd, checkCmd, summaryCmd)
	rootCmd.SetArgs(args)

	return rootCmd.Execute()
}
