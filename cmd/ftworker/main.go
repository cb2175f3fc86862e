// ftworker is the finetune.build worker daemon. It connects a machine to
// the control plane, executes assigned jobs, and re-runs work when
// watched files change.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ftworker:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "ftworker",
		Short:         "finetune.build worker daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnv(envFile)
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", "", "environment file loaded before FINETUNE_* variables are read")

	root.AddCommand(runCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(versionCmd())
	return root
}

// loadEnv loads environment variables from a file. A missing default
// .env is fine; an explicitly named file must exist.
func loadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}
