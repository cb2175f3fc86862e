package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/engine"
	"github.com/finetune-build/Worker/watcher"
)

func runCmd() *cobra.Command {
	var (
		verbose    bool
		offline    bool
		watchRules []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(verbose)
			slog.SetDefault(logger)

			cfg, err := ftworker.LoadConfig()
			if err != nil {
				return err
			}

			rules, err := parseWatchRules(watchRules)
			if err != nil {
				return err
			}

			opts := []engine.Option{
				engine.WithLogger(logger),
				engine.WithWatchRules(rules),
			}
			if offline {
				opts = append(opts, engine.WithOffline())
			}

			eng, err := engine.New(cfg, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := eng.Start(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				logger.Info("signal received, shutting down")
			case <-eng.Done():
				logger.Info("shutdown requested, shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return eng.Stop(shutdownCtx)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&offline, "offline", false, "run without a control-plane connection")
	cmd.Flags().StringArrayVar(&watchRules, "watch-rule", nil, "map a filename pattern to a job kind, e.g. '*.jsonl=reindex' (repeatable)")
	return cmd
}

// parseWatchRules converts "pattern=kind" flags into watch rules.
func parseWatchRules(raw []string) (watcher.Rules, error) {
	rules := make(watcher.Rules, 0, len(raw))
	for _, r := range raw {
		pattern, kind, ok := strings.Cut(r, "=")
		if !ok || pattern == "" || kind == "" {
			return nil, fmt.Errorf("invalid watch rule %q, expected pattern=kind", r)
		}
		rules = append(rules, watcher.Rule{Pattern: pattern, Kind: kind})
	}
	return rules, nil
}
