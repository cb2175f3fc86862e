package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/api"
	"github.com/finetune-build/Worker/engine"
)

func healthCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the store, queue, and control-plane connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(false)

			cfg, err := ftworker.LoadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			failed := 0
			report := func(name string, checkErr error) {
				if checkErr != nil {
					failed++
					fmt.Printf("%-14s FAIL  %v\n", name, checkErr)
					return
				}
				fmt.Printf("%-14s OK\n", name)
			}

			report("store", checkStore(ctx, cfg, logger))
			report("queue", checkQueue(ctx, cfg, logger))

			clientOpts := []api.ClientOption{api.WithClientLogger(logger)}
			if cfg.Insecure {
				clientOpts = append(clientOpts, api.WithInsecure())
			}
			client := api.NewClient(cfg.Host, cfg.WorkerID, cfg.WorkerToken, clientOpts...)
			report("control-plane", client.Pong(ctx))

			if failed > 0 {
				return fmt.Errorf("%d health check(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall check timeout")
	return cmd
}

func checkStore(ctx context.Context, cfg ftworker.Config, logger *slog.Logger) error {
	s, err := engine.OpenStore(cfg.StoreDSN, logger)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck
	return s.Ping(ctx)
}

func checkQueue(ctx context.Context, cfg ftworker.Config, logger *slog.Logger) error {
	q, err := engine.OpenQueue(ctx, cfg.QueueURL, cfg.WorkerID, logger)
	if err != nil {
		return err
	}
	return q.Close()
}
