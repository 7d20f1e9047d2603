package main

import (
	"context"

	"github.com/spf13/cobra"

	"learnops/internal/kernel"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API and /metrics, and conclude expired deployments",
		Long: `Serve the read-only HTTP API and Prometheus metrics.

On start, replays left running by a previous process are marked failed. While
serving, deployments past their maximum duration are concluded periodically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				if err := k.Start(); err != nil {
					return err
				}
				return k.Serve(ctx)
			})
		},
	}
}
