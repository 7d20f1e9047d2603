package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"learnops/internal/kernel"
	"learnops/pkg/replay"
)

func (a *app) replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay curated datasets against a policy offline",
	}

	var cfg replay.Config
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a deterministic replay and wait for its result",
		Long: `Start a replay of a curated dataset against a policy under each seed.
The replay runs in this process, so the command waits for it to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				id, err := k.Replayer.StartReplay(ctx, cfg)
				if err != nil {
					return err
				}
				k.Replayer.Wait()
				res, err := k.Replayer.GetReplayStatus(ctx, id)
				if err != nil {
					return err
				}
				return a.print(res, replayTable(res))
			})
		},
	}
	start.Flags().StringVar(&cfg.DatasetID, "dataset", "", "Curated dataset id")
	start.Flags().StringVar(&cfg.PolicyID, "policy", "", "Policy id to replay")
	start.Flags().Int64SliceVar(&cfg.Seeds, "seeds", []int64{1, 2, 3}, "Seeds, e.g. 1,2,3")
	start.Flags().IntVar(&cfg.MaxTasks, "max-tasks", 0, "Samples per seed (0 uses the configured default)")
	start.Flags().IntVar(&cfg.TimeoutSec, "timeout", 0, "Timeout in seconds (0 uses the configured default)")

	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a replay's status and aggregate result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				res, err := k.Replayer.GetReplayStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(res, replayTable(res))
			})
		},
	}

	cmd.AddCommand(start, status)
	return cmd
}

func replayTable(res *replay.Result) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID\t%s\n", res.ID)
		fmt.Fprintf(w, "STATUS\t%s\n", res.Status)
		if res.Error != "" {
			fmt.Fprintf(w, "ERROR\t%s\n", res.Error)
		}
		fmt.Fprintf(w, "CRL\t%.4f ± %.4f\n", res.CRLAvg, res.CRLStd)
		fmt.Fprintf(w, "STABILITY\t%.3f\n", res.Stability)
		fmt.Fprintf(w, "TASKS\t%d\n", res.TasksReplayed)
		fmt.Fprintf(w, "COST\t$%.4f\n", res.CostUSD)
		fmt.Fprintf(w, "DURATION\t%.1fs\n", res.DurationSec)
		if len(res.SeedResults) > 0 {
			fmt.Fprintln(w, "\t")
			fmt.Fprintln(w, "SEED\tCRL\tTASKS\tCACHE HITS")
			for _, s := range res.SeedResults {
				fmt.Fprintf(w, "%d\t%.4f\t%d\t%d\n", s.Seed, s.CRL, s.Tasks, s.CacheHits)
			}
		}
	}
}
