package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"learnops/internal/kernel"
	"learnops/pkg/crl"
)

func (a *app) crlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crl",
		Short: "Compute and inspect Composite Run Loss",
	}

	compute := &cobra.Command{
		Use:   "compute <run-id>",
		Short: "Aggregate a run's telemetry into CRL terms, score and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				res, err := k.CRL.Compute(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(res, resultTable(res))
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a stored CRL result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				res, err := k.CRL.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(res, resultTable(res))
			})
		},
	}

	var q crl.TrendQuery
	trend := &cobra.Command{
		Use:   "trend",
		Short: "Show the daily loss trend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				buckets, err := k.CRL.Trend(ctx, q)
				if err != nil {
					return err
				}
				return a.print(buckets, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "DAY\tRUNS\tMEAN\tMIN\tMAX")
					for _, b := range buckets {
						fmt.Fprintf(w, "%s\t%d\t%.4f\t%.4f\t%.4f\n", b.Day, b.Runs, b.MeanLoss, b.MinLoss, b.MaxLoss)
					}
				})
			})
		},
	}
	trend.Flags().StringVar(&q.TenantID, "tenant", "", "Filter by tenant")
	trend.Flags().StringVar(&q.Phase, "phase", "", "Filter by phase")
	trend.Flags().IntVar(&q.Days, "days", 30, "Trailing window in days")

	var scope, weightsFile string
	weights := &cobra.Command{
		Use:   "weights <scope-id>",
		Short: "Set a run or tenant weight override from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w crl.Weights
			if err := readJSONFile(weightsFile, &w); err != nil {
				return err
			}
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				if err := k.CRL.Telemetry().SetWeightOverride(ctx, scope, args[0], w); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "weights set for %s %s\n", scope, args[0])
				return nil
			})
		},
	}
	weights.Flags().StringVar(&scope, "scope", crl.ScopeTenant, "Override scope: run or tenant")
	weights.Flags().StringVar(&weightsFile, "file", "", "JSON file with the nine term weights")
	_ = weights.MarkFlagRequired("file")

	cmd.AddCommand(compute, show, trend, weights)
	return cmd
}

func resultTable(res *crl.Result) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		t := res.Terms
		fmt.Fprintf(w, "RUN\t%s\n", res.RunID)
		fmt.Fprintf(w, "LOSS\t%.4f\n", res.Loss)
		fmt.Fprintf(w, "COMPUTED\t%s\n", res.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintln(w, "\t")
		fmt.Fprintln(w, "TERM\tVALUE")
		fmt.Fprintf(w, "gate_pass\t%.3f\n", t.GatePass)
		fmt.Fprintf(w, "contradictions\t%.3f\n", t.Contradictions)
		fmt.Fprintf(w, "grounding\t%.3f\n", t.Grounding)
		fmt.Fprintf(w, "cost_over_budget_pct\t%.3f\n", t.CostOverBudgetPct)
		fmt.Fprintf(w, "latency_p95_norm\t%.3f\n", t.LatencyP95Norm)
		fmt.Fprintf(w, "security_criticals\t%.0f\n", t.SecurityCriticals)
		fmt.Fprintf(w, "api_breakages\t%.0f\n", t.APIBreakages)
		fmt.Fprintf(w, "db_migration_fail\t%.0f\n", t.DBMigrationFail)
		fmt.Fprintf(w, "rag_coverage\t%.3f\n", t.RAGCoverage)
	}
}
