package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"learnops/internal/kernel"
	"learnops/pkg/rollout"
)

func (a *app) deployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run shadow and canary deployments of candidate policies",
		Long: `Run shadow and canary deployments of candidate policies.

Starting a deployment for a doer supersedes any active one. A promoted
deployment activates its candidate policy.

Examples:
  learnops deploy shadow --doer coder --candidate p-2 --control p-1
  learnops deploy canary --doer coder --candidate p-2 --control p-1 --allocation 10 --min-jobs 200
  learnops deploy route coder task-981
  learnops deploy report <deployment-id>
  learnops deploy promote <deployment-id>
  learnops deploy rollback <deployment-id> --reason "grounding regression"`,
	}

	cmd.AddCommand(
		a.startDeploymentCmd("shadow", "Start a shadow deployment: every task runs on the control"),
		a.startDeploymentCmd("canary", "Start a canary deployment routing a share of tasks to the candidate"),
	)

	route := &cobra.Command{
		Use:   "route <doer> <task-id>",
		Short: "Route a task; repeated calls for a task return the same route",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				r, err := k.Rollout.RouteTask(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, r)
				return nil
			})
		},
	}

	var evaluate bool
	report := &cobra.Command{
		Use:   "report <deployment-id>",
		Short: "Compare candidate and control CRL and recommend an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				var rep *rollout.CanaryReport
				var err error
				if evaluate {
					rep, err = k.Rollout.Evaluate(ctx, args[0])
				} else {
					rep, err = k.Rollout.GetCanaryReport(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return a.print(rep, reportTable(rep))
			})
		},
	}
	report.Flags().BoolVar(&evaluate, "evaluate", false, "Auto-promote when the deployment allows it and the report recommends it")

	promote := &cobra.Command{
		Use:   "promote <deployment-id>",
		Short: "Promote a deployment's candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				if err := k.Rollout.Promote(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "deployment %s promoted\n", args[0])
				return nil
			})
		},
	}

	var reason string
	rollback := &cobra.Command{
		Use:   "rollback <deployment-id>",
		Short: "Roll a deployment back to its control",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				if err := k.Rollout.Rollback(ctx, args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "deployment %s rolled back\n", args[0])
				return nil
			})
		},
	}
	rollback.Flags().StringVar(&reason, "reason", "", "Why the deployment is rolled back")
	_ = rollback.MarkFlagRequired("reason")

	list := &cobra.Command{
		Use:   "list [doer]",
		Short: "List deployments, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doer := ""
			if len(args) == 1 {
				doer = args[0]
			}
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				deps, err := k.Rollout.List(ctx, doer)
				if err != nil {
					return err
				}
				if deps == nil {
					deps = []*rollout.Deployment{}
				}
				return a.print(deps, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ID\tDOER\tMODE\tSTATUS\tALLOC\tCANDIDATE\tCONTROL\tEXPIRES")
					for _, d := range deps {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\t%s\n", d.ID, d.Doer, d.Mode, d.Status,
							d.AllocationPct, d.CandidatePolicyID, d.ControlPolicyID, d.ExpiresAt().Format(time.RFC3339))
					}
				})
			})
		},
	}

	cmd.AddCommand(route, report, promote, rollback, list)
	return cmd
}

func (a *app) startDeploymentCmd(mode, short string) *cobra.Command {
	var cfg rollout.DeploymentConfig
	var maxIncrease float64
	var minSample int
	c := &cobra.Command{
		Use:   mode,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("max-crl-increase") || cmd.Flags().Changed("min-sample") {
				cfg.Safety = &rollout.SafetyThresholds{MaxCRLIncrease: maxIncrease, MinSampleSize: minSample}
			}
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				var id string
				var err error
				if mode == "shadow" {
					id, err = k.Rollout.StartShadow(ctx, cfg)
				} else {
					id, err = k.Rollout.StartCanary(ctx, cfg)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, id)
				return nil
			})
		},
	}
	f := c.Flags()
	f.StringVar(&cfg.Doer, "doer", "", "Doer to deploy for")
	f.StringVar(&cfg.CandidatePolicyID, "candidate", "", "Candidate policy id")
	f.StringVar(&cfg.ControlPolicyID, "control", "", "Control policy id")
	f.IntVar(&cfg.MinJobs, "min-jobs", 0, "Observations required before a decision (0 uses the configured default)")
	f.Float64Var(&cfg.MaxDurationHours, "max-hours", 0, "Force-conclude after this many hours (0 uses the configured default)")
	f.BoolVar(&cfg.AutoPromote, "auto-promote", false, "Promote automatically when evaluation recommends it")
	f.Float64Var(&maxIncrease, "max-crl-increase", 0, "Roll back when candidate CRL exceeds control by more than this")
	f.IntVar(&minSample, "min-sample", 0, "Minimum candidate observations")
	if mode == "canary" {
		f.Float64Var(&cfg.AllocationPct, "allocation", 10, "Percent of tasks routed to the candidate")
	}
	return c
}

func reportTable(rep *rollout.CanaryReport) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "DEPLOYMENT\t%s (%s, %s)\n", rep.DeploymentID, rep.Mode, rep.Status)
		fmt.Fprintf(w, "RECOMMENDATION\t%s\n", rep.Recommendation)
		if len(rep.Violations) > 0 {
			fmt.Fprintf(w, "VIOLATIONS\t%s\n", strings.Join(rep.Violations, ", "))
		}
		fmt.Fprintf(w, "SAMPLE\t%d of %d\n", rep.SampleSize, rep.MinJobs)
		fmt.Fprintf(w, "DELTA\t%+.4f (p=%.4f)\n", rep.Delta, rep.Significance.PValue)
		fmt.Fprintln(w, "\t")
		fmt.Fprintln(w, "ROUTE\tN\tMEAN\tSTD")
		fmt.Fprintf(w, "candidate\t%d\t%.4f\t%.4f\n", rep.Candidate.N, rep.Candidate.Mean, rep.Candidate.Std)
		fmt.Fprintf(w, "control\t%d\t%.4f\t%.4f\n", rep.Control.N, rep.Control.Mean, rep.Control.Std)
	}
}
