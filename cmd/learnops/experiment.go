package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"learnops/internal/kernel"
	"learnops/pkg/experiment"
)

func (a *app) experimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Track learning experiments",
	}

	var cfg experiment.Config
	var typ string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a pending experiment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Type = experiment.Type(typ)
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				id, err := k.Experiments.Create(ctx, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, id)
				return nil
			})
		},
	}
	create.Flags().StringVar(&typ, "type", string(experiment.TypePromptSynthesis),
		"prompt_synthesis, adapter_training, tool_tuning or rag_optimization")
	create.Flags().StringVar(&cfg.Doer, "doer", "", "Doer the experiment targets")
	create.Flags().StringVar(&cfg.Phase, "phase", "", "Phase the experiment targets")
	create.Flags().StringVar(&cfg.ParentPolicyID, "parent", "", "Parent policy id")
	create.Flags().StringVar(&cfg.DatasetID, "dataset", "", "Curated dataset id")
	create.Flags().Int64SliceVar(&cfg.Seeds, "seeds", nil, "Replay seeds, e.g. 1,2,3")

	var errMsg string
	status := &cobra.Command{
		Use:   "status <id> <pending|running|failed|cancelled>",
		Short: "Move an experiment to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				if err := k.Experiments.UpdateStatus(ctx, args[0], experiment.Status(args[1]), errMsg); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "experiment %s is now %s\n", args[0], args[1])
				return nil
			})
		},
	}
	status.Flags().StringVar(&errMsg, "error", "", "Error message kept on failed or cancelled experiments")

	var resultFile string
	result := &cobra.Command{
		Use:   "result <id>",
		Short: "Complete a running experiment with a result JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res experiment.Result
			if err := readJSONFile(resultFile, &res); err != nil {
				return err
			}
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				if err := k.Experiments.RecordResult(ctx, args[0], res); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "experiment %s completed (crl_delta %+.4f)\n", args[0], res.Metrics.CRLDelta)
				return nil
			})
		},
	}
	result.Flags().StringVar(&resultFile, "file", "", "Result JSON file")
	_ = result.MarkFlagRequired("file")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				exp, err := k.Experiments.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(exp, experimentTable([]*experiment.Experiment{exp}))
			})
		},
	}

	var limit, days int
	var successful bool
	list := &cobra.Command{
		Use:   "list <doer>",
		Short: "List a doer's experiments, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				var exps []*experiment.Experiment
				var err error
				if successful {
					exps, err = k.Experiments.ListSuccessful(ctx, args[0], days)
				} else {
					exps, err = k.Experiments.ListByDoer(ctx, args[0], limit)
				}
				if err != nil {
					return err
				}
				if exps == nil {
					exps = []*experiment.Experiment{}
				}
				return a.print(exps, experimentTable(exps))
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of experiments")
	list.Flags().BoolVar(&successful, "successful", false, "Only completed experiments that lowered CRL")
	list.Flags().IntVar(&days, "days", 30, "Window for --successful")

	cmd.AddCommand(create, status, result, show, list)
	return cmd
}

func experimentTable(exps []*experiment.Experiment) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tTYPE\tDOER\tSTATUS\tCRL DELTA\tCREATED")
		for _, e := range exps {
			delta := "-"
			if e.Metrics != nil {
				delta = fmt.Sprintf("%+.4f", e.Metrics.CRLDelta)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Type, e.Doer, e.Status, delta, e.CreatedAt.Format(time.RFC3339))
		}
	}
}
