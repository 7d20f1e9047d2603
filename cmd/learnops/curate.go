package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"learnops/internal/kernel"
	"learnops/pkg/curator"
)

func (a *app) curateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "curate <bundle.json>",
		Short: "Curate a run bundle into a deduplicated, redacted, labeled dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b curator.Bundle
			if err := readJSONFile(args[0], &b); err != nil {
				return err
			}
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				rep, err := k.Curator.ProcessBundle(ctx, &b)
				if err != nil {
					return err
				}
				return a.print(rep, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "DATASET\t%s\n", rep.DatasetID)
					fmt.Fprintf(w, "KEPT\t%d\n", rep.Kept)
					fmt.Fprintf(w, "DUPLICATES\t%d\n", rep.Duplicates)
					fmt.Fprintf(w, "REDACTIONS\t%d\n", rep.Redactions)
				})
			})
		},
	}

	var limit int
	datasets := &cobra.Command{
		Use:   "datasets",
		Short: "List curated datasets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				sets, err := k.Curator.ListDatasets(ctx, limit)
				if err != nil {
					return err
				}
				return a.print(sets, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ID\tDOER\tPHASE\tRUN\tSAMPLES\tCREATED")
					for _, d := range sets {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", d.ID, d.Doer, d.Phase, d.SourceRunID, d.SampleCount,
							d.CreatedAt.Format(time.RFC3339))
					}
				})
			})
		},
	}
	datasets.Flags().IntVar(&limit, "limit", 50, "Maximum number of datasets")

	samples := &cobra.Command{
		Use:   "samples <dataset-id>",
		Short: "List a dataset's samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				list, err := k.Curator.Samples(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(list, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ARTIFACT\tTYPE\tORIGIN\tGROUNDING\tHASH")
					for _, s := range list {
						fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.12s\n", s.ArtifactID, s.Type, s.Labels.Origin, s.Labels.Grounding, s.InputHash)
					}
				})
			})
		},
	}

	cmd.AddCommand(datasets, samples)
	return cmd
}
