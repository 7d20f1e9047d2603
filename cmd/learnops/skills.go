package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"learnops/internal/kernel"
	"learnops/pkg/skills"
)

func (a *app) skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Per-doer skill cards",
	}

	refresh := &cobra.Command{
		Use:   "refresh <doer>...",
		Short: "Recompute skill cards from CRL history and telemetry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				cards := make([]*skills.Card, 0, len(args))
				for _, doer := range args {
					card, err := k.Skills.Refresh(ctx, doer)
					if err != nil {
						return err
					}
					cards = append(cards, card)
				}
				return a.print(cards, cardsTable(cards))
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <doer>",
		Short: "Show a doer's skill card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				card, err := k.Skills.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(card, cardTable(card))
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every skill card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				cards, err := k.Skills.GetAll(ctx)
				if err != nil {
					return err
				}
				if cards == nil {
					cards = []*skills.Card{}
				}
				return a.print(cards, cardsTable(cards))
			})
		},
	}

	cmd.AddCommand(refresh, show, list)
	return cmd
}

func cardsTable(cards []*skills.Card) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "DOER\tPOLICY\t7D\t30D\tBEST MODELS\tUPDATED")
		for _, c := range cards {
			fmt.Fprintf(w, "%s\t%s\t%+.4f\t%+.4f\t%s\t%s\n", c.Doer, orDash(c.CurrentPolicy), c.LossDelta7d, c.LossDelta30d,
				orDash(strings.Join(c.BestModels, ", ")), c.LastUpdated.Format(time.RFC3339))
		}
	}
}

func cardTable(c *skills.Card) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "DOER\t%s\n", c.Doer)
		fmt.Fprintf(w, "POLICY\t%s\n", orDash(c.CurrentPolicy))
		fmt.Fprintf(w, "LOSS DELTA\t%+.4f (7d)  %+.4f (30d)\n", c.LossDelta7d, c.LossDelta30d)
		fmt.Fprintf(w, "STRENGTHS\t%s\n", orDash(strings.Join(c.Strengths, ", ")))
		fmt.Fprintf(w, "WEAKNESSES\t%s\n", orDash(strings.Join(c.Weaknesses, ", ")))
		fmt.Fprintf(w, "BEST MODELS\t%s\n", orDash(strings.Join(c.BestModels, ", ")))
		fmt.Fprintf(w, "FAILURE MODES\t%s\n", orDash(strings.Join(c.FailureModes, ", ")))
		for _, e := range c.Experiments {
			delta := "-"
			if e.CRLDelta != nil {
				delta = fmt.Sprintf("%+.4f", *e.CRLDelta)
			}
			fmt.Fprintf(w, "EXPERIMENT\t%s %s %s %s\n", e.ID, e.Type, e.Status, delta)
		}
		fmt.Fprintf(w, "UPDATED\t%s\n", c.LastUpdated.Format(time.RFC3339))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
