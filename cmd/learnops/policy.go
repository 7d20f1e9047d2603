package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"learnops/internal/kernel"
	"learnops/pkg/policy"
)

func (a *app) policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage versioned policies",
		Long: `Manage versioned policy artifacts.

Lifecycle: draft -> shadow -> canary -> active -> archived. Promoting a policy
to active archives the doer's previous active policy.

Examples:
  learnops policy create --file coder-v3.json
  learnops policy get coder           # active policy
  learnops policy get coder --version v2
  learnops policy promote <id> --to canary --rationale "offline replay -0.04"
  learnops policy history coder`,
	}

	var file string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a draft policy from a JSON artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var art policy.Artifact
			if err := readJSONFile(file, &art); err != nil {
				return err
			}
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				id, err := k.Policies.Create(ctx, &art)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, id)
				return nil
			})
		},
	}
	create.Flags().StringVar(&file, "file", "", "Policy artifact JSON file")
	_ = create.MarkFlagRequired("file")

	var version string
	var verify bool
	get := &cobra.Command{
		Use:   "get <doer|id>",
		Short: "Show a doer's active policy, a specific version, or a policy by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				rec, err := k.Policies.Get(ctx, args[0], version)
				if err != nil && version == "" {
					if byID, idErr := k.Policies.GetByID(ctx, args[0]); idErr == nil {
						rec, err = byID, nil
					}
				}
				if err != nil {
					return err
				}
				if verify {
					if err := k.Policies.Verify(rec); err != nil {
						return err
					}
				}
				return a.print(rec, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "ID\t%s\n", rec.ID)
					fmt.Fprintf(w, "DOER\t%s\n", rec.Doer)
					fmt.Fprintf(w, "PHASE\t%s\n", rec.Phase)
					fmt.Fprintf(w, "VERSION\t%s\n", rec.Version)
					fmt.Fprintf(w, "STATUS\t%s\n", rec.Status)
					fmt.Fprintf(w, "SIGNATURE\t%s\n", rec.Provenance.Signature)
					fmt.Fprintf(w, "CREATED\t%s\n", rec.CreatedAt.Format(time.RFC3339))
				})
			})
		},
	}
	get.Flags().StringVar(&version, "version", "", "Version to fetch instead of the active policy")
	get.Flags().BoolVar(&verify, "verify", false, "Recompute and check the provenance signature")

	var target, rationale string
	promote := &cobra.Command{
		Use:   "promote <id>",
		Short: "Move a policy to a lifecycle status, walking through intermediate states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				to := policy.Status(target)
				var err error
				if to == policy.StatusArchived {
					err = k.Policies.Promote(ctx, args[0], to, rationale)
				} else {
					err = k.Policies.Advance(ctx, args[0], to, rationale)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "policy %s is now %s\n", args[0], to)
				return nil
			})
		},
	}
	promote.Flags().StringVar(&target, "to", string(policy.StatusActive), "Target status")
	promote.Flags().StringVar(&rationale, "rationale", "", "Why the policy is being promoted")

	var limit int
	history := &cobra.Command{
		Use:   "history <doer>",
		Short: "List a doer's policies, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				recs, err := k.Policies.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if recs == nil {
					recs = []*policy.Record{}
				}
				return a.print(recs, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ID\tVERSION\tPHASE\tSTATUS\tCREATED")
					for _, r := range recs {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Version, r.Phase, r.Status, r.CreatedAt.Format(time.RFC3339))
					}
				})
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "Maximum number of policies")

	log := &cobra.Command{
		Use:   "log <id>",
		Short: "Show a policy's promotion log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
				entries, err := k.Policies.PromotionLog(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(entries, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "TIME\tFROM\tTO\tRATIONALE")
					for _, e := range entries {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.From, e.To, e.Rationale)
					}
				})
			})
		},
	}

	cmd.AddCommand(create, get, promote, history, log)
	return cmd
}
