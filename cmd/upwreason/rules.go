package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orneryd/upwreason/pkg/storage"
)

func newRulesCmd(opts *options) *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inference rule operations",
	}

	rulesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered rules",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			rules := a.engine.ListRules()
			return a.out.print(rules, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tCATEGORY\tNAME\tLIMIT")
				for _, r := range rules {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.ID, r.Category, r.Name, r.Limit)
				}
			})
		}),
	})

	rulesCmd.AddCommand(&cobra.Command{
		Use:   "check [rule-id]",
		Short: "Preview what a rule would infer, without writing",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			res, err := a.engine.Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.out.print(res, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "%s: %d candidate(s)", res.Rule.ID, res.Count)
				if res.Truncated > 0 {
					fmt.Fprintf(tw, ", %d beyond limit", res.Truncated)
				}
				fmt.Fprintln(tw)
				for _, c := range res.Candidates {
					fmt.Fprintf(tw, "  %s\t%s\n", c.Key[:min(12, len(c.Key))], kv(c.Summary))
				}
			})
		}),
	})

	rulesCmd.AddCommand(&cobra.Command{
		Use:   "apply [rule-id]",
		Short: "Apply a rule and materialize its inferences",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			res, err := a.engine.Apply(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.out.print(res, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "%s: %s\n", res.RuleID, res.Message)
				for _, item := range res.Items {
					fmt.Fprintf(tw, "  +\t%s\n", kv(item.Summary))
				}
				for _, e := range res.Errors {
					fmt.Fprintf(tw, "  !\t%s\n", e)
				}
			})
		}),
	})

	rulesCmd.AddCommand(&cobra.Command{
		Use:   "run-all",
		Short: "Apply every rule in catalog order",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			res, err := a.engine.RunAll(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.print(res, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "RULE\tSTATUS\tCOUNT\tMESSAGE")
				for _, r := range res.Results {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.RuleID, r.Status, r.Count, r.Message)
				}
				fmt.Fprintf(tw, "total inferred: %d\n", res.TotalInferred)
			})
		}),
	})

	rulesCmd.AddCommand(&cobra.Command{
		Use:   "trace [rule-id]",
		Short: "Apply a rule and print its reasoning trace",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			trace, err := a.engine.Trace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.out.print(trace, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "trace %s (%s) %s in %v\n", trace.ID, trace.RuleID, trace.Result, trace.Duration())
				for _, s := range trace.Steps {
					fmt.Fprintf(tw, "  %d\t%s\t%d\t%s\n", s.StepNumber, s.Stage, s.ResultCount, s.Description)
				}
				fmt.Fprintf(tw, "evidence: %d item(s)\n", len(trace.Evidence))
				for _, e := range trace.Errors {
					fmt.Fprintf(tw, "error: %s\n", e)
				}
				fmt.Fprintln(tw, trace.Summary)
			})
		}),
	})

	return rulesCmd
}

func newInferredCmd(opts *options) *cobra.Command {
	inferredCmd := &cobra.Command{
		Use:   "inferred",
		Short: "Inspect or clear inferred facts",
	}

	inferredCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count inferred nodes and relationships",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			stats, err := a.engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.print(stats, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "nodes\t%d\t%s\n", stats.TotalNodes, countMap(stats.NodesByLabel))
				fmt.Fprintf(tw, "relationships\t%d\t%s\n", stats.TotalEdges, countMap(stats.EdgesByType))
			})
		}),
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest inferred facts",
		Args:  cobra.NoArgs,
	}
	limit := listCmd.Flags().Int("limit", 50, "Maximum nodes and relationships to list")
	listCmd.RunE = withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
		facts, err := a.engine.InferredFacts(cmd.Context(), *limit)
		if err != nil {
			return err
		}
		return a.out.print(facts, func(tw *tabwriter.Writer) {
			for _, n := range facts.Nodes {
				fmt.Fprintf(tw, "node\t%v\t%s\t%s\n", n.Labels, n.InferredBy, n.InferredAt.Format("2006-01-02 15:04:05"))
			}
			for _, r := range facts.Relationships {
				fmt.Fprintf(tw, "rel\t%s -[%s]-> %s\t%s\t%s\n", r.SourceName, r.Type, r.TargetName, r.InferredBy, r.InferredAt.Format("2006-01-02 15:04:05"))
			}
		})
	})
	inferredCmd.AddCommand(listCmd)

	inferredCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every inferred fact",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			res, err := a.engine.ClearInferred(cmd.Context())
			if err != nil {
				return err
			}
			return a.out.print(res, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, res.Message)
			})
		}),
	})

	return inferredCmd
}

func newLoadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "load [fixture]",
		Short: "Import a fixture into the store",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			res, err := storage.LoadFixture(a.store, args[0])
			if err != nil {
				return err
			}
			return a.out.print(res, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "imported %d nodes, %d edges\n", res.NodesImported, res.EdgesImported)
			})
		}),
	}
}
