package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orneryd/upwreason/pkg/validation"
)

// checkOps binds the axiom or constraint side of the validator.
type checkOps struct {
	noun string
	list func(*validation.Validator) []validation.CheckInfo
	one  func(*validation.Validator, context.Context, string) (validation.CheckResult, error)
	all  func(*validation.Validator, context.Context) (validation.AggregateResult, error)
}

var (
	axiomOps = checkOps{
		noun: "axiom",
		list: (*validation.Validator).ListAxioms,
		one:  (*validation.Validator).CheckAxiom,
		all:  (*validation.Validator).CheckAllAxioms,
	}
	constraintOps = checkOps{
		noun: "constraint",
		list: (*validation.Validator).ListConstraints,
		one:  (*validation.Validator).ValidateConstraint,
		all:  (*validation.Validator).ValidateAllConstraints,
	}
)

func newAxiomsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "axioms",
		Short: "Ontology axiom checks",
	}
	cmd.AddCommand(newCheckListCmd(opts, axiomOps), newCheckRunCmd(opts, axiomOps, "check"))
	return cmd
}

func newConstraintsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "constraints",
		Short: "Data constraint validation",
	}
	cmd.AddCommand(newCheckListCmd(opts, constraintOps), newCheckRunCmd(opts, constraintOps, "validate"))
	return cmd
}

func newCheckListCmd(opts *options, ops checkOps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List registered %ss", ops.noun),
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			infos := ops.list(a.validator)
			return a.out.print(infos, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tTYPE\tSEVERITY\tNAME")
				for _, c := range infos {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Kind, c.Severity, c.Name)
				}
			})
		}),
	}
}

func newCheckRunCmd(opts *options, ops checkOps, verb string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " [id]",
		Short: fmt.Sprintf("Run one %s, or all of them when no id is given", ops.noun),
		Args:  cobra.MaximumNArgs(1),
	}
	strict := cmd.Flags().Bool("strict", false, "Exit with status 2 when any check fails")

	cmd.RunE = withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
		if len(args) == 1 {
			res, err := ops.one(a.validator, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.out.print(res, func(tw *tabwriter.Writer) { printCheck(tw, res, true) }); err != nil {
				return err
			}
			if *strict && !res.Passed {
				return errChecksFailed
			}
			return nil
		}

		agg, err := ops.all(a.validator, cmd.Context())
		if err != nil {
			return err
		}
		if err := a.out.print(agg, func(tw *tabwriter.Writer) {
			for _, res := range agg.Results {
				printCheck(tw, res, false)
			}
			fmt.Fprintf(tw, "%d/%d passed, %d violation(s)\n", agg.Passed, agg.Total, agg.TotalViolations)
		}); err != nil {
			return err
		}
		if *strict && agg.Failed > 0 {
			return errChecksFailed
		}
		return nil
	})
	return cmd
}

func printCheck(tw *tabwriter.Writer, res validation.CheckResult, verbose bool) {
	fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", res.ID, passFail(res.Passed), res.Severity, res.ViolationCount, res.Name)
	if res.Error != "" {
		fmt.Fprintf(tw, "  error:\t%s\n", res.Error)
	}
	if !verbose {
		return
	}
	for _, v := range res.Violations {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", v.SubjectID, v.Description, kv(v.Details))
	}
	if shown := len(res.Violations); shown < res.ViolationCount {
		fmt.Fprintf(tw, "  ... %d more\n", res.ViolationCount-shown)
	}
}
