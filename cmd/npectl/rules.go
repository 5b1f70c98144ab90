package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/npe/internal/store"
)

func rulesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and toggle rules",
	}
	cmd.AddCommand(rulesListCmd(opts))
	cmd.AddCommand(rulesToggleCmd(opts))
	return cmd
}

func rulesListCmd(opts *options) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules by priority",
		Long: `List rules in evaluation priority order.

Examples:
  # Only rules the engine currently applies
  npectl rules list --active

  # As JSON
  npectl rules list -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(st *store.Store) error {
				rs, err := st.ListRules(cmd.Context(), activeOnly)
				if err != nil {
					return err
				}
				done, err := printStructured(cmd.OutOrStdout(), opts.outputFmt, rs)
				if done || err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPRIORITY\tACTIVE")
				for _, r := range rs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", r.ID, r.Name, r.Type, r.PriorityOrder, r.Active)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list active rules")
	return cmd
}

func rulesToggleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <rule-id>",
		Short: "Flip a rule between active and inactive",
		Long: `Flip a rule's active flag. A running server picks the change up on its
next rule refresh.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(st *store.Store) error {
				r, err := st.ToggleRule(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("toggle %s: %w", args[0], err)
				}
				done, err := printStructured(cmd.OutOrStdout(), opts.outputFmt, r)
				if done || err != nil {
					return err
				}
				state := "inactive"
				if r.Active {
					state = "active"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rule %q is now %s\n", r.Name, state)
				return nil
			})
		},
	}
}
