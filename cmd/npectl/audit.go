package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/npe/internal/store"
)

func auditCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <event-id>",
		Short: "Print the decision and reason chain for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(st *store.Store) error {
				rec, err := st.Decision(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("audit %s: %w", args[0], err)
				}
				done, err := printStructured(cmd.OutOrStdout(), opts.outputFmt, rec)
				if done || err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				score := "-"
				if rec.Score != nil {
					score = strconv.FormatFloat(*rec.Score, 'f', 3, 64)
				}
				fmt.Fprintf(out, "event:    %s (%s)\n", rec.EventID, rec.EventType)
				fmt.Fprintf(out, "user:     %s\n", rec.UserID)
				fmt.Fprintf(out, "decision: %s  score=%s  ai_used=%t  fallback=%t\n", rec.Decision, score, rec.AIUsed, rec.FallbackUsed)
				if rec.ScheduledAt != nil {
					fmt.Fprintf(out, "scheduled: %s\n", rec.ScheduledAt.Format(time.RFC3339))
				}
				if rec.RuleMatched != "" {
					fmt.Fprintf(out, "rule:     %s\n", rec.RuleMatched)
				}
				fmt.Fprintf(out, "dispatch: %s (%d attempts)\n\n", rec.DispatchStatus, rec.DispatchAttempts)

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "LAYER\tCHECK\tRESULT\tDETAIL")
				for _, s := range rec.ReasonChain {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Layer, s.Check, s.Result, s.Detail)
				}
				return tw.Flush()
			})
		},
	}
}
