package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/npe/internal/profile"
	"github.com/gyaneshwarpardhi/npe/internal/rules"
	"github.com/gyaneshwarpardhi/npe/internal/store"
)

func intPtr(n int) *int { return &n }

func sampleRules() []*rules.Rule {
	return []*rules.Rule{
		{
			Name: "Force critical payment alerts", Type: rules.ForceNow, PriorityOrder: 1,
			Conditions: map[string]interface{}{"event_type": []interface{}{"payment_failed", "payment_declined"}},
		},
		{
			Name: "Force security alerts", Type: rules.ForceNow, PriorityOrder: 2,
			Conditions: map[string]interface{}{"event_type": []interface{}{"security_alert", "otp", "2fa", "login_attempt"}},
		},
		{
			Name: "Suppress all promos via SMS", Type: rules.ChannelOverride, PriorityOrder: 10,
			Conditions:   map[string]interface{}{"event_type": []interface{}{"promo_offer", "newsletter", "marketing"}},
			ActionParams: map[string]interface{}{"allowed_channels": []interface{}{"push", "email", "in_app"}},
		},
		{
			Name: "Suppress low-priority SMS", Type: rules.ForceNever, PriorityOrder: 15,
			Conditions: map[string]interface{}{"channel": "sms", "priority_hint": "low"},
		},
		{
			Name: "Quiet hours 22:00-08:00 UTC", Type: rules.QuietHours, PriorityOrder: 20,
			Conditions:   map[string]interface{}{},
			ActionParams: map[string]interface{}{"start_hour": 22, "end_hour": 8},
		},
	}
}

func sampleUsers() []*profile.Profile {
	alice := profile.Default("user_alice")
	alice.Timezone, alice.DNDStartHour, alice.DNDEndHour = "America/New_York", 22, 7
	alice.Segment, alice.HourlyCapOverride = "premium", intPtr(8)
	alice.OptedOutTopics = []string{"newsletter"}

	bob := profile.Default("user_bob")
	bob.Timezone, bob.DNDStartHour, bob.DNDEndHour = "Asia/Kolkata", 23, 6
	bob.OptedOutTopics = []string{"promo_offer", "marketing"}

	carol := profile.Default("user_carol")
	carol.Timezone, carol.DNDStartHour, carol.DNDEndHour = "Europe/London", 21, 9
	carol.Segment, carol.DailyCapOverride = "free", intPtr(5)

	return []*profile.Profile{alice, bob, carol}
}

func seedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert sample rules and user profiles",
		Long: `Insert the sample rule set and three sample users. Existing rules (by
name) and existing users are left untouched, so seeding twice is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return withStore(ctx, opts, func(st *store.Store) error {
				for _, r := range sampleRules() {
					r.Active = true
					if err := r.Validate(); err != nil {
						return err
					}
					err := st.CreateRule(ctx, r)
					switch {
					case errors.Is(err, store.ErrConflict):
						fmt.Fprintf(out, "[=] rule exists: %s\n", r.Name)
					case err != nil:
						return fmt.Errorf("seed rule %q: %w", r.Name, err)
					default:
						fmt.Fprintf(out, "[+] rule: %s\n", r.Name)
					}
				}
				for _, p := range sampleUsers() {
					_, err := st.GetProfile(ctx, p.UserID)
					switch {
					case err == nil:
						fmt.Fprintf(out, "[=] user exists: %s\n", p.UserID)
						continue
					case !errors.Is(err, store.ErrNotFound):
						return err
					}
					if err := st.SaveProfile(ctx, p); err != nil {
						return fmt.Errorf("seed user %s: %w", p.UserID, err)
					}
					fmt.Fprintf(out, "[+] user: %s\n", p.UserID)
				}
				return nil
			})
		},
	}
}
