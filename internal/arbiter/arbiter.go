// Package arbiter merges the outputs of every earlier layer into the final
// decision and plans when deferred events should go out.
package arbiter

import (
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/enrich"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/rules"
	"github.com/gyaneshwarpardhi/npe/internal/scorer"
)

// Terminal is a decision fixed before arbitration.
type Terminal struct {
	Decision decision.Decision
	// Check names the layer check that fixed it, e.g. "expired".
	Check string
	// Rule is set when a force rule fixed the decision.
	Rule string
	// NotBefore is the earliest delivery time of a deferred event.
	NotBefore *time.Time
}

// Input is everything a non-terminal evaluation produced.
type Input struct {
	Event   *event.Event
	Rules   rules.Verdict
	Context *enrich.Context
	Score   scorer.Result
}

// Outcome is the arbiter's final word.
type Outcome struct {
	Decision    decision.Decision
	ScheduledAt *time.Time
	Channel     event.Channel
	// Reason is the check that won, e.g. "score_threshold" or "hourly_cap".
	Reason string
	Steps  []decision.Step
}

// Arbiter is stateless apart from its thresholds.
type Arbiter struct {
	thresholds scorer.Thresholds
}

func New(t scorer.Thresholds) *Arbiter {
	if t.Now <= 0 {
		t = scorer.DefaultThresholds
	}
	return &Arbiter{thresholds: t}
}

// PassThrough closes a terminal decision.
func (a *Arbiter) PassThrough(ev *event.Event, t Terminal) Outcome {
	out := Outcome{Decision: t.Decision, Channel: ev.Channel, Reason: t.Check}
	if t.Rule != "" {
		out.Reason = "rule_override"
		verb := "wins, immediate delivery"
		if t.Decision == decision.Never {
			verb = "wins, event suppressed"
		}
		out.Steps = append(out.Steps, decision.Step{
			Layer: decision.LayerArbiter, Check: "rule_override", Result: t.Decision.Upper(),
			Detail: fmt.Sprintf("hard rule %q %s", t.Rule, verb),
		})
		return out
	}

	detail := fmt.Sprintf("decided by %s", t.Check)
	if t.Decision == decision.Later && t.NotBefore != nil {
		at := *t.NotBefore
		out.ScheduledAt = &at
		detail += fmt.Sprintf(", not before %s", at.Format(time.RFC3339))
	}
	out.Steps = append(out.Steps, decision.Step{
		Layer: decision.LayerArbiter, Check: "final_decision", Result: t.Decision.Upper(), Detail: detail,
	})
	return out
}

// Decide applies, in order: channel blocking, score thresholds, quiet hours
// and DND, then hourly and daily caps. Critical events skip the last two.
func (a *Arbiter) Decide(in Input, now time.Time) Outcome {
	ev, c := in.Event, in.Context
	out := Outcome{Channel: ev.Channel}
	if in.Rules.Fallback != "" {
		out.Channel = in.Rules.Fallback
	}

	if in.Rules.ChannelBlocked {
		out.Decision, out.Reason = decision.Never, "channel_blocked"
		out.Steps = append(out.Steps, decision.Step{
			Layer: decision.LayerArbiter, Check: "channel_blocked", Result: decision.Never.Upper(),
			Detail: fmt.Sprintf("rule %q does not allow channel %s", in.Rules.ChannelRule, ev.Channel),
		})
		return out
	}

	if in.Score.SafeDefault {
		out.Decision, out.Reason = decision.Later, "safe_default"
	} else {
		out.Decision, out.Reason = a.thresholds.Decide(in.Score.Score), "score_threshold"
		out.Steps = append(out.Steps, decision.Step{
			Layer: decision.LayerArbiter, Check: "score_threshold", Result: out.Decision.Upper(),
			Detail: a.thresholdDetail(in.Score.Score, out.Decision),
		})
	}

	critical := ev.Critical()
	if out.Decision == decision.Now && !critical {
		switch {
		case in.Rules.QuietHours:
			a.downgrade(&out, "quiet_hours", fmt.Sprintf("quiet hours rule %q active", in.Rules.QuietRule))
		case c.DNDActive:
			a.downgrade(&out, "dnd_active", fmt.Sprintf("DND active (%02d-%02d local)", c.Profile.DNDStartHour, c.Profile.DNDEndHour))
		case c.HourlyCapHit():
			a.downgrade(&out, "hourly_cap", fmt.Sprintf("hourly cap hit (%d/%d on %s)", c.HourlyCount, c.HourlyCap, ev.Channel))
		case c.DailyCapHit():
			a.downgrade(&out, "daily_cap", fmt.Sprintf("daily cap hit (%d/%d)", c.DailyCount, c.DailyCap))
		}
	}

	if out.Decision == decision.Later {
		at := PlanSendTime(c.Profile, now, ev.ExpiresAt)
		out.ScheduledAt = &at
	}

	detail := fmt.Sprintf("decided by %s", out.Reason)
	if out.ScheduledAt != nil {
		detail += fmt.Sprintf(", scheduled for %s", out.ScheduledAt.Format(time.RFC3339))
	}
	if out.Channel != ev.Channel {
		detail += fmt.Sprintf(", via %s", out.Channel)
	}
	out.Steps = append(out.Steps, decision.Step{
		Layer: decision.LayerArbiter, Check: "final_decision", Result: out.Decision.Upper(), Detail: detail,
	})
	return out
}

func (a *Arbiter) downgrade(out *Outcome, check, detail string) {
	out.Decision, out.Reason = decision.Later, check
	out.Steps = append(out.Steps, decision.Step{
		Layer: decision.LayerArbiter, Check: check, Result: decision.Later.Upper(), Detail: detail + ", NOW downgraded to LATER",
	})
}

func (a *Arbiter) thresholdDetail(score float64, d decision.Decision) string {
	switch d {
	case decision.Now:
		return fmt.Sprintf("score %.3f >= %.2f", score, a.thresholds.Now)
	case decision.Later:
		return fmt.Sprintf("score %.3f in [%.2f, %.2f)", score, a.thresholds.Later, a.thresholds.Now)
	default:
		return fmt.Sprintf("score %.3f < %.2f", score, a.thresholds.Later)
	}
}
