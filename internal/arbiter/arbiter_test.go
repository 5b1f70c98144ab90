package arbiter

import (
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/enrich"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/profile"
	"github.com/gyaneshwarpardhi/npe/internal/rules"
	"github.com/gyaneshwarpardhi/npe/internal/scorer"
)

var noon = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func ctxWith(hourly, daily int64, dnd bool) *enrich.Context {
	return &enrich.Context{
		HourlyCount: hourly, DailyCount: daily, HourlyCap: 5, DailyCap: 20,
		Profile: profile.Default("u1"), LocalHour: 12, DNDActive: dnd,
	}
}

func input(priority event.Priority, score float64, c *enrich.Context) Input {
	return Input{
		Event:   &event.Event{ID: "e1", UserID: "u1", EventType: "order_shipped", Channel: event.ChannelPush, PriorityHint: priority},
		Context: c,
		Score:   scorer.Result{Score: score},
	}
}

func last(o Outcome) decision.Step { return o.Steps[len(o.Steps)-1] }

func TestDecide(t *testing.T) {
	a := New(scorer.DefaultThresholds)
	cases := []struct {
		name   string
		in     Input
		want   decision.Decision
		reason string
	}{
		{"high score", input("", 0.8, ctxWith(0, 0, false)), decision.Now, "score_threshold"},
		{"mid score", input("", 0.5, ctxWith(0, 0, false)), decision.Later, "score_threshold"},
		{"low score", input("", 0.1, ctxWith(0, 0, false)), decision.Never, "score_threshold"},
		{"dnd downgrades", input("", 0.9, ctxWith(0, 0, true)), decision.Later, "dnd_active"},
		{"hourly cap downgrades", input("", 0.9, ctxWith(5, 5, false)), decision.Later, "hourly_cap"},
		{"daily cap downgrades", input("", 0.9, ctxWith(0, 20, false)), decision.Later, "daily_cap"},
		{"critical ignores dnd", input(event.PriorityCritical, 0.9, ctxWith(0, 0, true)), decision.Now, "score_threshold"},
		{"critical ignores caps", input(event.PriorityCritical, 0.9, ctxWith(9, 30, false)), decision.Now, "score_threshold"},
		{"caps never raise", input("", 0.1, ctxWith(9, 30, false)), decision.Never, "score_threshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := a.Decide(tc.in, noon)
			if out.Decision != tc.want || out.Reason != tc.reason {
				t.Fatalf("got %s/%s, want %s/%s", out.Decision, out.Reason, tc.want, tc.reason)
			}
			if s := last(out); s.Check != "final_decision" || s.Layer != decision.LayerArbiter || s.Result != tc.want.Upper() {
				t.Errorf("bad closing step %+v", s)
			}
			if (out.Decision == decision.Later) != (out.ScheduledAt != nil) {
				t.Errorf("ScheduledAt = %v for %s", out.ScheduledAt, out.Decision)
			}
		})
	}
}

func TestDecideQuietHoursRule(t *testing.T) {
	in := input("", 0.9, ctxWith(0, 0, false))
	in.Rules = rules.Verdict{QuietHours: true, QuietRule: "night"}
	out := New(scorer.DefaultThresholds).Decide(in, noon)
	if out.Decision != decision.Later || out.Reason != "quiet_hours" {
		t.Fatalf("got %s/%s", out.Decision, out.Reason)
	}
}

func TestDecideChannel(t *testing.T) {
	a := New(scorer.DefaultThresholds)

	in := input("", 0.9, ctxWith(0, 0, false))
	in.Rules = rules.Verdict{ChannelBlocked: true, ChannelRule: "no push"}
	if out := a.Decide(in, noon); out.Decision != decision.Never || out.Reason != "channel_blocked" {
		t.Errorf("blocked channel: %s/%s", out.Decision, out.Reason)
	}

	in.Rules = rules.Verdict{Fallback: event.ChannelEmail, ChannelRule: "email only"}
	out := a.Decide(in, noon)
	if out.Decision != decision.Now || out.Channel != event.ChannelEmail {
		t.Errorf("reroute: %s via %s", out.Decision, out.Channel)
	}
}

func TestDecideSafeDefault(t *testing.T) {
	in := input("", 0, ctxWith(0, 0, false))
	in.Score = scorer.Result{SafeDefault: true, Decision: decision.Later}
	out := New(scorer.DefaultThresholds).Decide(in, noon)
	if out.Decision != decision.Later || out.Reason != "safe_default" {
		t.Fatalf("got %s/%s", out.Decision, out.Reason)
	}
}

func TestPassThrough(t *testing.T) {
	a := New(scorer.DefaultThresholds)
	ev := &event.Event{ID: "e1", Channel: event.ChannelPush}

	out := a.PassThrough(ev, Terminal{Decision: decision.Now, Check: "rule", Rule: "Force critical payment alerts"})
	if s := last(out); s.Check != "rule_override" || s.Result != "NOW" {
		t.Errorf("force rule closing step %+v", s)
	}

	nb := noon.Add(40 * time.Minute)
	out = a.PassThrough(ev, Terminal{Decision: decision.Later, Check: "cooldown", NotBefore: &nb})
	if out.ScheduledAt == nil || !out.ScheduledAt.Equal(nb) || out.Reason != "cooldown" {
		t.Errorf("cooldown deferral %+v", out)
	}

	out = a.PassThrough(ev, Terminal{Decision: decision.Never, Check: "expired"})
	if len(out.Steps) != 1 || out.Steps[0].Result != "NEVER" {
		t.Errorf("expired %+v", out.Steps)
	}
}

func TestPlanSendTime(t *testing.T) {
	p := profile.Default("u1")
	p.Heatmap[18] = 1
	for h := range p.Heatmap {
		if h != 18 {
			p.Heatmap[h] = 0.3
		}
	}
	at := PlanSendTime(p, noon.Add(7*time.Minute), nil)
	if want := time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC); !at.Equal(want) {
		t.Errorf("PlanSendTime = %v, want %v", at, want)
	}

	exp := noon.Add(2 * time.Hour)
	at = PlanSendTime(p, noon, &exp)
	if at.After(exp) {
		t.Errorf("scheduled %v after expiry %v", at, exp)
	}
	if want := time.Date(2026, 5, 4, 13, 45, 0, 0, time.UTC); !at.Equal(want) {
		t.Errorf("PlanSendTime with expiry = %v, want %v", at, want)
	}

	// Only 23:00 is outside DND.
	p.DNDStartHour, p.DNDEndHour = 0, 23
	p.Heatmap[23] = 0
	at = PlanSendTime(p, noon, nil)
	if want := time.Date(2026, 5, 4, 23, 0, 0, 0, time.UTC); !at.Equal(want) {
		t.Errorf("only 23:00 is outside DND, got %v", at)
	}
}

func TestPlanSendTimeSkipsDND(t *testing.T) {
	p := profile.Default("u1")
	p.Timezone = "America/New_York"
	late := time.Date(2026, 5, 4, 1, 30, 0, 0, time.UTC) // 21:30 local
	at := PlanSendTime(p, late, nil)
	if h := p.LocalHour(at); profile.DNDActive(p.DNDStartHour, p.DNDEndHour, h) {
		t.Errorf("planned inside DND: local hour %d", h)
	}
	if h := p.LocalHour(at); h != 8 {
		t.Errorf("flat heatmap should pick the first hour after DND, got %d", h)
	}
}

func TestPlanSendTimeNeverBeforeNow(t *testing.T) {
	p := profile.Default("u1")
	now := noon.Add(7 * time.Minute)
	exp := now.Add(2 * time.Minute)
	at := PlanSendTime(p, now, &exp)
	if at.Before(now) {
		t.Fatalf("PlanSendTime = %v, before now %v", at, now)
	}
	if at.After(exp) {
		t.Errorf("PlanSendTime = %v, after expiry %v", at, exp)
	}
}
