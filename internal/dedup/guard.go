// Package dedup suppresses repeated notifications in three tiers: exact
// fingerprint, near-duplicate MinHash sketch, and per-topic cooldown.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/fatigue"
	"github.com/gyaneshwarpardhi/npe/internal/kv"
	"github.com/gyaneshwarpardhi/npe/internal/metrics"
)

// Cooldown actions.
const (
	CooldownDefer    = "defer"
	CooldownSuppress = "suppress"
)

// Suppression reasons.
const (
	ReasonExact    = "exact_duplicate"
	ReasonNear     = "near_duplicate"
	ReasonCooldown = "topic_cooldown"
)

// Config tunes the guard. Zero values are replaced by defaults.
type Config struct {
	ExactTTL       time.Duration
	NearTTL        time.Duration
	Threshold      float64
	MinNearLength  int
	MaxSketches    int
	Cooldown       time.Duration
	CooldownAction string
}

func (c Config) withDefaults() Config {
	if c.ExactTTL <= 0 {
		c.ExactTTL = time.Hour
	}
	if c.NearTTL <= 0 {
		c.NearTTL = 24 * time.Hour
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.85
	}
	if c.MinNearLength <= 0 {
		c.MinNearLength = 20
	}
	if c.MaxSketches <= 0 {
		c.MaxSketches = 50
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	if c.CooldownAction == "" {
		c.CooldownAction = CooldownDefer
	}
	return c
}

// Outcome is the guard's verdict. Decision is empty when the event passed.
type Outcome struct {
	Decision    decision.Decision
	Reason      string
	Fingerprint string
	// NotBefore is when a cooldown-deferred event may be delivered.
	NotBefore *time.Time
	Steps     []decision.Step
}

// Guard runs the three dedup tiers.
type Guard struct {
	store   kv.Store
	fatigue *fatigue.Tracker
	hasher  *MinHasher
	cfg     Config
	log     *slog.Logger
}

// NewGuard builds a guard over store.
func NewGuard(store kv.Store, tracker *fatigue.Tracker, hasher *MinHasher, cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, fatigue: tracker, hasher: hasher, cfg: cfg.withDefaults(), log: logger}
}

// WithConfig returns a copy of the guard using cfg. The store and hasher are shared.
func (g *Guard) WithConfig(cfg Config) *Guard {
	c := *g
	c.cfg = cfg.withDefaults()
	return &c
}

func exactKey(fp string) string { return "dedup:exact:" + fp }

func sketchKey(userID, topic string) string {
	return fmt.Sprintf("dedup:lsh:%s:%s", userID, topic)
}

// Check runs the tiers in order and stops at the first hit. A store error
// degrades the affected tier to PASS and is recorded in the steps.
func (g *Guard) Check(ctx context.Context, ev *event.Event, now time.Time) Outcome {
	out := Outcome{Fingerprint: Fingerprint(ev)}

	if g.checkExact(ctx, ev, &out) {
		return out
	}
	if utf8.RuneCountInString(ev.Message) > g.cfg.MinNearLength {
		if g.checkNear(ctx, ev, &out) {
			return out
		}
	} else {
		out.Steps = append(out.Steps, decision.Step{
			Layer: decision.LayerDedup, Check: "near_duplicate", Result: decision.ResultSkipped,
			Detail: fmt.Sprintf("message of %d characters or fewer", g.cfg.MinNearLength),
		})
	}
	g.checkCooldown(ctx, ev, now, &out)
	return out
}

func (g *Guard) checkExact(ctx context.Context, ev *event.Event, out *Outcome) bool {
	fresh, err := g.store.SetNX(ctx, exactKey(out.Fingerprint), ev.ID, g.cfg.ExactTTL)
	if err != nil {
		g.log.Warn("dedup store unavailable", "tier", "exact", "event_id", ev.ID, "err", err)
		out.Steps = append(out.Steps, degraded("exact_duplicate"))
		return false
	}
	if !fresh {
		metrics.DedupSuppressed.WithLabelValues("exact").Inc()
		out.Decision, out.Reason = decision.Never, ReasonExact
		out.Steps = append(out.Steps, decision.Step{
			Layer: decision.LayerDedup, Check: "exact_duplicate", Result: decision.ResultSuppress,
			Detail: fmt.Sprintf("fingerprint %s… seen within %s", out.Fingerprint[:12], g.cfg.ExactTTL),
		})
		return true
	}
	out.Steps = append(out.Steps, decision.Step{
		Layer: decision.LayerDedup, Check: "exact_duplicate", Result: decision.ResultPass,
	})
	return false
}

func (g *Guard) checkNear(ctx context.Context, ev *event.Event, out *Outcome) bool {
	key := sketchKey(ev.UserID, ev.Topic())
	sig := g.hasher.Sign(ev.Message)

	stored, err := g.store.Range(ctx, key)
	if err != nil {
		g.log.Warn("dedup store unavailable", "tier", "near", "event_id", ev.ID, "err", err)
		out.Steps = append(out.Steps, degraded("near_duplicate"))
		return false
	}
	for _, raw := range stored {
		prev, err := DecodeSignature(raw)
		if err != nil || !g.hasher.Candidate(sig, prev) {
			continue
		}
		if sim := Similarity(sig, prev); sim >= g.cfg.Threshold {
			metrics.DedupSuppressed.WithLabelValues("near").Inc()
			out.Decision, out.Reason = decision.Never, ReasonNear
			out.Steps = append(out.Steps, decision.Step{
				Layer: decision.LayerDedup, Check: "near_duplicate", Result: decision.ResultSuppress,
				Detail: fmt.Sprintf("estimated Jaccard %.2f >= %.2f", sim, g.cfg.Threshold),
			})
			return true
		}
	}

	if err := g.store.PushCapped(ctx, key, sig.Encode(), g.cfg.MaxSketches, g.cfg.NearTTL); err != nil {
		g.log.Warn("sketch not stored", "event_id", ev.ID, "err", err)
	}
	out.Steps = append(out.Steps, decision.Step{
		Layer: decision.LayerDedup, Check: "near_duplicate", Result: decision.ResultPass,
		Detail: fmt.Sprintf("compared against %d recent sketches", len(stored)),
	})
	return false
}

func (g *Guard) checkCooldown(ctx context.Context, ev *event.Event, now time.Time, out *Outcome) {
	if ev.Critical() {
		out.Steps = append(out.Steps, decision.Step{
			Layer: decision.LayerDedup, Check: "cooldown", Result: decision.ResultBypass,
			Detail: "critical priority bypasses cooldown",
		})
		return
	}
	last, ok, err := g.fatigue.LastSend(ctx, ev.UserID, ev.Topic())
	if err != nil {
		g.log.Warn("dedup store unavailable", "tier", "cooldown", "event_id", ev.ID, "err", err)
		out.Steps = append(out.Steps, degraded("cooldown"))
		return
	}
	if !ok || now.Sub(last) >= g.cfg.Cooldown {
		out.Steps = append(out.Steps, decision.Step{
			Layer: decision.LayerDedup, Check: "cooldown", Result: decision.ResultPass,
		})
		return
	}

	until := last.Add(g.cfg.Cooldown)
	remaining := until.Sub(now).Round(time.Second)
	metrics.DedupSuppressed.WithLabelValues("cooldown").Inc()
	out.Reason = ReasonCooldown
	step := decision.Step{Layer: decision.LayerDedup, Check: "cooldown"}
	if g.cfg.CooldownAction == CooldownSuppress {
		out.Decision = decision.Never
		step.Result = decision.ResultSuppress
		step.Detail = fmt.Sprintf("topic %s in cooldown for %s, action=suppress", ev.Topic(), remaining)
	} else {
		out.Decision = decision.Later
		out.NotBefore = &until
		step.Result = decision.ResultDefer
		step.Detail = fmt.Sprintf("topic %s in cooldown for %s, action=defer", ev.Topic(), remaining)
	}
	out.Steps = append(out.Steps, step)
}

func degraded(check string) decision.Step {
	return decision.Step{
		Layer: decision.LayerDedup, Check: check, Result: decision.ResultDegraded,
		Detail: "store unavailable, passing through",
	}
}
