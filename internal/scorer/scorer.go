// Package scorer computes an event's priority score, preferring an external
// model behind a circuit breaker and falling back to a local heuristic.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/enrich"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/metrics"
)

// Weights of the combined score.
const (
	WeightUrgency    = 0.35
	WeightEngagement = 0.25
	WeightFatigue    = 0.25
	WeightRecency    = 0.15
)

// Components are the four score inputs, each in [0,1].
type Components struct {
	Urgency        float64 `json:"urgency"`
	Engagement     float64 `json:"engagement"`
	FatiguePenalty float64 `json:"fatigue_penalty"`
	RecencyBonus   float64 `json:"recency_bonus"`
}

func clamp01(v float64) float64 { return max(0, min(v, 1)) }

func (c Components) valid() bool {
	for _, v := range []float64{c.Urgency, c.Engagement, c.FatiguePenalty, c.RecencyBonus} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Clamped returns c with every component clamped to [0,1].
func (c Components) Clamped() Components {
	return Components{
		Urgency:        clamp01(c.Urgency),
		Engagement:     clamp01(c.Engagement),
		FatiguePenalty: clamp01(c.FatiguePenalty),
		RecencyBonus:   clamp01(c.RecencyBonus),
	}
}

// Combine is the weighted score over clamped components, itself clamped to
// [0,1].
func (c Components) Combine() float64 {
	k := c.Clamped()
	s := WeightUrgency*k.Urgency + WeightEngagement*k.Engagement - WeightFatigue*k.FatiguePenalty + WeightRecency*k.RecencyBonus
	return clamp01(s)
}

// Thresholds map a score to a decision.
type Thresholds struct {
	Now   float64
	Later float64
}

// DefaultThresholds are 0.75 for NOW and 0.40 for LATER.
var DefaultThresholds = Thresholds{Now: 0.75, Later: 0.40}

// Decide maps score to NOW, LATER or NEVER.
func (t Thresholds) Decide(score float64) decision.Decision {
	switch {
	case score >= t.Now:
		return decision.Now
	case score >= t.Later:
		return decision.Later
	default:
		return decision.Never
	}
}

// Result is the scorer's output.
type Result struct {
	Components
	Score        float64
	Decision     decision.Decision
	AIUsed       bool
	FallbackUsed bool
	// SafeDefault is set when neither strategy produced a score; Decision
	// is then LATER and Score is meaningless.
	SafeDefault bool
	Reasoning   string
	Step        decision.Step
}

// Config holds tunables that can change at runtime.
type Config struct {
	Thresholds Thresholds
	Cooldown   time.Duration
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Thresholds.Now <= 0 {
		c.Thresholds = DefaultThresholds
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 1500 * time.Millisecond
	}
	return c
}

// Scorer picks a strategy per call. It is safe for concurrent use.
type Scorer struct {
	model    Model
	breaker  *Breaker
	fallback func(*event.Event, *enrich.Context, time.Duration) Components
	cfg      Config
	log      *slog.Logger
}

// New creates a Scorer. model may be nil, in which case every call uses the
// heuristic.
func New(model Model, breaker *Breaker, cfg Config, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0, nil)
	}
	return &Scorer{model: model, breaker: breaker, fallback: Heuristic, cfg: cfg.withDefaults(), log: logger}
}

// WithConfig returns a copy using cfg. The breaker is shared with s.
func (s *Scorer) WithConfig(cfg Config) *Scorer {
	c := *s
	c.cfg = cfg.withDefaults()
	return &c
}

// Breaker exposes the shared breaker.
func (s *Scorer) Breaker() *Breaker { return s.breaker }

// Score never fails. The external model is used when configured and the
// breaker admits the call; everything else lands on the heuristic, and a
// heuristic that cannot compute yields the safe default LATER.
func (s *Scorer) Score(ctx context.Context, ev *event.Event, c *enrich.Context) Result {
	if s.model == nil {
		return s.heuristic(ev, c, "no_model")
	}
	if err := s.breaker.Allow(); err != nil {
		metrics.ScorerCalls.WithLabelValues("llm", "open").Inc()
		return s.heuristic(ev, c, "circuit_breaker_open")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	comps, reasoning, err := s.model.Score(callCtx, ev, c)
	cancel()
	if err == nil && !comps.valid() {
		err = fmt.Errorf("%w: non-finite component", ErrBadResponse)
	}

	switch {
	case err == nil:
		s.breaker.Record(nil)
	case errors.Is(err, ErrRateLimited), ctx.Err() != nil:
		// Neither a local budget nor a caller abort says anything about
		// the dependency's health.
		s.breaker.Release()
	default:
		s.breaker.Record(err)
	}

	if err != nil {
		reason := "model_error"
		outcome := "error"
		switch {
		case errors.Is(err, ErrRateLimited):
			reason, outcome = "rate_limited", "rate_limited"
		case errors.Is(err, context.DeadlineExceeded):
			reason, outcome = "model_timeout", "timeout"
		}
		metrics.ScorerCalls.WithLabelValues("llm", outcome).Inc()
		s.log.Warn("model scoring failed, using heuristic", "event_id", ev.ID, "user_id", ev.UserID, "err", err)
		return s.heuristic(ev, c, reason)
	}

	metrics.ScorerCalls.WithLabelValues("llm", "ok").Inc()
	res := s.result(comps.Clamped(), reasoning)
	res.AIUsed = true
	res.Step = s.step("llm", res)
	return res
}

func (s *Scorer) heuristic(ev *event.Event, c *enrich.Context, why string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("heuristic scorer panicked", "event_id", ev.ID, "panic", r)
			res = s.safeDefault(fmt.Sprintf("heuristic failed (%v)", r))
		}
	}()

	comps := s.fallback(ev, c, s.cfg.Cooldown)
	if !comps.valid() {
		metrics.ScorerCalls.WithLabelValues("heuristic", "error").Inc()
		return s.safeDefault("heuristic produced a non-finite component")
	}
	metrics.ScorerCalls.WithLabelValues("heuristic", "ok").Inc()

	k := comps.Clamped()
	res = s.result(k, fmt.Sprintf("heuristic (%s): urgency=%.2f, fatigue=%.2f", why, k.Urgency, k.FatiguePenalty))
	res.FallbackUsed = true
	res.Step = s.step("heuristic_fallback", res)
	return res
}

func (s *Scorer) result(k Components, reasoning string) Result {
	score := k.Combine()
	return Result{
		Components: k,
		Score:      score,
		Decision:   s.cfg.Thresholds.Decide(score),
		Reasoning:  reasoning,
	}
}

func (s *Scorer) safeDefault(detail string) Result {
	return Result{
		Decision:     decision.Later,
		FallbackUsed: true,
		SafeDefault:  true,
		Reasoning:    detail,
		Step: decision.Step{
			Layer: decision.LayerScorer, Check: "safe_default", Result: decision.Later.Upper(),
			Detail: detail + ", deferring",
		},
	}
}

func (s *Scorer) step(check string, r Result) decision.Step {
	return decision.Step{
		Layer:  decision.LayerScorer,
		Check:  check,
		Result: r.Decision.Upper(),
		Detail: fmt.Sprintf("score=%.3f | urgency=%.2f | engagement=%.2f | fatigue=%.2f | recency=%.2f | %s",
			r.Score, r.Urgency, r.Engagement, r.FatiguePenalty, r.RecencyBonus, r.Reasoning),
	}
}
