// Package engine runs events through the decision pipeline:
// L0 expiry, L1 dedup, L2 rules, L3 enrichment, L4 scoring, L5 arbitration
// and L6 dispatch.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/arbiter"
	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/dedup"
	"github.com/gyaneshwarpardhi/npe/internal/enrich"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/metrics"
	"github.com/gyaneshwarpardhi/npe/internal/profile"
	"github.com/gyaneshwarpardhi/npe/internal/rules"
	"github.com/gyaneshwarpardhi/npe/internal/scorer"
)

// Dispatcher commits a final decision.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.Event, res *decision.Result, prof *profile.Profile) error
}

// Deps are the pipeline stages.
type Deps struct {
	Rules      *rules.Engine
	Guard      *dedup.Guard
	Enricher   *enrich.Enricher
	Scorer     *scorer.Scorer
	Arbiter    *arbiter.Arbiter
	Dispatcher Dispatcher
}

// Conf sizes the batch worker pool.
type Conf struct {
	BatchWorkers int
	QueueDepth   int
}

// Tunables are the settings that can change without a restart.
type Tunables struct {
	Dedup         dedup.Config
	Caps          enrich.Caps
	EnrichTimeout time.Duration
	Scorer        scorer.Config
}

// stages is the swappable part of the pipeline.
type stages struct {
	guard    *dedup.Guard
	enricher *enrich.Enricher
	scorer   *scorer.Scorer
	arbiter  *arbiter.Arbiter
}

// Engine evaluates events. It is safe for concurrent use.
type Engine struct {
	stages atomic.Pointer[stages]
	rules  *rules.Engine
	disp   Dispatcher
	pool   *workerPool[*evalWork]
	log    *slog.Logger
	now    func() time.Time
}

type evalWork struct {
	ctx  context.Context
	ev   *event.Event
	done func(*decision.Result)
}

// New creates an Engine and starts its batch workers.
func New(deps Deps, conf Conf, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if conf.BatchWorkers <= 0 {
		conf.BatchWorkers = 20
	}
	if conf.QueueDepth <= 0 {
		conf.QueueDepth = event.MaxBatchSize
	}
	e := &Engine{rules: deps.Rules, disp: deps.Dispatcher, log: logger, now: time.Now}
	e.stages.Store(&stages{guard: deps.Guard, enricher: deps.Enricher, scorer: deps.Scorer, arbiter: deps.Arbiter})
	e.pool = newWorkerPool(conf.BatchWorkers, conf.QueueDepth, func(w *evalWork) {
		w.done(e.Evaluate(w.ctx, w.ev))
	})
	return e
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ApplyConfig atomically swaps the tunable stages. Evaluations already in
// flight finish with the stages they started with.
func (e *Engine) ApplyConfig(t Tunables) {
	cur := e.stages.Load()
	e.stages.Store(&stages{
		guard:    cur.guard.WithConfig(t.Dedup),
		enricher: cur.enricher.WithLimits(t.Caps, t.EnrichTimeout),
		scorer:   cur.scorer.WithConfig(t.Scorer),
		arbiter:  arbiter.New(t.Scorer.Thresholds),
	})
}

// Evaluate runs one event through the pipeline. It always returns a
// decision: a stage that fails or panics yields LATER with a
// pipeline_error step.
func (e *Engine) Evaluate(ctx context.Context, ev *event.Event) *decision.Result {
	start := time.Now()
	now := e.now()
	res := &decision.Result{
		EventID:     ev.ID,
		UserID:      ev.UserID,
		Channel:     string(ev.Channel),
		ProcessedAt: now,
	}

	prof, err := e.decide(ctx, ev, res, now)
	if err != nil {
		e.log.Error("pipeline failed, deferring", "event_id", ev.ID, "user_id", ev.UserID, "err", err)
		res.Decision, res.Score, res.ScheduledAt = decision.Later, nil, nil
		res.FallbackUsed = true
		res.ReasonChain = append(res.ReasonChain, decision.Step{
			Layer: decision.LayerArbiter, Check: "pipeline_error", Result: decision.Later.Upper(),
			Detail: fmt.Sprintf("%v, safe default", err),
		})
		prof = nil
	}

	if err := e.dispatch(ctx, ev, res, prof); err != nil {
		e.log.Error("dispatch failed", "event_id", ev.ID, "user_id", ev.UserID, "err", err)
		if res.DispatchStatus == "" {
			res.DispatchStatus = decision.DispatchFailed
		}
	}

	elapsed := time.Since(start)
	metrics.Decisions.WithLabelValues(string(res.Decision)).Inc()
	metrics.PipelineDuration.Observe(float64(elapsed.Microseconds()) / 1000)
	attrs := []any{
		"event_id", ev.ID, "user_id", ev.UserID, "decision", res.Decision,
		"ai_used", res.AIUsed, "elapsed_ms", elapsed.Milliseconds(),
	}
	if res.Score != nil {
		attrs = append(attrs, "score", *res.Score)
	}
	e.log.Info("pipeline.complete", attrs...)
	return res
}

func (e *Engine) decide(ctx context.Context, ev *event.Event, res *decision.Result, now time.Time) (prof *profile.Profile, err error) {
	var chain decision.Chain
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		res.ReasonChain = chain.Steps()
	}()

	st := e.stages.Load()
	finish := func(t arbiter.Terminal) {
		out := st.arbiter.PassThrough(ev, t)
		chain.Append(out.Steps...)
		res.Decision, res.ScheduledAt = out.Decision, out.ScheduledAt
	}

	// L0
	if ev.Expired(now) {
		chain.Addf(decision.LayerIngest, "expired", decision.ResultFail, "expired at %s", ev.ExpiresAt.Format(time.RFC3339))
		finish(arbiter.Terminal{Decision: decision.Never, Check: "expired"})
		return nil, nil
	}
	chain.Add(decision.LayerIngest, "expired", decision.ResultPass, "")

	// L1
	dd := st.guard.Check(ctx, ev, now)
	chain.Append(dd.Steps...)
	if dd.Decision != "" {
		finish(arbiter.Terminal{Decision: dd.Decision, Check: dd.Reason, NotBefore: dd.NotBefore})
		return nil, nil
	}

	// L2
	verdict := e.rules.Evaluate(ev, now)
	chain.Append(verdict.Steps...)
	if verdict.Terminal() {
		res.RuleMatched = verdict.Rule
		finish(arbiter.Terminal{Decision: verdict.Decision, Check: "rule:" + verdict.Rule, Rule: verdict.Rule})
		return nil, nil
	}

	// L3
	er := st.enricher.Enrich(ctx, ev, now)
	chain.Append(er.Steps...)
	prof = er.Context.Profile
	if er.Decision != "" {
		finish(arbiter.Terminal{Decision: er.Decision, Check: "user_opted_out"})
		return prof, nil
	}

	// L4
	sr := st.scorer.Score(ctx, ev, er.Context)
	chain.Append(sr.Step)
	res.AIUsed, res.FallbackUsed = sr.AIUsed, sr.FallbackUsed
	if !sr.SafeDefault {
		score := sr.Score
		res.Score = &score
	}

	// L5
	out := st.arbiter.Decide(arbiter.Input{Event: ev, Rules: verdict, Context: er.Context, Score: sr}, now)
	chain.Append(out.Steps...)
	res.Decision, res.ScheduledAt, res.Channel = out.Decision, out.ScheduledAt, string(out.Channel)
	switch {
	case out.Reason == "quiet_hours":
		res.RuleMatched = verdict.QuietRule
	case verdict.ChannelRule != "":
		res.RuleMatched = verdict.ChannelRule
	}
	return prof, nil
}

func (e *Engine) dispatch(ctx context.Context, ev *event.Event, res *decision.Result, prof *profile.Profile) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	if e.disp == nil {
		res.DispatchStatus = decision.DispatchSkipped
		return nil
	}
	return e.disp.Dispatch(ctx, ev, res, prof)
}

// EvaluateBatch evaluates evs on the worker pool and returns one result
// per input, in input order.
func (e *Engine) EvaluateBatch(ctx context.Context, evs []*event.Event) []*decision.Result {
	out := make([]*decision.Result, len(evs))
	var wg sync.WaitGroup
	for i, ev := range evs {
		wg.Add(1)
		w := &evalWork{ctx: ctx, ev: ev, done: func(r *decision.Result) {
			out[i] = r
			wg.Done()
		}}
		if err := e.pool.Submit(ctx, w); err != nil {
			// Still answer: evaluate on the caller's goroutine.
			w.done(e.Evaluate(ctx, ev))
		}
	}
	metrics.BatchQueueUtilization.Set(e.QueueUtilization())
	wg.Wait()
	return out
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

// Shutdown waits for queued batch work to finish.
func (e *Engine) Shutdown() {
	e.pool.Drain()
}
