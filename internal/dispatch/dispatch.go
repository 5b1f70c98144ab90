// Package dispatch commits decisions: queue publication, fatigue counters,
// digest batching and the audit trail.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/fatigue"
	"github.com/gyaneshwarpardhi/npe/internal/metrics"
	"github.com/gyaneshwarpardhi/npe/internal/profile"
	"github.com/gyaneshwarpardhi/npe/internal/queue"
	"github.com/gyaneshwarpardhi/npe/internal/store"
)

// Store is the persistence the dispatcher writes to.
type Store interface {
	InsertDecision(ctx context.Context, ev *event.Event, res *decision.Result, attempts int) error
	RecordDecision(ctx context.Context, ev *event.Event, res *decision.Result, attempts int) error
	MarkDispatch(ctx context.Context, eventID, status string, attempts int, step *decision.Step) error
	FailedDispatches(ctx context.Context, limit int) ([]*store.AuditRecord, error)
	AppendToBatch(ctx context.Context, userID, channel string, windowStart, flushAt time.Time, eventID string) (*store.Batch, bool, error)
	Profile(ctx context.Context, userID string) (*profile.Profile, bool, error)
}

// Config tunes retries, digest windows and publish rate.
type Config struct {
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	DigestWindow time.Duration
	// RatePerSec caps publishes per stream; zero means unlimited.
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	if c.DigestWindow <= 0 {
		c.DigestWindow = 30 * time.Minute
	}
	return c
}

// Delivery is the payload written to both streams.
type Delivery struct {
	Kind         string                 `json:"kind"`
	EventID      string                 `json:"event_id,omitempty"`
	UserID       string                 `json:"user_id"`
	EventType    string                 `json:"event_type,omitempty"`
	Title        string                 `json:"title"`
	Message      string                 `json:"message"`
	Source       string                 `json:"source,omitempty"`
	Channel      string                 `json:"channel"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ScheduledAt  *time.Time             `json:"scheduled_at,omitempty"`
	BatchID      string                 `json:"batch_id,omitempty"`
	Items        []DigestItem           `json:"items,omitempty"`
	DispatchedAt time.Time              `json:"dispatched_at"`
}

// DigestItem is one event inside a digest delivery.
type DigestItem struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
}

// Delivery kinds.
const (
	KindSingle    = "single"
	KindScheduled = "scheduled"
	KindDigest    = "digest"
)

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	pub      queue.Publisher
	tracker  *fatigue.Tracker
	store    Store
	cfg      Config
	limiters map[string]*rate.Limiter
	log      *slog.Logger
	now      func() time.Time
	rng      func() float64
}

func New(pub queue.Publisher, tracker *fatigue.Tracker, st Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		pub: pub, tracker: tracker, store: st, cfg: cfg, log: logger, now: time.Now,
		limiters: make(map[string]*rate.Limiter), rng: rand.Float64,
	}
	if cfg.RatePerSec > 0 {
		for _, s := range []string{queue.StreamImmediate, queue.StreamDeferred} {
			d.limiters[s] = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		}
	}
	return d
}

// SetClock replaces the time source.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Dispatch commits res. The result's DispatchStatus, BatchID, Channel and
// ReasonChain are updated in place. The commit is detached from ctx so a
// caller abort cannot leave counters and queue out of step. The returned
// error only reports a failed audit write; delivery failures are recorded
// on res instead.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event, res *decision.Result, prof *profile.Profile) error {
	ctx = context.WithoutCancel(ctx)
	if res.Channel == "" {
		res.Channel = string(ev.Channel)
	}

	attempts, step := d.commit(ctx, ev, res, prof)
	res.ReasonChain = append(res.ReasonChain, step)

	err := d.store.InsertDecision(ctx, ev, res, attempts)
	if errors.Is(err, store.ErrConflict) {
		// The first decision for this ID stays the audited one.
		d.log.Warn("event id already audited, keeping first record",
			"event_id", ev.ID, "user_id", ev.UserID, "decision", res.Decision)
		return nil
	}
	if err != nil {
		d.log.Error("audit write failed", "event_id", ev.ID, "user_id", ev.UserID, "err", err)
		return fmt.Errorf("record decision %s: %w", ev.ID, err)
	}
	return nil
}

// commit performs the side effects for the decision and returns the
// publish attempts made and the closing dispatch step.
func (d *Dispatcher) commit(ctx context.Context, ev *event.Event, res *decision.Result, prof *profile.Profile) (int, decision.Step) {
	now := d.now()
	switch res.Decision {
	case decision.Now:
		payload := d.single(ev, res, KindSingle, now)
		attempts, err := d.Deliver(ctx, queue.StreamImmediate, ev.UserID, payload)
		if err != nil {
			return attempts, d.failed(ev, res, queue.StreamImmediate, attempts, err)
		}
		d.count(ctx, ev, res, now, true)
		res.DispatchStatus = decision.DispatchOK
		return attempts, decision.Step{
			Layer: decision.LayerDispatch, Check: "enqueue_immediate", Result: decision.ResultOK,
			Detail: fmt.Sprintf("published to %s stream via %s after %d attempt(s)", queue.StreamImmediate, res.Channel, attempts),
		}

	case decision.Later:
		// A batch ID means an earlier commit already queued the event for
		// its digest; only the scheduled notice is still owed.
		detail := fmt.Sprintf("already in batch %s, scheduled notice republished", res.BatchID)
		if res.BatchID == "" {
			batch, err := d.batch(ctx, ev, res, prof, now)
			if err != nil {
				d.log.Error("digest batch failed", "event_id", ev.ID, "user_id", ev.UserID, "err", err)
				return 0, d.failed(ev, res, "digest", 0, err)
			}
			res.BatchID = batch.ID
			detail = fmt.Sprintf("batch %s flushes at %s", batch.ID, batch.FlushAt.Format(time.RFC3339))
		}
		payload := d.single(ev, res, KindScheduled, now)
		payload.BatchID = res.BatchID
		attempts, err := d.Deliver(ctx, queue.StreamDeferred, ev.UserID, payload)
		if err != nil {
			return attempts, d.failed(ev, res, queue.StreamDeferred, attempts, err)
		}
		d.count(ctx, ev, res, now, false)
		res.DispatchStatus = decision.DispatchOK
		return attempts, decision.Step{
			Layer: decision.LayerDispatch, Check: "digest_batch", Result: decision.ResultOK,
			Detail: detail,
		}

	default:
		res.DispatchStatus = decision.DispatchSkipped
		return 0, decision.Step{
			Layer: decision.LayerDispatch, Check: "audit_only", Result: decision.ResultSkipped,
			Detail: "suppressed, audit trail only",
		}
	}
}

// Deliver publishes payload with bounded, jittered retries and returns the
// number of attempts made.
func (d *Dispatcher) Deliver(ctx context.Context, stream, key string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode delivery: %w", err)
	}
	msg := queue.Message{Key: key, Payload: body, At: d.now()}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if lim := d.limiters[stream]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return attempt - 1, err
			}
		}
		lastErr = d.pub.Publish(ctx, stream, msg)
		if lastErr == nil {
			return attempt, nil
		}
		d.log.Warn("publish failed", "stream", stream, "key", key, "attempt", attempt, "err", lastErr)
		if attempt == d.cfg.MaxAttempts {
			break
		}
		t := time.NewTimer(d.retryDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
	return d.cfg.MaxAttempts, lastErr
}

func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	delay := d.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.RetryMax {
			delay = d.cfg.RetryMax
			break
		}
	}
	// Jitter 0.7..1.3
	delay = time.Duration(float64(delay) * (0.7 + d.rng()*0.6))
	return min(max(delay, 0), d.cfg.RetryMax)
}

func (d *Dispatcher) failed(ev *event.Event, res *decision.Result, stream string, attempts int, err error) decision.Step {
	metrics.DispatchFailures.WithLabelValues(stream).Inc()
	d.log.Error("dispatch failed", "event_id", ev.ID, "user_id", ev.UserID, "stream", stream, "attempts", attempts, "err", err)
	res.DispatchStatus = decision.DispatchFailed
	return decision.Step{
		Layer: decision.LayerDispatch, Check: "dispatch_" + stream, Result: decision.ResultFailed,
		Detail: fmt.Sprintf("gave up after %d attempt(s): %v; eligible for redrive", attempts, err),
	}
}

// count applies the fatigue update. A counter store outage is logged and
// not treated as a dispatch failure.
func (d *Dispatcher) count(ctx context.Context, ev *event.Event, res *decision.Result, at time.Time, immediate bool) {
	if d.tracker == nil {
		return
	}
	if _, err := d.tracker.Record(ctx, ev.UserID, res.Channel, ev.Topic(), at, immediate); err != nil {
		d.log.Warn("fatigue counters not updated", "event_id", ev.ID, "user_id", ev.UserID, "err", err)
		res.ReasonChain = append(res.ReasonChain, decision.Step{
			Layer: decision.LayerDispatch, Check: "fatigue_counters", Result: decision.ResultDegraded,
			Detail: "counter store unavailable, counts not updated",
		})
	}
}

// DigestWindow returns the epoch-aligned window containing at and its flush
// time: the window end, pushed to the end of the user's DND window when the
// window ends inside it.
func DigestWindow(at time.Time, window time.Duration, prof *profile.Profile) (start, flush time.Time) {
	start = at.Truncate(window)
	end := start.Add(window)
	flush = end
	if prof != nil {
		if dndEnd := prof.DNDEnd(end); dndEnd.After(flush) {
			flush = dndEnd
		}
	}
	return start, flush
}

func (d *Dispatcher) batch(ctx context.Context, ev *event.Event, res *decision.Result, prof *profile.Profile, now time.Time) (*store.Batch, error) {
	if prof == nil {
		p, _, err := d.store.Profile(ctx, ev.UserID)
		if err != nil {
			d.log.Warn("profile unavailable for digest window", "user_id", ev.UserID, "err", err)
			p = profile.Default(ev.UserID)
		}
		prof = p
	}
	at := now
	if res.ScheduledAt != nil && res.ScheduledAt.After(now) {
		at = *res.ScheduledAt
	}
	start, flush := DigestWindow(at, d.cfg.DigestWindow, prof)
	b, _, err := d.store.AppendToBatch(ctx, ev.UserID, res.Channel, start, flush, ev.ID)
	return b, err
}

func (d *Dispatcher) single(ev *event.Event, res *decision.Result, kind string, now time.Time) Delivery {
	return Delivery{
		Kind:         kind,
		EventID:      ev.ID,
		UserID:       ev.UserID,
		EventType:    ev.EventType,
		Title:        ev.Title,
		Message:      ev.Message,
		Source:       ev.Source,
		Channel:      res.Channel,
		Metadata:     ev.Metadata,
		ScheduledAt:  res.ScheduledAt,
		DispatchedAt: now,
	}
}

// Redrive retries up to limit failed dispatches and returns how many were
// delivered.
func (d *Dispatcher) Redrive(ctx context.Context, limit int) (int, error) {
	recs, err := d.store.FailedDispatches(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list failed dispatches: %w", err)
	}
	ok := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return ok, ctx.Err()
		}
		if rec.RawEvent == nil {
			continue
		}
		res := rec.Result
		attempts, step := d.commit(ctx, rec.RawEvent, &res, nil)
		total := rec.DispatchAttempts + attempts
		if res.DispatchStatus != decision.DispatchOK {
			if err := d.store.MarkDispatch(ctx, rec.EventID, decision.DispatchFailed, total, nil); err != nil {
				d.log.Error("mark dispatch failed", "event_id", rec.EventID, "err", err)
			}
			continue
		}
		step.Check = "redrive"
		res.ReasonChain = append(res.ReasonChain, step)
		if err := d.store.RecordDecision(ctx, rec.RawEvent, &res, total); err != nil {
			d.log.Error("redrive audit write failed", "event_id", rec.EventID, "err", err)
			continue
		}
		d.log.Info("dispatch redriven", "event_id", rec.EventID, "attempts", total)
		ok++
	}
	return ok, nil
}
