package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/metrics"
)

// Source loads the active rule set from durable storage.
type Source interface {
	ActiveRules(ctx context.Context) ([]*Rule, error)
}

// Engine holds the current rule snapshot and keeps it fresh.
type Engine struct {
	snap     atomic.Pointer[Snapshot]
	src      Source
	interval time.Duration
	nudge    chan struct{}
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine with an empty snapshot. Call Refresh once
// before serving and Run to keep the snapshot current.
func NewEngine(src Source, interval time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	e := &Engine{
		src:      src,
		interval: interval,
		nudge:    make(chan struct{}, 1),
		log:      logger,
		now:      time.Now,
	}
	empty, _ := NewSnapshot(nil, e.now())
	e.snap.Store(empty)
	return e
}

// Snapshot returns the snapshot currently in use.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

// Swap atomically replaces the snapshot.
func (e *Engine) Swap(s *Snapshot) {
	e.snap.Store(s)
	metrics.RulesActive.Set(float64(s.Len()))
}

// Evaluate matches ev against the current snapshot.
func (e *Engine) Evaluate(ev *event.Event, now time.Time) Verdict {
	return e.snap.Load().Evaluate(ev, now)
}

// Refresh reloads rules from the source and swaps in a new snapshot.
// On a load error the previous snapshot stays in place.
func (e *Engine) Refresh(ctx context.Context) error {
	rs, err := e.src.ActiveRules(ctx)
	if err != nil {
		metrics.RuleRefreshErrors.Inc()
		return fmt.Errorf("load rules: %w", err)
	}
	s, err := NewSnapshot(rs, e.now())
	if err != nil {
		e.log.Warn("rules skipped during compile", "err", err)
	}
	e.Swap(s)
	e.log.Debug("rules refreshed", "count", s.Len())
	return nil
}

// Invalidate asks the refresh loop to reload immediately. It never blocks.
func (e *Engine) Invalidate() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// Run refreshes the snapshot every interval, and whenever Invalidate is
// called, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-e.nudge:
		}
		rctx, cancel := context.WithTimeout(ctx, e.interval)
		if err := e.Refresh(rctx); err != nil && ctx.Err() == nil {
			e.log.Warn("rule refresh failed, keeping previous snapshot", "err", err)
		}
		cancel()
	}
}
