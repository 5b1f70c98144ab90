// Package digest flushes deferred notifications in batches.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gyaneshwarpardhi/npe/internal/dispatch"
	"github.com/gyaneshwarpardhi/npe/internal/metrics"
	"github.com/gyaneshwarpardhi/npe/internal/queue"
	"github.com/gyaneshwarpardhi/npe/internal/store"
)

// Store is the batch and audit storage the scheduler reads.
type Store interface {
	DueBatches(ctx context.Context, now time.Time, limit int) ([]*store.Batch, error)
	Decisions(ctx context.Context, ids []string) ([]*store.AuditRecord, error)
	CloseBatch(ctx context.Context, id, status string, at time.Time) (bool, error)
	ReopenBatch(ctx context.Context, id string) error
}

// Deliverer publishes payloads and retries failed dispatches.
type Deliverer interface {
	Deliver(ctx context.Context, stream, key string, payload any) (int, error)
	Redrive(ctx context.Context, limit int) (int, error)
}

// Config sets the job cadence.
type Config struct {
	Tick        time.Duration
	RedriveTick time.Duration
	BatchLimit  int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.RedriveTick <= 0 {
		c.RedriveTick = time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	return c
}

// Scheduler runs the flush and redrive jobs on cron.
type Scheduler struct {
	store Store
	out   Deliverer
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func New(st Store, out Deliverer, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, out: out, cfg: cfg.withDefaults(), log: logger, now: time.Now}
}

// Start registers the jobs and starts the cron runner. Jobs that are still
// running when their next tick fires are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Tick), func() {
		if _, err := s.FlushDue(ctx, s.now()); err != nil {
			s.log.Error("digest flush failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.RedriveTick), func() {
		n, err := s.out.Redrive(ctx, s.cfg.BatchLimit)
		if err != nil {
			s.log.Error("redrive failed", "err", err)
			return
		}
		if n > 0 {
			s.log.Info("redrive complete", "delivered", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule redrive: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("digest scheduler started", "tick", s.cfg.Tick, "redrive_tick", s.cfg.RedriveTick)
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// FlushDue emits every batch whose flush time has passed and returns how
// many deliveries were made. Closing is claimed before delivery, so a batch
// flushed twice is delivered once; a failed delivery reopens the batch for
// the next tick.
func (s *Scheduler) FlushDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueBatches(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("due batches: %w", err)
	}
	sent := 0
	for _, b := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.flush(ctx, b, now)
		if err != nil {
			s.log.Error("batch flush failed", "batch_id", b.ID, "user_id", b.UserID, "err", err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *Scheduler) flush(ctx context.Context, b *store.Batch, now time.Time) (bool, error) {
	recs, err := s.store.Decisions(ctx, b.EventIDs)
	if err != nil {
		return false, fmt.Errorf("load events: %w", err)
	}
	live := make([]*store.AuditRecord, 0, len(recs))
	for _, r := range recs {
		if r.RawEvent == nil || r.RawEvent.Expired(now) {
			continue
		}
		live = append(live, r)
	}

	if len(live) == 0 {
		if _, err := s.store.CloseBatch(ctx, b.ID, store.BatchCancelled, now); err != nil {
			return false, err
		}
		metrics.DigestFlushes.WithLabelValues("cancelled").Inc()
		s.log.Info("digest batch cancelled, all events expired", "batch_id", b.ID, "user_id", b.UserID)
		return false, nil
	}

	claimed, err := s.store.CloseBatch(ctx, b.ID, store.BatchSent, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	payload := Build(b, live, now)
	if _, err := s.out.Deliver(ctx, queue.StreamImmediate, b.UserID, payload); err != nil {
		metrics.DigestFlushes.WithLabelValues("failed").Inc()
		if rerr := s.store.ReopenBatch(ctx, b.ID); rerr != nil {
			return false, fmt.Errorf("deliver: %v; reopen: %w", err, rerr)
		}
		return false, fmt.Errorf("deliver: %w", err)
	}
	metrics.DigestFlushes.WithLabelValues("sent").Inc()
	s.log.Info("digest batch sent", "batch_id", b.ID, "user_id", b.UserID, "events", len(live))
	return true, nil
}

// Build renders the delivery for a batch: the event itself when only one
// is live, otherwise a digest listing all of them.
func Build(b *store.Batch, live []*store.AuditRecord, now time.Time) dispatch.Delivery {
	if len(live) == 1 {
		ev := live[0].RawEvent
		return dispatch.Delivery{
			Kind: dispatch.KindSingle, EventID: ev.ID, UserID: ev.UserID, EventType: ev.EventType,
			Title: ev.Title, Message: ev.Message, Source: ev.Source, Channel: b.Channel,
			Metadata: ev.Metadata, BatchID: b.ID, DispatchedAt: now,
		}
	}

	items := make([]dispatch.DigestItem, 0, len(live))
	titles := make([]string, 0, len(live))
	for _, r := range live {
		ev := r.RawEvent
		items = append(items, dispatch.DigestItem{EventID: ev.ID, EventType: ev.EventType, Title: ev.Title, Message: ev.Message})
		titles = append(titles, "- "+ev.Title)
	}
	return dispatch.Delivery{
		Kind:         dispatch.KindDigest,
		UserID:       b.UserID,
		Title:        fmt.Sprintf("You have %d new notifications", len(live)),
		Message:      strings.Join(titles, "\n"),
		Channel:      b.Channel,
		BatchID:      b.ID,
		Items:        items,
		DispatchedAt: now,
	}
}
