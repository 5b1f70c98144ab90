package digest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/dispatch"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/queue"
	"github.com/gyaneshwarpardhi/npe/internal/store"
)

var window = time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

type fixture struct {
	s  *Scheduler
	d  *dispatch.Dispatcher
	st *store.Store
	q  *queue.Memory
}

func setup(t *testing.T) fixture {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "npe.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	q := queue.NewMemory()
	d := dispatch.New(q, nil, st, dispatch.Config{MaxAttempts: 1}, nil)
	d.SetClock(func() time.Time { return window.Add(5 * time.Minute) })
	return fixture{s: New(st, d, Config{}, nil), d: d, st: st, q: q}
}

// deferEvent records a LATER decision for id and puts it in the shared batch.
func (f fixture) deferEvent(t *testing.T, id, title string, expires *time.Time) *store.Batch {
	t.Helper()
	ctx := context.Background()
	ev := &event.Event{ID: id, UserID: "u1", EventType: "order_update", Title: title, Message: title, Channel: event.ChannelPush, ExpiresAt: expires}
	res := &decision.Result{EventID: id, UserID: "u1", Decision: decision.Later, Channel: "push", ProcessedAt: window}
	if err := f.st.RecordDecision(ctx, ev, res, 0); err != nil {
		t.Fatal(err)
	}
	b, _, err := f.st.AppendToBatch(ctx, "u1", "push", window, window.Add(30*time.Minute), id)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestFlushSingleEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.deferEvent(t, "e1", "Shipped", nil)

	if n, _ := f.s.FlushDue(ctx, window.Add(10*time.Minute)); n != 0 {
		t.Fatalf("flushed %d before flush_at", n)
	}
	n, err := f.s.FlushDue(ctx, window.Add(30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("FlushDue = %d, %v", n, err)
	}
	msgs := f.q.Messages(queue.StreamImmediate)
	var d dispatch.Delivery
	if len(msgs) != 1 || json.Unmarshal(msgs[0].Payload, &d) != nil || d.Kind != dispatch.KindSingle || d.EventID != "e1" {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestFlushDigestIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.deferEvent(t, "e1", "Shipped", nil)
	b := f.deferEvent(t, "e2", "Delivered", nil)

	at := window.Add(time.Hour)
	if n, _ := f.s.FlushDue(ctx, at); n != 1 {
		t.Fatalf("first flush sent %d", n)
	}
	if n, err := f.s.FlushDue(ctx, at); n != 0 || err != nil {
		t.Fatalf("second flush = %d, %v", n, err)
	}
	if _, err := f.s.flush(ctx, b, at); err != nil {
		t.Fatalf("re-flushing a closed batch must not error: %v", err)
	}
	msgs := f.q.Messages(queue.StreamImmediate)
	if len(msgs) != 1 {
		t.Fatalf("%d deliveries, want exactly 1", len(msgs))
	}
	var d dispatch.Delivery
	_ = json.Unmarshal(msgs[0].Payload, &d)
	if d.Kind != dispatch.KindDigest || len(d.Items) != 2 || d.Title != "You have 2 new notifications" {
		t.Errorf("digest %+v", d)
	}
}

func TestFlushDropsExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	soon := window.Add(20 * time.Minute)
	b := f.deferEvent(t, "e1", "Flash sale", &soon)
	f.deferEvent(t, "e2", "Shipped", nil)

	if n, _ := f.s.FlushDue(ctx, window.Add(30*time.Minute)); n != 1 {
		t.Fatal("batch with one live event should flush")
	}
	var d dispatch.Delivery
	_ = json.Unmarshal(f.q.Messages(queue.StreamImmediate)[0].Payload, &d)
	if d.Kind != dispatch.KindSingle || d.EventID != "e2" {
		t.Errorf("expired event not dropped: %+v", d)
	}
	got, _ := f.st.GetBatch(ctx, b.ID)
	if got.Status != store.BatchSent {
		t.Errorf("status %s", got.Status)
	}
}

func TestFlushCancelsAllExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	soon := window.Add(5 * time.Minute)
	b := f.deferEvent(t, "e1", "Flash sale", &soon)

	if n, _ := f.s.FlushDue(ctx, window.Add(30*time.Minute)); n != 0 {
		t.Fatal("nothing should be sent")
	}
	got, _ := f.st.GetBatch(ctx, b.ID)
	if got.Status != store.BatchCancelled {
		t.Errorf("status %s, want cancelled", got.Status)
	}
	if len(f.q.Messages(queue.StreamImmediate)) != 0 {
		t.Error("cancelled batch delivered")
	}
}

func TestFlushFailureReopens(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := f.deferEvent(t, "e1", "Shipped", nil)

	f.q.FailNext(1, errors.New("broker down"))
	at := window.Add(time.Hour)
	if n, _ := f.s.FlushDue(ctx, at); n != 0 {
		t.Fatal("failed delivery counted as sent")
	}
	got, _ := f.st.GetBatch(ctx, b.ID)
	if got.Status != store.BatchOpen {
		t.Fatalf("status %s, want open for retry", got.Status)
	}
	if n, _ := f.s.FlushDue(ctx, at); n != 1 {
		t.Fatal("retry on next tick should deliver")
	}
}

func TestStartStop(t *testing.T) {
	f := setup(t)
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.s.Stop()
	f.s.Stop()
}

func TestRedriveAfterFlushDeliversOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := &event.Event{ID: "e1", UserID: "u1", EventType: "order_update", Title: "Shipped", Message: "Shipped", Channel: event.ChannelPush}
	res := &decision.Result{EventID: "e1", UserID: "u1", Decision: decision.Later, Channel: "push", ProcessedAt: window}

	// The batch append succeeds but the scheduled notice cannot be published.
	f.q.FailNext(1, errors.New("broker down"))
	if err := f.d.Dispatch(ctx, ev, res, nil); err != nil {
		t.Fatal(err)
	}
	if res.DispatchStatus != decision.DispatchFailed || res.BatchID == "" {
		t.Fatalf("status %q batch %q", res.DispatchStatus, res.BatchID)
	}

	if n, err := f.s.FlushDue(ctx, window.Add(30*time.Minute)); err != nil || n != 1 {
		t.Fatalf("first flush = %d, %v", n, err)
	}
	if n, err := f.d.Redrive(ctx, 10); err != nil || n != 1 {
		t.Fatalf("Redrive = %d, %v", n, err)
	}
	if n, _ := f.s.FlushDue(ctx, window.Add(2*time.Hour)); n != 0 {
		t.Errorf("second flush sent %d", n)
	}

	delivered := 0
	for _, m := range f.q.Messages(queue.StreamImmediate) {
		var d dispatch.Delivery
		if err := json.Unmarshal(m.Payload, &d); err == nil && d.EventID == "e1" {
			delivered++
		}
	}
	if delivered != 1 {
		t.Errorf("e1 delivered %d times, want 1", delivered)
	}
	if notices := f.q.Messages(queue.StreamDeferred); len(notices) != 1 {
		t.Errorf("deferred stream has %d notices, want 1", len(notices))
	}
	rec, _ := f.st.Decision(ctx, "e1")
	if rec.DispatchStatus != decision.DispatchOK || rec.BatchID != res.BatchID {
		t.Errorf("after redrive: status %q batch %q", rec.DispatchStatus, rec.BatchID)
	}
}
