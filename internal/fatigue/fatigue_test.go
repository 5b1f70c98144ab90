package fatigue

import (
	"context"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/kv"
)

func TestRecordAndRead(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(kv.NewMemory(nil))
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	if _, err := tr.Record(ctx, "u1", "push", "promo", at, false); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Record(ctx, "u1", "email", "promo", at, true); err != nil {
		t.Fatal(err)
	}

	push, _ := tr.Counts(ctx, "u1", "push")
	if push.Hourly != 1 || push.Daily != 2 {
		t.Errorf("push counts = %+v, want hourly 1 daily 2", push)
	}
	sms, _ := tr.Counts(ctx, "u1", "sms")
	if sms.Hourly != 0 || sms.Daily != 2 {
		t.Errorf("daily cap must span channels, got %+v", sms)
	}

	last, ok, err := tr.LastSend(ctx, "u1", "promo")
	if err != nil || !ok || !last.Equal(at) {
		t.Errorf("LastSend = %v, %v, %v", last, ok, err)
	}
	if _, ok, _ := tr.LastSend(ctx, "u1", "other"); ok {
		t.Error("unknown topic should have no last send")
	}
}
