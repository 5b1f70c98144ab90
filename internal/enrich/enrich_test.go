package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/fatigue"
	"github.com/gyaneshwarpardhi/npe/internal/profile"
)

type fakeCounters struct {
	c     fatigue.Counts
	err   error
	delay time.Duration
}

func (f fakeCounters) Counts(ctx context.Context, _, _ string) (fatigue.Counts, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return fatigue.Counts{}, ctx.Err()
		}
	}
	return f.c, f.err
}

type fakeProfiles struct {
	p     *profile.Profile
	delay time.Duration
}

func (f fakeProfiles) Profile(_ context.Context, userID string) (*profile.Profile, bool, error) {
	// Ignores ctx on purpose: the enricher must not wait on a stuck source.
	time.Sleep(f.delay)
	if f.p == nil {
		return profile.Default(userID), false, nil
	}
	return f.p, true, nil
}

type fakeLasts struct {
	at  time.Time
	ok  bool
	err error
}

func (f fakeLasts) LastSend(context.Context, string, string) (time.Time, bool, error) {
	return f.at, f.ok, f.err
}

var noon = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

func promo() *event.Event {
	return &event.Event{ID: "e1", UserID: "u1", EventType: "promo_offer", Channel: event.ChannelPush}
}

func TestEnrichHappyPath(t *testing.T) {
	hourly := 3
	p := profile.Default("u1")
	p.HourlyCapOverride = &hourly
	e := New(
		fakeCounters{c: fatigue.Counts{Hourly: 3, Daily: 7}},
		fakeProfiles{p: p},
		fakeLasts{at: noon.Add(-30 * time.Minute), ok: true},
		Caps{Hourly: 5, Daily: 20}, 100*time.Millisecond, nil,
	)
	res := e.Enrich(context.Background(), promo(), noon)
	c := res.Context
	if res.Decision != "" {
		t.Fatalf("unexpected decision %s", res.Decision)
	}
	if c.HourlyCap != 3 || c.DailyCap != 20 {
		t.Errorf("caps = %d/%d, want 3/20", c.HourlyCap, c.DailyCap)
	}
	if !c.HourlyCapHit() || c.DailyCapHit() {
		t.Errorf("cap flags wrong: %+v", c)
	}
	if c.SinceLastSend == nil || *c.SinceLastSend != 30*time.Minute {
		t.Errorf("SinceLastSend = %v", c.SinceLastSend)
	}
	if got := c.RecencyBonus(time.Hour); got != 0.5 {
		t.Errorf("RecencyBonus = %v, want 0.5", got)
	}
	if got := c.FatigueRatio(); got != 1 {
		t.Errorf("FatigueRatio = %v, want 1", got)
	}
	if len(res.Steps) != 1 || res.Steps[0].Result != decision.ResultOK {
		t.Errorf("unexpected steps %+v", res.Steps)
	}
}

func TestEnrichTimeoutDegrades(t *testing.T) {
	e := New(
		fakeCounters{c: fatigue.Counts{Hourly: 1}},
		fakeProfiles{delay: 500 * time.Millisecond},
		fakeLasts{},
		Caps{Hourly: 5, Daily: 20}, 20*time.Millisecond, nil,
	)
	start := time.Now()
	res := e.Enrich(context.Background(), promo(), noon)
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("enricher waited %s on a stuck source", elapsed)
	}
	c := res.Context
	if len(c.Degraded) != 1 || c.Degraded[0] != SourceProfile {
		t.Fatalf("Degraded = %v", c.Degraded)
	}
	if c.Profile == nil || c.DailyCap != 20 || c.HourlyCount != 1 {
		t.Errorf("defaults not applied: %+v", c)
	}
	if res.Steps[0].Check != "context:profile" || res.Steps[0].Result != decision.ResultDegraded {
		t.Errorf("unexpected first step %+v", res.Steps[0])
	}
}

func TestEnrichSourceError(t *testing.T) {
	e := New(
		fakeCounters{err: errors.New("redis down")},
		fakeProfiles{},
		fakeLasts{err: errors.New("redis down")},
		Caps{Hourly: 5, Daily: 20}, 50*time.Millisecond, nil,
	)
	res := e.Enrich(context.Background(), promo(), noon)
	if len(res.Context.Degraded) != 2 {
		t.Errorf("Degraded = %v", res.Context.Degraded)
	}
	if res.Context.SinceLastSend != nil || res.Context.HourlyCount != 0 {
		t.Errorf("degraded sources must read as zero")
	}
}

func TestEnrichOptOut(t *testing.T) {
	p := profile.Default("u1")
	p.OptOut("promo_offer")
	e := New(fakeCounters{}, fakeProfiles{p: p}, fakeLasts{}, Caps{Hourly: 5, Daily: 20}, 50*time.Millisecond, nil)
	res := e.Enrich(context.Background(), promo(), noon)
	if res.Decision != decision.Never {
		t.Fatalf("opted-out topic must be NEVER, got %q", res.Decision)
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Check != "user_opted_out" {
		t.Errorf("unexpected step %+v", last)
	}
}

func TestEnrichCancelledStillAnswers(t *testing.T) {
	e := New(
		fakeCounters{delay: time.Second},
		fakeProfiles{},
		fakeLasts{},
		Caps{Hourly: 5, Daily: 20}, time.Second, nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := e.Enrich(ctx, promo(), noon)
	if res.Context == nil {
		t.Fatal("no context returned")
	}
	found := false
	for _, s := range res.Steps {
		if s.Check == "context:counters" && s.Result == decision.ResultDegraded {
			found = true
		}
	}
	if !found {
		t.Errorf("cancelled read should be degraded: %+v", res.Steps)
	}
}

func TestDNDUsesUserTimezone(t *testing.T) {
	p := profile.Default("u1")
	p.Timezone = "Asia/Tokyo" // UTC+9: noon UTC is 21:00 local
	p.DNDStartHour, p.DNDEndHour = 21, 7
	e := New(fakeCounters{}, fakeProfiles{p: p}, fakeLasts{}, Caps{Hourly: 5, Daily: 20}, 50*time.Millisecond, nil)
	c := e.Enrich(context.Background(), promo(), noon).Context
	if c.LocalHour != 21 || !c.DNDActive {
		t.Errorf("local hour %d, dnd %v", c.LocalHour, c.DNDActive)
	}
}

func TestEnrichTimeoutKeepsAnsweredSources(t *testing.T) {
	e := New(
		fakeCounters{delay: time.Second},
		fakeProfiles{},
		fakeLasts{at: noon.Add(-time.Hour), ok: true},
		Caps{Hourly: 5, Daily: 20}, 5*time.Millisecond, nil,
	)
	// The slow counters read expires the shared wait before the other two
	// answers are collected; those answers must still be used every time.
	for i := 0; i < 30; i++ {
		res := e.Enrich(context.Background(), promo(), noon)
		c := res.Context
		if len(c.Degraded) != 1 || c.Degraded[0] != SourceCounters {
			t.Fatalf("run %d: Degraded = %v, want [%s]", i, c.Degraded, SourceCounters)
		}
		if c.SinceLastSend == nil || *c.SinceLastSend != time.Hour {
			t.Fatalf("run %d: SinceLastSend = %v", i, c.SinceLastSend)
		}
	}
}
