// Package enrich gathers per-user context for scoring and arbitration.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/fatigue"
	"github.com/gyaneshwarpardhi/npe/internal/metrics"
	"github.com/gyaneshwarpardhi/npe/internal/profile"
)

// Source names used in degraded reason entries and metrics.
const (
	SourceCounters = "counters"
	SourceProfile  = "profile"
	SourceLastSend = "last_send"
)

// Counters reads rolling delivery counters.
type Counters interface {
	Counts(ctx context.Context, userID, channel string) (fatigue.Counts, error)
}

// LastSends reads per-topic last-send timestamps.
type LastSends interface {
	LastSend(ctx context.Context, userID, topic string) (time.Time, bool, error)
}

// Profiles reads user preferences. found is false when the default profile
// was returned.
type Profiles interface {
	Profile(ctx context.Context, userID string) (p *profile.Profile, found bool, err error)
}

// Caps are the default delivery caps.
type Caps struct {
	Hourly int
	Daily  int
}

// Context is everything downstream layers know about the user.
type Context struct {
	HourlyCount  int64
	DailyCount   int64
	HourlyCap    int
	DailyCap     int
	Profile      *profile.Profile
	ProfileFound bool
	LocalHour    int
	DNDActive    bool
	// SinceLastSend is nil when the topic was never sent.
	SinceLastSend *time.Duration
	Degraded      []string
}

// HourlyCapHit reports whether the channel's hourly cap is reached.
func (c *Context) HourlyCapHit() bool { return c.HourlyCount >= int64(c.HourlyCap) }

// DailyCapHit reports whether the user's daily cap is reached.
func (c *Context) DailyCapHit() bool { return c.DailyCount >= int64(c.DailyCap) }

// FatigueRatio is hourly count over hourly cap, clamped to [0,1].
func (c *Context) FatigueRatio() float64 {
	if c.HourlyCap <= 0 {
		return 1
	}
	return min(float64(c.HourlyCount)/float64(c.HourlyCap), 1)
}

// Engagement is the heatmap value at the user's local hour.
func (c *Context) Engagement() float64 { return c.Profile.Engagement(c.LocalHour) }

// RecencyBonus is 1 for never-sent topics and grows from 0 to 1 across
// the cooldown window.
func (c *Context) RecencyBonus(cooldown time.Duration) float64 {
	if c.SinceLastSend == nil || cooldown <= 0 {
		return 1
	}
	return max(0, min(float64(*c.SinceLastSend)/float64(cooldown), 1))
}

// Result is the enricher's output.
type Result struct {
	Context *Context
	// Decision is Never when the user opted out of the topic.
	Decision decision.Decision
	Steps    []decision.Step
}

// Enricher runs the three context reads concurrently.
type Enricher struct {
	counters Counters
	profiles Profiles
	lasts    LastSends
	caps     Caps
	timeout  time.Duration
	log      *slog.Logger
}

// New creates an Enricher. timeout bounds the wait on each source.
func New(counters Counters, profiles Profiles, lasts LastSends, caps Caps, timeout time.Duration, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Enricher{counters: counters, profiles: profiles, lasts: lasts, caps: caps, timeout: timeout, log: logger}
}

// WithLimits returns a copy using new caps and timeout.
func (e *Enricher) WithLimits(caps Caps, timeout time.Duration) *Enricher {
	c := *e
	c.caps = caps
	if timeout > 0 {
		c.timeout = timeout
	}
	return &c
}

type countsResult struct {
	c   fatigue.Counts
	err error
}

type profileResult struct {
	p     *profile.Profile
	found bool
	err   error
}

type lastResult struct {
	at  time.Time
	ok  bool
	err error
}

// await returns the source's answer if one has arrived, otherwise it
// blocks until the answer or the end of wait. A ready answer always wins
// over an expired wait.
func await[T any](wait context.Context, ch chan T) (T, bool) {
	select {
	case r := <-ch:
		return r, true
	default:
	}
	select {
	case r := <-ch:
		return r, true
	case <-wait.Done():
		select {
		case r := <-ch:
			return r, true
		default:
			var zero T
			return zero, false
		}
	}
}

// Enrich never fails. A source that errors, times out or is abandoned
// because ctx ended falls back to its default and adds a DEGRADED step.
func (e *Enricher) Enrich(ctx context.Context, ev *event.Event, now time.Time) Result {
	wait, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	countsC := make(chan countsResult, 1)
	profileC := make(chan profileResult, 1)
	lastC := make(chan lastResult, 1)

	go func() {
		c, err := e.counters.Counts(wait, ev.UserID, string(ev.Channel))
		countsC <- countsResult{c, err}
	}()
	go func() {
		p, found, err := e.profiles.Profile(wait, ev.UserID)
		profileC <- profileResult{p, found, err}
	}()
	go func() {
		at, ok, err := e.lasts.LastSend(wait, ev.UserID, ev.Topic())
		lastC <- lastResult{at, ok, err}
	}()

	c := &Context{HourlyCap: e.caps.Hourly, DailyCap: e.caps.Daily}
	var steps []decision.Step

	if r, ok := await(wait, countsC); !ok {
		steps = append(steps, e.degrade(c, ev, SourceCounters, wait.Err()))
	} else if r.err != nil {
		steps = append(steps, e.degrade(c, ev, SourceCounters, r.err))
	} else {
		c.HourlyCount, c.DailyCount = r.c.Hourly, r.c.Daily
	}

	if r, ok := await(wait, profileC); !ok {
		steps = append(steps, e.degrade(c, ev, SourceProfile, wait.Err()))
	} else if r.err != nil || r.p == nil {
		steps = append(steps, e.degrade(c, ev, SourceProfile, r.err))
	} else {
		c.Profile, c.ProfileFound = r.p, r.found
	}

	if r, ok := await(wait, lastC); !ok {
		steps = append(steps, e.degrade(c, ev, SourceLastSend, wait.Err()))
	} else if r.err != nil {
		steps = append(steps, e.degrade(c, ev, SourceLastSend, r.err))
	} else if r.ok {
		since := max(0, now.Sub(r.at))
		c.SinceLastSend = &since
	}

	if c.Profile == nil {
		c.Profile = profile.Default(ev.UserID)
	}
	if v := c.Profile.HourlyCapOverride; v != nil && *v > 0 {
		c.HourlyCap = *v
	}
	if v := c.Profile.DailyCapOverride; v != nil && *v > 0 {
		c.DailyCap = *v
	}
	c.LocalHour = c.Profile.LocalHour(now)
	c.DNDActive = c.Profile.InDND(now)

	res := Result{Context: c}
	if c.Profile.OptedOut(ev.Topic()) {
		res.Decision = decision.Never
		steps = append(steps, decision.Step{
			Layer: decision.LayerContext, Check: "user_opted_out", Result: decision.ResultSuppress,
			Detail: fmt.Sprintf("user opted out of %s", ev.Topic()),
		})
		res.Steps = steps
		return res
	}

	steps = append(steps, decision.Step{
		Layer:  decision.LayerContext,
		Check:  "context_enrichment",
		Result: decision.ResultOK,
		Detail: fmt.Sprintf("hourly %d/%d, daily %d/%d, dnd=%t, local_hour=%d, profile_found=%t",
			c.HourlyCount, c.HourlyCap, c.DailyCount, c.DailyCap, c.DNDActive, c.LocalHour, c.ProfileFound),
	})
	res.Steps = steps
	return res
}

func (e *Enricher) degrade(c *Context, ev *event.Event, source string, err error) decision.Step {
	c.Degraded = append(c.Degraded, source)
	metrics.EnrichDegraded.WithLabelValues(source).Inc()

	detail := "source unavailable, using defaults"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		detail = fmt.Sprintf("timed out after %s, using defaults", e.timeout)
	case errors.Is(err, context.Canceled):
		detail = "request cancelled, using defaults"
	case err != nil:
		detail = fmt.Sprintf("%v, using defaults", err)
	}
	e.log.Warn("context source degraded", "source", source, "event_id", ev.ID, "user_id", ev.UserID, "err", err)
	return decision.Step{
		Layer: decision.LayerContext, Check: "context:" + source, Result: decision.ResultDegraded, Detail: detail,
	}
}
