package arbiter

import (
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/profile"
)

const (
	planHorizon   = 24
	expiryMargin  = 5 * time.Minute
	roundInterval = 15 * time.Minute
)

// PlanSendTime picks the highest-engagement hour in the next 24 hours that
// falls outside the user's DND window. The earliest hour wins ties. The
// result is rounded down to a quarter hour, never lands after expires and
// never lands before now.
func PlanSendTime(p *profile.Profile, now time.Time, expires *time.Time) time.Time {
	var best time.Time
	bestScore := -1.0
	for offset := 1; offset <= planHorizon; offset++ {
		candidate := now.Add(time.Duration(offset) * time.Hour)
		hour := p.LocalHour(candidate)
		if profile.DNDActive(p.DNDStartHour, p.DNDEndHour, hour) {
			continue
		}
		if s := p.Engagement(hour); s > bestScore {
			best, bestScore = candidate, s
		}
	}
	if best.IsZero() {
		best = now.Add(time.Hour)
	}

	if expires != nil && best.After(*expires) {
		best = expires.Add(-expiryMargin)
		if best.Before(now) {
			best = now
		}
	}
	if rounded := best.Truncate(roundInterval); !rounded.Before(now) {
		return rounded
	}
	return now
}
