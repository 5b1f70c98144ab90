package scorer

import (
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/enrich"
	"github.com/gyaneshwarpardhi/npe/internal/event"
)

// Keyword urgencies, checked in order against the lower-cased event type.
// The first keyword contained in the type wins.
var urgencyKeywords = []struct {
	keyword string
	urgency float64
}{
	{"critical", 1.0},
	{"security", 1.0},
	{"payment_failed", 1.0},
	{"payment_declined", 1.0},
	{"2fa", 1.0},
	{"otp", 1.0},
	{"password", 0.9},
	{"account", 0.8},
	{"message", 0.7},
	{"reminder", 0.7},
	{"alert", 0.8},
	{"update", 0.5},
	{"system", 0.5},
	{"promo", 0.2},
	{"promotion", 0.2},
	{"marketing", 0.15},
	{"offer", 0.2},
	{"discount", 0.2},
	{"newsletter", 0.1},
}

const defaultUrgency = 0.4

var priorityUrgency = map[event.Priority]float64{
	event.PriorityCritical: 1.0,
	event.PriorityHigh:     0.8,
	event.PriorityMedium:   0.5,
	event.PriorityLow:      0.2,
}

// TypeUrgency maps an event type to its keyword urgency.
func TypeUrgency(eventType string) float64 {
	t := strings.ToLower(eventType)
	for _, k := range urgencyKeywords {
		if strings.Contains(t, k.keyword) {
			return k.urgency
		}
	}
	return defaultUrgency
}

// Urgency is the larger of the type urgency and the priority hint urgency.
func Urgency(ev *event.Event) float64 {
	u := TypeUrgency(ev.EventType)
	if p, ok := priorityUrgency[ev.PriorityHint]; ok {
		u = max(u, p)
	}
	return u
}

// Heuristic scores an event locally from its type, priority hint and the
// user's context.
func Heuristic(ev *event.Event, c *enrich.Context, cooldown time.Duration) Components {
	return Components{
		Urgency:        Urgency(ev),
		Engagement:     c.Engagement(),
		FatiguePenalty: c.FatigueRatio(),
		RecencyBonus:   c.RecencyBonus(cooldown),
	}
}
