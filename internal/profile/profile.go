// Package profile holds per-user notification preferences.
package profile

import (
	"sort"
	"time"
	_ "time/tzdata"
)

const (
	DefaultDNDStart = 22
	DefaultDNDEnd   = 8
	DefaultSegment  = "standard"

	feedbackStep = 0.1
)

// Profile is a user's notification preferences and engagement history.
type Profile struct {
	UserID             string                 `json:"user_id"`
	Timezone           string                 `json:"timezone"`
	DNDStartHour       int                    `json:"dnd_start_hour"`
	DNDEndHour         int                    `json:"dnd_end_hour"`
	ChannelPreferences map[string]interface{} `json:"channel_preferences"`
	OptedOutTopics     []string               `json:"opted_out_topics"`
	HourlyCapOverride  *int                   `json:"hourly_cap_override,omitempty"`
	DailyCapOverride   *int                   `json:"daily_cap_override,omitempty"`
	Segment            string                 `json:"segment"`
	Heatmap            []float64              `json:"engagement_heatmap"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Default returns the profile used for users with no stored preferences.
func Default(userID string) *Profile {
	return &Profile{
		UserID:             userID,
		Timezone:           "UTC",
		DNDStartHour:       DefaultDNDStart,
		DNDEndHour:         DefaultDNDEnd,
		ChannelPreferences: map[string]interface{}{},
		OptedOutTopics:     []string{},
		Segment:            DefaultSegment,
		Heatmap:            FlatHeatmap(),
	}
}

// FlatHeatmap is 24 slots of full engagement.
func FlatHeatmap() []float64 {
	h := make([]float64, 24)
	for i := range h {
		h[i] = 1
	}
	return h
}

// Location resolves the profile's timezone, falling back to UTC.
func (p *Profile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalHour is the hour of t in the user's timezone.
func (p *Profile) LocalHour(t time.Time) int { return t.In(p.Location()).Hour() }

// OptedOut reports whether the user unsubscribed from topic.
func (p *Profile) OptedOut(topic string) bool {
	for _, t := range p.OptedOutTopics {
		if t == topic {
			return true
		}
	}
	return false
}

// OptOut adds topic to the opt-out set. It reports whether the set changed.
func (p *Profile) OptOut(topic string) bool {
	if p.OptedOut(topic) {
		return false
	}
	p.OptedOutTopics = append(p.OptedOutTopics, topic)
	return true
}

// OptIn removes topic from the opt-out set.
func (p *Profile) OptIn(topic string) bool {
	out := p.OptedOutTopics[:0]
	changed := false
	for _, t := range p.OptedOutTopics {
		if t == topic {
			changed = true
			continue
		}
		out = append(out, t)
	}
	p.OptedOutTopics = out
	return changed
}

// Engagement returns the heatmap value for a local hour.
func (p *Profile) Engagement(hour int) float64 {
	if len(p.Heatmap) != 24 || hour < 0 || hour > 23 {
		return 0.5
	}
	return p.Heatmap[hour]
}

// Feedback actions.
const (
	FeedbackOpened    = "opened"
	FeedbackClicked   = "clicked"
	FeedbackDismissed = "dismissed"
	FeedbackMuted     = "muted"
)

// ValidFeedback reports whether action is a known feedback action.
func ValidFeedback(action string) bool {
	switch action {
	case FeedbackOpened, FeedbackClicked, FeedbackDismissed, FeedbackMuted:
		return true
	}
	return false
}

// ApplyFeedback nudges the heatmap slot for the local hour of at.
func (p *Profile) ApplyFeedback(action string, at time.Time) {
	if len(p.Heatmap) != 24 {
		p.Heatmap = FlatHeatmap()
	}
	h := p.LocalHour(at)
	switch action {
	case FeedbackOpened, FeedbackClicked:
		p.Heatmap[h] = min(1, p.Heatmap[h]+feedbackStep)
	case FeedbackDismissed, FeedbackMuted:
		p.Heatmap[h] = max(0, p.Heatmap[h]-feedbackStep)
	}
}

// DNDActive reports whether hour falls in the [start, end) window.
// Windows with start > end wrap past midnight; start == end means none.
func DNDActive(start, end, hour int) bool {
	if start == end {
		return false
	}
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// InDND reports whether t falls in the user's DND window.
func (p *Profile) InDND(t time.Time) bool {
	return DNDActive(p.DNDStartHour, p.DNDEndHour, p.LocalHour(t))
}

// DNDEnd returns the end of the DND window containing t, or t itself when
// t is outside DND.
func (p *Profile) DNDEnd(t time.Time) time.Time {
	if !p.InDND(t) {
		return t
	}
	local := t.In(p.Location())
	end := time.Date(local.Year(), local.Month(), local.Day(), p.DNDEndHour, 0, 0, 0, local.Location())
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// OptimalHours returns up to n local hours outside DND, highest
// engagement first. Ties keep the earlier hour.
func (p *Profile) OptimalHours(n int) []int {
	hours := make([]int, 0, 24)
	for h := 0; h < 24; h++ {
		if !DNDActive(p.DNDStartHour, p.DNDEndHour, h) {
			hours = append(hours, h)
		}
	}
	sort.SliceStable(hours, func(i, j int) bool {
		return p.Engagement(hours[i]) > p.Engagement(hours[j])
	})
	if len(hours) > n {
		hours = hours[:n]
	}
	return hours
}
