package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/profile"
	"github.com/gyaneshwarpardhi/npe/internal/store"
)

type recentDecision struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	Decision    decision.Decision `json:"decision"`
	Score       *float64          `json:"score"`
	ProcessedAt time.Time         `json:"processed_at"`
}

type notificationProfile struct {
	UserID            string           `json:"user_id"`
	Timezone          string           `json:"timezone"`
	DNDStartHour      int              `json:"dnd_start_hour"`
	DNDEndHour        int              `json:"dnd_end_hour"`
	DNDActive         bool             `json:"dnd_active"`
	HourlyCap         int              `json:"hourly_cap"`
	DailyCap          int              `json:"daily_cap"`
	HourlyByChannel   map[string]int64 `json:"notifications_last_1h"`
	Last24h           int64            `json:"notifications_last_24h"`
	CountersDegraded  bool             `json:"counters_degraded,omitempty"`
	OptedOutTopics    []string         `json:"opted_out_topics"`
	OptimalSendHours  []int            `json:"optimal_send_hours"`
	EngagementHeatmap []float64        `json:"engagement_heatmap"`
	Segment           string           `json:"segment"`
	OpenDigests       []*store.Batch   `json:"open_digests"`
	RecentDecisions   []recentDecision `json:"recent_decisions"`
}

// GET /v1/users/{user_id}/notification-profile reports preferences,
// current fatigue and recent decisions.
func (h *Handler) notificationProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.PathValue("user_id")
	p, _, err := h.Store.Profile(ctx, userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	now := h.Now()
	caps := h.Caps()
	out := notificationProfile{
		UserID:            userID,
		Timezone:          p.Timezone,
		DNDStartHour:      p.DNDStartHour,
		DNDEndHour:        p.DNDEndHour,
		DNDActive:         p.InDND(now),
		HourlyCap:         caps.Hourly,
		DailyCap:          caps.Daily,
		HourlyByChannel:   map[string]int64{},
		OptedOutTopics:    p.OptedOutTopics,
		OptimalSendHours:  p.OptimalHours(5),
		EngagementHeatmap: p.Heatmap,
		Segment:           p.Segment,
		RecentDecisions:   []recentDecision{},
	}
	if p.HourlyCapOverride != nil {
		out.HourlyCap = *p.HourlyCapOverride
	}
	if p.DailyCapOverride != nil {
		out.DailyCap = *p.DailyCapOverride
	}

	if h.Counters != nil {
		for _, ch := range event.Channels {
			c, err := h.Counters.Counts(ctx, userID, string(ch))
			if err != nil {
				h.Logger.Warn("counters unavailable for profile", "user_id", userID, "err", err)
				out.CountersDegraded = true
				break
			}
			out.HourlyByChannel[string(ch)] = c.Hourly
			out.Last24h = c.Daily
		}
	}

	if out.OpenDigests, err = h.Store.OpenBatches(ctx, userID); err != nil {
		writeStoreError(w, err)
		return
	}
	recs, err := h.Store.History(ctx, userID, 10)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	for _, rec := range recs {
		out.RecentDecisions = append(out.RecentDecisions, recentDecision{
			EventID: rec.EventID, EventType: rec.EventType, Decision: rec.Decision,
			Score: rec.Score, ProcessedAt: rec.ProcessedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type preferencesPatch struct {
	Timezone           *string                `json:"timezone"`
	DNDStartHour       *int                   `json:"dnd_start_hour"`
	DNDEndHour         *int                   `json:"dnd_end_hour"`
	HourlyCapOverride  *int                   `json:"hourly_cap_override"`
	DailyCapOverride   *int                   `json:"daily_cap_override"`
	ChannelPreferences map[string]interface{} `json:"channel_preferences"`
	OptedOutTopics     *[]string              `json:"opted_out_topics"`
	Segment            *string                `json:"segment"`
}

func (p preferencesPatch) problems() []string {
	var out []string
	if p.Timezone != nil {
		if _, err := time.LoadLocation(*p.Timezone); err != nil || *p.Timezone == "" {
			out = append(out, fmt.Sprintf("timezone %q is not a known IANA zone", *p.Timezone))
		}
	}
	hour := func(name string, v *int) {
		if v != nil && (*v < 0 || *v > 23) {
			out = append(out, name+" must be in [0, 23]")
		}
	}
	hour("dnd_start_hour", p.DNDStartHour)
	hour("dnd_end_hour", p.DNDEndHour)
	capCheck := func(name string, v *int) {
		if v != nil && (*v < 1 || *v > 1000) {
			out = append(out, name+" must be in [1, 1000]")
		}
	}
	capCheck("hourly_cap_override", p.HourlyCapOverride)
	capCheck("daily_cap_override", p.DailyCapOverride)
	return out
}

func (p preferencesPatch) apply(pr *profile.Profile) {
	if p.Timezone != nil {
		pr.Timezone = *p.Timezone
	}
	if p.DNDStartHour != nil {
		pr.DNDStartHour = *p.DNDStartHour
	}
	if p.DNDEndHour != nil {
		pr.DNDEndHour = *p.DNDEndHour
	}
	if p.HourlyCapOverride != nil {
		pr.HourlyCapOverride = p.HourlyCapOverride
	}
	if p.DailyCapOverride != nil {
		pr.DailyCapOverride = p.DailyCapOverride
	}
	if p.ChannelPreferences != nil {
		pr.ChannelPreferences = p.ChannelPreferences
	}
	if p.OptedOutTopics != nil {
		pr.OptedOutTopics = []string{}
		for _, t := range *p.OptedOutTopics {
			if t = strings.TrimSpace(t); t != "" {
				pr.OptOut(t)
			}
		}
	}
	if p.Segment != nil {
		pr.Segment = *p.Segment
	}
}

// PATCH /v1/users/{user_id}/preferences updates the supplied fields.
func (h *Handler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch preferencesPatch
	if !decodeJSON(w, r, maxEventBody, &patch) {
		return
	}
	if probs := patch.problems(); len(probs) > 0 {
		writeInvalid(w, "invalid preferences", probs)
		return
	}
	p, err := h.Store.UpdateProfile(r.Context(), r.PathValue("user_id"), func(p *profile.Profile) error {
		patch.apply(p)
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) setOptOut(w http.ResponseWriter, r *http.Request, out bool) {
	userID, topic := r.PathValue("user_id"), strings.TrimSpace(r.PathValue("topic"))
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	p, err := h.Store.UpdateProfile(r.Context(), userID, func(p *profile.Profile) error {
		if out {
			p.OptOut(topic)
		} else {
			p.OptIn(topic)
		}
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	h.Logger.Info("topic subscription changed", "user_id", userID, "topic", topic, "opted_out", out)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":          userID,
		"topic":            topic,
		"opted_out":        out,
		"opted_out_topics": p.OptedOutTopics,
	})
}

// POST /v1/users/{user_id}/opt-out/{topic}
func (h *Handler) optOut(w http.ResponseWriter, r *http.Request) { h.setOptOut(w, r, true) }

// DELETE /v1/users/{user_id}/opt-out/{topic}
func (h *Handler) optIn(w http.ResponseWriter, r *http.Request) { h.setOptOut(w, r, false) }

type feedbackRequest struct {
	EventID string `json:"event_id"`
	Action  string `json:"action"`
}

// POST /v1/users/{user_id}/feedback nudges the engagement heatmap slot of
// the current local hour.
func (h *Handler) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeJSON(w, r, maxEventBody, &req) {
		return
	}
	req.Action = strings.ToLower(strings.TrimSpace(req.Action))
	if !profile.ValidFeedback(req.Action) {
		writeInvalid(w, "invalid feedback", []string{"action must be one of opened, clicked, dismissed, muted"})
		return
	}
	userID := r.PathValue("user_id")
	now := h.Now()
	p, err := h.Store.UpdateProfile(r.Context(), userID, func(p *profile.Profile) error {
		p.ApplyFeedback(req.Action, now)
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	h.Logger.Info("feedback recorded", "user_id", userID, "event_id", req.EventID, "action", req.Action)
	hour := p.LocalHour(now)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    userID,
		"action":     req.Action,
		"local_hour": hour,
		"engagement": p.Engagement(hour),
	})
}
