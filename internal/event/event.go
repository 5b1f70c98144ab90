package event

import (
	"strings"
	"time"
)

// Channel is the delivery medium requested for a notification.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Channels lists every accepted channel.
var Channels = []Channel{ChannelPush, ChannelEmail, ChannelSMS, ChannelInApp}

// Priority is the caller's optional urgency hint.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Event is the canonical, immutable input to the decision pipeline.
// It is created at ingress and never mutated afterwards.
type Event struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	EventType    string                 `json:"event_type"` // also the topic
	Title        string                 `json:"title"`
	Message      string                 `json:"message"`
	Source       string                 `json:"source"`
	Channel      Channel                `json:"channel"`
	PriorityHint Priority               `json:"priority_hint,omitempty"`
	DedupeKey    string                 `json:"dedupe_key,omitempty"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	Timestamp    *time.Time             `json:"timestamp,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ReceivedAt   time.Time              `json:"-"`
}

// Topic is the key used for cooldowns and opt-outs.
func (e *Event) Topic() string { return e.EventType }

// Critical reports whether the caller flagged the event as critical.
func (e *Event) Critical() bool { return e.PriorityHint == PriorityCritical }

// Expired reports whether the event carries an expiry strictly before now.
func (e *Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// Normalize fills request defaults. Call it before Validate.
func (e *Event) Normalize() {
	e.UserID = strings.TrimSpace(e.UserID)
	e.EventType = strings.TrimSpace(e.EventType)
	e.Source = strings.TrimSpace(e.Source)
	e.Channel = Channel(strings.ToLower(strings.TrimSpace(string(e.Channel))))
	if e.Channel == "" {
		e.Channel = ChannelPush
	}
	e.PriorityHint = Priority(strings.ToLower(strings.TrimSpace(string(e.PriorityHint))))
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	for _, k := range Channels {
		if c == k {
			return true
		}
	}
	return false
}

// Valid reports whether p is empty or a known priority.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}
