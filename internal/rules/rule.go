package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/condition"
	"github.com/gyaneshwarpardhi/npe/internal/event"
)

// Type selects what a matching rule does.
type Type string

const (
	ForceNow        Type = "force_now"
	ForceNever      Type = "force_never"
	QuietHours      Type = "quiet_hours"
	ChannelOverride Type = "channel_override"
)

// Valid reports whether t is a known rule type.
func (t Type) Valid() bool {
	switch t {
	case ForceNow, ForceNever, QuietHours, ChannelOverride:
		return true
	}
	return false
}

// Rule is an administrator-defined condition with an action.
// Lower PriorityOrder values take precedence among rules of the same type.
type Rule struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Type          Type                   `json:"type"`
	Conditions    map[string]interface{} `json:"conditions"`
	ActionParams  map[string]interface{} `json:"action_params"`
	PriorityOrder int                    `json:"priority_order"`
	Active        bool                   `json:"active"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Validate checks a rule before it is persisted.
func (r *Rule) Validate() error {
	var errs []string
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, "name is required")
	} else if len(r.Name) > 128 {
		errs = append(errs, "name exceeds 128 characters")
	}
	if !r.Type.Valid() {
		errs = append(errs, fmt.Sprintf("unknown rule type %q", r.Type))
	}
	if _, err := condition.Compile(r.Conditions); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := parseAction(r); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.New("invalid rule: " + strings.Join(errs, "; "))
	}
	return nil
}

// action holds the parsed action parameters of a soft rule.
type action struct {
	startHour int
	endHour   int
	loc       *time.Location

	allowed  map[event.Channel]bool
	fallback event.Channel
}

func parseAction(r *Rule) (action, error) {
	a := action{loc: time.UTC}
	switch r.Type {
	case QuietHours:
		a.startHour = intParam(r.ActionParams, "start_hour", 22)
		a.endHour = intParam(r.ActionParams, "end_hour", 8)
		if a.startHour < 0 || a.startHour > 23 || a.endHour < 0 || a.endHour > 23 {
			return a, fmt.Errorf("quiet hours must be within 0-23, got %d-%d", a.startHour, a.endHour)
		}
		if tz, ok := r.ActionParams["timezone"].(string); ok && tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return a, fmt.Errorf("timezone %q: %w", tz, err)
			}
			a.loc = loc
		}
	case ChannelOverride:
		a.allowed = make(map[event.Channel]bool)
		var raw []interface{}
		switch v := r.ActionParams["allowed_channels"].(type) {
		case []interface{}:
			raw = v
		case []string:
			for _, s := range v {
				raw = append(raw, s)
			}
		}
		if len(raw) == 0 {
			return a, errors.New("channel_override requires allowed_channels")
		}
		for _, v := range raw {
			s, _ := v.(string)
			ch := event.Channel(s)
			if !ch.Valid() {
				return a, fmt.Errorf("unknown channel %q in allowed_channels", s)
			}
			a.allowed[ch] = true
		}
		if fb, ok := r.ActionParams["fallback_channel"].(string); ok && fb != "" {
			a.fallback = event.Channel(fb)
			if !a.fallback.Valid() {
				return a, fmt.Errorf("unknown fallback_channel %q", fb)
			}
		}
	}
	return a, nil
}

// inWindow reports whether now falls inside the quiet-hours window.
// Windows with start > end wrap past midnight.
func (a action) inWindow(now time.Time) bool {
	h := now.In(a.loc).Hour()
	if a.startHour == a.endHour {
		return false
	}
	if a.startHour > a.endHour {
		return h >= a.startHour || h < a.endHour
	}
	return h >= a.startHour && h < a.endHour
}

func intParam(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}
