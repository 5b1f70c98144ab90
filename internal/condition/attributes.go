package condition

import (
	"strings"

	"github.com/gyaneshwarpardhi/npe/internal/event"
)

// EventAttributes exposes an event's fields under the keys rules match on:
// event_type, source, channel, priority_hint, user_id, title and
// meta.<path> for metadata (dot-separated for nested maps).
type EventAttributes struct {
	Event *event.Event
}

// Lookup implements Attributes.
func (a EventAttributes) Lookup(key string) (interface{}, bool) {
	ev := a.Event
	switch key {
	case "event_type":
		return ev.EventType, true
	case "source":
		return ev.Source, true
	case "channel":
		return string(ev.Channel), true
	case "priority_hint":
		if ev.PriorityHint == "" {
			return nil, false
		}
		return string(ev.PriorityHint), true
	case "user_id":
		return ev.UserID, true
	case "title":
		return ev.Title, true
	}
	if rest, ok := strings.CutPrefix(key, "meta."); ok && ev.Metadata != nil {
		return resolveMap(ev.Metadata, strings.Split(rest, "."))
	}
	return nil, false
}

func resolveMap(m map[string]interface{}, path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	val, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return val, true
	}
	sub, ok := val.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return resolveMap(sub, path[1:])
}
