package condition

import (
	"testing"

	"github.com/gyaneshwarpardhi/npe/internal/event"
)

// mockAttrs implements Attributes for tests.
type mockAttrs map[string]interface{}

func (m mockAttrs) Lookup(key string) (interface{}, bool) {
	v, ok := m[key]
	return v, ok
}

type matchCase struct {
	name  string
	conds map[string]interface{}
	attrs Attributes
	want  bool
}

func TestPredicateMatch(t *testing.T) {
	cases := []matchCase{
		{
			name:  "empty predicate matches",
			conds: map[string]interface{}{},
			attrs: mockAttrs{"event_type": "anything"},
			want:  true,
		},
		{
			name:  "list membership",
			conds: map[string]interface{}{"event_type": []interface{}{"payment_failed", "payment_declined"}},
			attrs: mockAttrs{"event_type": "payment_failed"},
			want:  true,
		},
		{
			name:  "list miss",
			conds: map[string]interface{}{"event_type": []interface{}{"payment_failed"}},
			attrs: mockAttrs{"event_type": "promo_offer"},
			want:  false,
		},
		{
			name:  "scalar equality",
			conds: map[string]interface{}{"channel": "sms"},
			attrs: mockAttrs{"channel": "sms"},
			want:  true,
		},
		{
			name:  "every key must hold",
			conds: map[string]interface{}{"channel": "sms", "priority_hint": "low"},
			attrs: mockAttrs{"channel": "sms", "priority_hint": "high"},
			want:  false,
		},
		{
			name:  "missing attribute fails scalar",
			conds: map[string]interface{}{"priority_hint": "low"},
			attrs: mockAttrs{},
			want:  false,
		},
		{
			name:  "gte operator",
			conds: map[string]interface{}{"meta.amount": map[string]interface{}{"gte": float64(100)}},
			attrs: mockAttrs{"meta.amount": 150},
			want:  true,
		},
		{
			name:  "lte operator fails",
			conds: map[string]interface{}{"meta.amount": map[string]interface{}{"lte": float64(100)}},
			attrs: mockAttrs{"meta.amount": float64(150)},
			want:  false,
		},
		{
			name:  "contains is case-insensitive",
			conds: map[string]interface{}{"event_type": map[string]interface{}{"contains": "FAIL"}},
			attrs: mockAttrs{"event_type": "payment_failed"},
			want:  true,
		},
		{
			name:  "not_in holds for missing attribute",
			conds: map[string]interface{}{"priority_hint": map[string]interface{}{"not_in": []interface{}{"low"}}},
			attrs: mockAttrs{},
			want:  true,
		},
		{
			name:  "matches regex",
			conds: map[string]interface{}{"source": map[string]interface{}{"matches": "^billing-"}},
			attrs: mockAttrs{"source": "billing-service"},
			want:  true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Compile(tc.conds)
			if err != nil {
				t.Fatalf("Compile error: %v", err)
			}
			if got := p.Match(tc.attrs); got != tc.want {
				t.Errorf("Match() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	bad := []map[string]interface{}{
		{"x": map[string]interface{}{"between": 1}},
		{"x": map[string]interface{}{"gte": "ten"}},
		{"x": map[string]interface{}{"matches": "("}},
		{"x": map[string]interface{}{"not_in": "low"}},
	}
	for _, conds := range bad {
		if _, err := Compile(conds); err == nil {
			t.Errorf("expected error for %v", conds)
		}
	}
}

func TestEventAttributes(t *testing.T) {
	ev := &event.Event{
		UserID:       "user_1",
		EventType:    "order_shipped",
		Source:       "shop",
		Channel:      event.ChannelEmail,
		PriorityHint: event.PriorityHigh,
		Metadata: map[string]interface{}{
			"order": map[string]interface{}{"total": float64(42)},
		},
	}
	attrs := EventAttributes{Event: ev}

	if v, ok := attrs.Lookup("channel"); !ok || v != "email" {
		t.Errorf("channel lookup = %v, %v", v, ok)
	}
	if v, ok := attrs.Lookup("meta.order.total"); !ok || v != float64(42) {
		t.Errorf("nested meta lookup = %v, %v", v, ok)
	}
	if _, ok := attrs.Lookup("meta.order.missing"); ok {
		t.Error("missing meta key should not resolve")
	}

	ev.PriorityHint = ""
	if _, ok := attrs.Lookup("priority_hint"); ok {
		t.Error("empty priority hint should be absent")
	}
}
