package profile

import (
	"testing"
	"time"
)

func TestDNDActive(t *testing.T) {
	cases := []struct {
		start, end, hour int
		want             bool
	}{
		{22, 8, 23, true},
		{22, 8, 3, true},
		{22, 8, 8, false},
		{22, 8, 12, false},
		{9, 17, 9, true},
		{9, 17, 17, false},
		{0, 0, 5, false},
	}
	for _, tc := range cases {
		if got := DNDActive(tc.start, tc.end, tc.hour); got != tc.want {
			t.Errorf("DNDActive(%d,%d,%d) = %v, want %v", tc.start, tc.end, tc.hour, got, tc.want)
		}
	}
}

func TestDNDEnd(t *testing.T) {
	p := Default("u1")
	late := time.Date(2026, 1, 10, 23, 15, 0, 0, time.UTC)
	if got, want := p.DNDEnd(late), time.Date(2026, 1, 11, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("DNDEnd(23:15) = %v, want %v", got, want)
	}
	early := time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)
	if got, want := p.DNDEnd(early), time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("DNDEnd(03:00) = %v, want %v", got, want)
	}
	day := time.Date(2026, 1, 10, 14, 0, 0, 0, time.UTC)
	if got := p.DNDEnd(day); !got.Equal(day) {
		t.Errorf("outside DND should return t, got %v", got)
	}
}

func TestFeedbackAndOptimalHours(t *testing.T) {
	p := Default("u1")
	at := time.Date(2026, 1, 10, 14, 0, 0, 0, time.UTC)
	p.ApplyFeedback(FeedbackDismissed, at)
	p.ApplyFeedback(FeedbackDismissed, at)
	if got := p.Heatmap[14]; got < 0.79 || got > 0.81 {
		t.Errorf("heatmap[14] = %v, want 0.8", got)
	}
	p.ApplyFeedback(FeedbackOpened, at)
	p.ApplyFeedback(FeedbackOpened, at)
	p.ApplyFeedback(FeedbackOpened, at)
	if p.Heatmap[14] != 1 {
		t.Errorf("heatmap must clamp at 1, got %v", p.Heatmap[14])
	}

	p.Heatmap[10] = 0.2
	hours := p.OptimalHours(3)
	if len(hours) != 3 || hours[0] != 8 {
		t.Errorf("OptimalHours = %v", hours)
	}
	for _, h := range hours {
		if h == 10 || DNDActive(p.DNDStartHour, p.DNDEndHour, h) {
			t.Errorf("hour %d should not be optimal", h)
		}
	}
}

func TestOptOutIn(t *testing.T) {
	p := Default("u1")
	if !p.OptOut("promo") || p.OptOut("promo") {
		t.Error("OptOut should report change once")
	}
	if !p.OptIn("promo") || p.OptedOut("promo") {
		t.Error("OptIn should remove the topic")
	}
}
