package scorer

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/enrich"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/profile"
)

func userContext() *enrich.Context {
	return &enrich.Context{HourlyCap: 5, DailyCap: 20, Profile: profile.Default("u1"), LocalHour: 12}
}

func TestCombine(t *testing.T) {
	cases := []struct {
		name string
		c    Components
		want float64
	}{
		{"all max", Components{1, 1, 0, 1}, 0.75},
		{"fatigued", Components{1, 1, 1, 1}, 0.5},
		{"floor", Components{0, 0, 1, 0}, 0},
		{"clamps inputs", Components{2, -1, 0, 5}, 0.5},
		{"promo", Components{0.2, 1, 0, 1}, 0.47},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.c.Combine(); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Combine = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestThresholds(t *testing.T) {
	th := DefaultThresholds
	for score, want := range map[float64]decision.Decision{
		0.9: decision.Now, 0.75: decision.Now, 0.74: decision.Later, 0.40: decision.Later, 0.39: decision.Never,
	} {
		if got := th.Decide(score); got != want {
			t.Errorf("Decide(%v) = %s, want %s", score, got, want)
		}
	}
}

func TestUrgency(t *testing.T) {
	cases := []struct {
		typ  string
		hint event.Priority
		want float64
	}{
		{"payment_failed", "", 1.0},
		{"Password_Reset", "", 0.9},
		{"weekly_newsletter", "", 0.1},
		{"promo_offer", "", 0.2},
		{"order_shipped", "", 0.4},
		{"promo_offer", event.PriorityHigh, 0.8},
		{"security_alert", event.PriorityLow, 1.0},
	}
	for _, tc := range cases {
		ev := &event.Event{EventType: tc.typ, PriorityHint: tc.hint}
		if got := Urgency(ev); got != tc.want {
			t.Errorf("Urgency(%s, %q) = %v, want %v", tc.typ, tc.hint, got, tc.want)
		}
	}
}

type stubModel struct {
	calls atomic.Int32
	comps Components
	err   error
	delay time.Duration
}

func (m *stubModel) Score(ctx context.Context, _ *event.Event, _ *enrich.Context) (Components, string, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return Components{}, "", ctx.Err()
		}
	}
	return m.comps, "stub", m.err
}

func TestScorerUsesModel(t *testing.T) {
	m := &stubModel{comps: Components{Urgency: 1, Engagement: 1, RecencyBonus: 1}}
	s := New(m, nil, Config{}, nil)
	res := s.Score(context.Background(), &event.Event{EventType: "promo"}, userContext())
	if !res.AIUsed || res.FallbackUsed {
		t.Fatalf("flags ai=%v fallback=%v", res.AIUsed, res.FallbackUsed)
	}
	if res.Decision != decision.Now || res.Step.Check != "llm" || res.Step.Layer != decision.LayerScorer {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestScorerNoModelUsesHeuristic(t *testing.T) {
	s := New(nil, nil, Config{}, nil)
	res := s.Score(context.Background(), &event.Event{EventType: "promo_offer"}, userContext())
	if res.AIUsed || !res.FallbackUsed {
		t.Fatalf("flags ai=%v fallback=%v", res.AIUsed, res.FallbackUsed)
	}
	if math.Abs(res.Score-0.47) > 1e-9 || res.Decision != decision.Later {
		t.Errorf("score %v decision %s", res.Score, res.Decision)
	}
	if res.Step.Check != "heuristic_fallback" || !strings.Contains(res.Step.Detail, "no_model") {
		t.Errorf("unexpected step %+v", res.Step)
	}
}

func TestScorerBreakerStopsCallingModel(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	m := &stubModel{err: errDown}
	s := New(m, NewBreaker(3, 30*time.Second, clk.Now), Config{}, nil)
	ev := &event.Event{EventType: "order_shipped"}

	for i := 0; i < 3; i++ {
		if res := s.Score(context.Background(), ev, userContext()); !res.FallbackUsed {
			t.Fatalf("call %d: failing model must fall back", i)
		}
	}
	for i := 0; i < 5; i++ {
		res := s.Score(context.Background(), ev, userContext())
		if !strings.Contains(res.Step.Detail, "circuit_breaker_open") {
			t.Errorf("expected breaker fallback, got %q", res.Step.Detail)
		}
	}
	if n := m.calls.Load(); n != 3 {
		t.Fatalf("model called %d times, want 3", n)
	}

	clk.Advance(30 * time.Second)
	m.err = nil
	m.comps = Components{Urgency: 0.5, Engagement: 0.5, RecencyBonus: 0.5}
	if res := s.Score(context.Background(), ev, userContext()); !res.AIUsed {
		t.Fatal("trial call should reach the model")
	}
	if s.Breaker().State() != StateClosed {
		t.Errorf("breaker state %s after successful trial", s.Breaker().State())
	}
}

func TestScorerTimeoutFallsBack(t *testing.T) {
	m := &stubModel{delay: time.Second}
	s := New(m, nil, Config{Timeout: 20 * time.Millisecond}, nil)
	start := time.Now()
	res := s.Score(context.Background(), &event.Event{EventType: "x"}, userContext())
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("scorer waited past its timeout")
	}
	if !res.FallbackUsed || !strings.Contains(res.Step.Detail, "model_timeout") {
		t.Errorf("unexpected result %+v", res.Step)
	}
}

func TestScorerNaNModelFallsBack(t *testing.T) {
	m := &stubModel{comps: Components{Urgency: math.NaN()}}
	s := New(m, nil, Config{}, nil)
	if res := s.Score(context.Background(), &event.Event{EventType: "x"}, userContext()); res.AIUsed {
		t.Fatal("NaN component must not be accepted")
	}
}

func TestScorerSafeDefault(t *testing.T) {
	s := New(nil, nil, Config{}, nil)
	s.fallback = func(*event.Event, *enrich.Context, time.Duration) Components {
		return Components{Urgency: math.NaN()}
	}
	res := s.Score(context.Background(), &event.Event{EventType: "x"}, userContext())
	if !res.SafeDefault || res.Decision != decision.Later || res.Step.Check != "safe_default" {
		t.Errorf("unexpected result %+v", res)
	}

	s.fallback = func(*event.Event, *enrich.Context, time.Duration) Components { panic("boom") }
	res = s.Score(context.Background(), &event.Event{EventType: "x"}, userContext())
	if !res.SafeDefault || res.Decision != decision.Later {
		t.Errorf("panicking heuristic: %+v", res)
	}
}

func TestLLMAgainstFakeEndpoint(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		content := `{"urgency":0.9,"engagement":0.8,"fatigue_penalty":0.1,"recency_bonus":1,"reasoning":"account security"}`
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "cmpl-1", "object": "chat.completion", "model": "test-model",
			"choices": []map[string]interface{}{{
				"index": 0, "finish_reason": "stop",
				"message": map[string]interface{}{"role": "assistant", "content": content},
			}},
		})
	}))
	defer srv.Close()

	llm, err := NewLLM(LLMConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "test-model"})
	if err != nil {
		t.Fatal(err)
	}
	ev := &event.Event{EventType: "account_locked", Title: "Locked", Message: "Your account was locked", Channel: event.ChannelPush}
	comps, reasoning, err := llm.Score(context.Background(), ev, userContext())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if comps.Urgency != 0.9 || comps.FatiguePenalty != 0.1 || reasoning != "account security" {
		t.Errorf("unexpected comps %+v %q", comps, reasoning)
	}
	if gotBody["model"] != "test-model" || gotBody["temperature"] != 0.1 {
		t.Errorf("request body %v", gotBody)
	}
	msgs, _ := gotBody["messages"].([]interface{})
	if len(msgs) != 1 || !strings.Contains(msgs[0].(map[string]interface{})["content"].(string), "event_type: account_locked") {
		t.Errorf("prompt missing event fields")
	}
}

func TestLLMBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"not json"}}]}`))
	}))
	defer srv.Close()

	llm, _ := NewLLM(LLMConfig{APIKey: "k", BaseURL: srv.URL})
	if _, _, err := llm.Score(context.Background(), &event.Event{}, userContext()); err == nil {
		t.Fatal("expected error for non-JSON content")
	}
}

func TestNewLLMWithoutKey(t *testing.T) {
	if _, err := NewLLM(LLMConfig{}); err != ErrNoModel {
		t.Fatalf("err = %v, want ErrNoModel", err)
	}
}
