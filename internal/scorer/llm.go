package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/npe/internal/enrich"
	"github.com/gyaneshwarpardhi/npe/internal/event"
)

var (
	// ErrNoModel means no API key was configured for the hosted model.
	ErrNoModel = errors.New("scorer: no model configured")
	// ErrRateLimited means the local call budget is spent. It does not
	// count against the breaker.
	ErrRateLimited = errors.New("scorer: model call budget exhausted")
	// ErrBadResponse means the model answered with something unusable.
	ErrBadResponse = errors.New("scorer: unusable model response")
)

// Model is an external scoring strategy.
type Model interface {
	Score(ctx context.Context, ev *event.Event, c *enrich.Context) (Components, string, error)
}

// LLMConfig configures the OpenAI-compatible chat completion client.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// RatePerSec caps outbound calls; zero means unlimited.
	RatePerSec int
}

// LLM scores events with a hosted chat model.
type LLM struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
}

// NewLLM returns ErrNoModel when cfg carries no API key.
func NewLLM(cfg LLMConfig) (*LLM, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoModel
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	l := &LLM{client: openai.NewClientWithConfig(oc), model: cfg.Model}
	if cfg.RatePerSec > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return l, nil
}

type llmScores struct {
	Urgency        *float64 `json:"urgency"`
	Engagement     *float64 `json:"engagement"`
	FatiguePenalty *float64 `json:"fatigue_penalty"`
	RecencyBonus   *float64 `json:"recency_bonus"`
	Reasoning      string   `json:"reasoning"`
}

func orDefault(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// Score asks the model for the four components. Missing fields take the
// neutral values 0.5, 0.5, 0 and 0.5.
func (l *LLM) Score(ctx context.Context, ev *event.Event, c *enrich.Context) (Components, string, error) {
	if l.limiter != nil && !l.limiter.Allow() {
		return Components{}, "", ErrRateLimited
	}

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(ev, c)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.1,
		MaxTokens:      256,
	})
	if err != nil {
		return Components{}, "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Components{}, "", fmt.Errorf("%w: no choices", ErrBadResponse)
	}

	var s llmScores
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &s); err != nil {
		return Components{}, "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	comps := Components{
		Urgency:        orDefault(s.Urgency, 0.5),
		Engagement:     orDefault(s.Engagement, 0.5),
		FatiguePenalty: orDefault(s.FatiguePenalty, 0),
		RecencyBonus:   orDefault(s.RecencyBonus, 0.5),
	}
	if s.Reasoning == "" {
		s.Reasoning = "model scored this event"
	}
	return comps, s.Reasoning, nil
}

// BuildPrompt renders the scoring prompt for one event.
func BuildPrompt(ev *event.Event, c *enrich.Context) string {
	msg := []rune(ev.Message)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	hint := string(ev.PriorityHint)
	if hint == "" {
		hint = "none"
	}
	since := "never_sent"
	if c.SinceLastSend != nil {
		since = fmt.Sprintf("%d", int64(c.SinceLastSend.Seconds()))
	}

	var b strings.Builder
	b.WriteString("You are a notification prioritization engine. Analyze this notification and return ONLY valid JSON, no explanation, no markdown.\n\n")
	b.WriteString("NOTIFICATION EVENT:\n")
	fmt.Fprintf(&b, "- event_type: %s\n", ev.EventType)
	fmt.Fprintf(&b, "- title: %s\n", ev.Title)
	fmt.Fprintf(&b, "- message: %s\n", string(msg))
	fmt.Fprintf(&b, "- source: %s\n", ev.Source)
	fmt.Fprintf(&b, "- channel: %s\n", ev.Channel)
	fmt.Fprintf(&b, "- priority_hint: %s\n\n", hint)
	b.WriteString("USER CONTEXT:\n")
	fmt.Fprintf(&b, "- notifications_sent_last_1h: %d (cap: %d)\n", c.HourlyCount, c.HourlyCap)
	fmt.Fprintf(&b, "- notifications_sent_last_24h: %d (cap: %d)\n", c.DailyCount, c.DailyCap)
	fmt.Fprintf(&b, "- seconds_since_last_same_type: %s\n", since)
	fmt.Fprintf(&b, "- dnd_active: %t\n", c.DNDActive)
	fmt.Fprintf(&b, "- current_local_hour: %d\n", c.LocalHour)
	fmt.Fprintf(&b, "- user_segment: %s\n", c.Profile.Segment)
	fmt.Fprintf(&b, "- engagement_at_current_hour: %.2f\n\n", c.Engagement())
	b.WriteString("SCORING FORMULA: score = (0.35 * urgency) + (0.25 * engagement) - (0.25 * fatigue_penalty) + (0.15 * recency_bonus)\n\n")
	b.WriteString("Return this exact JSON structure:\n")
	b.WriteString(`{"urgency": <float 0.0-1.0>, "engagement": <float 0.0-1.0>, "fatigue_penalty": <float 0.0-1.0>, "recency_bonus": <float 0.0-1.0>, "reasoning": "<one sentence>"}`)
	return b.String()
}
