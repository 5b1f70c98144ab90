package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/npe/internal/decision"
	"github.com/gyaneshwarpardhi/npe/internal/enrich"
	"github.com/gyaneshwarpardhi/npe/internal/event"
	"github.com/gyaneshwarpardhi/npe/internal/fatigue"
	"github.com/gyaneshwarpardhi/npe/internal/metrics"
	"github.com/gyaneshwarpardhi/npe/internal/profile"
	"github.com/gyaneshwarpardhi/npe/internal/rules"
	"github.com/gyaneshwarpardhi/npe/internal/store"
)

const (
	maxEventBody = 1 << 20
	maxBatchBody = 16 << 20

	defaultHistory = 20
	maxHistory     = 100
)

// Evaluator runs the decision pipeline.
type Evaluator interface {
	Evaluate(ctx context.Context, ev *event.Event) *decision.Result
	EvaluateBatch(ctx context.Context, evs []*event.Event) []*decision.Result
	QueueUtilization() float64
}

// Store is the relational storage behind the admin and audit routes.
type Store interface {
	CreateRule(ctx context.Context, r *rules.Rule) error
	UpdateRule(ctx context.Context, r *rules.Rule) error
	ToggleRule(ctx context.Context, id string) (*rules.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (*rules.Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*rules.Rule, error)

	Decision(ctx context.Context, eventID string) (*store.AuditRecord, error)
	History(ctx context.Context, userID string, limit int) ([]*store.AuditRecord, error)

	Profile(ctx context.Context, userID string) (*profile.Profile, bool, error)
	UpdateProfile(ctx context.Context, userID string, fn func(*profile.Profile) error) (*profile.Profile, error)
	OpenBatches(ctx context.Context, userID string) ([]*store.Batch, error)

	Ping(ctx context.Context) error
}

// Counters reads fatigue counters for the profile view.
type Counters interface {
	Counts(ctx context.Context, userID, channel string) (fatigue.Counts, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handler's collaborators.
type Deps struct {
	Engine   Evaluator
	Store    Store
	Counters Counters
	// Rules is nudged after every rule mutation.
	Rules interface{ Invalidate() }
	KV    Pinger
	// Caps returns the current default caps.
	Caps   func() enrich.Caps
	Logger *slog.Logger
	Now    func() time.Time
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Deps
	mux *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Caps == nil {
		d.Caps = func() enrich.Caps { return enrich.Caps{Hourly: 5, Daily: 20} }
	}
	h := &Handler{Deps: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/notifications/evaluate", h.evaluate)
	h.mux.HandleFunc("POST /v1/notifications/batch-evaluate", h.evaluateBatch)
	h.mux.HandleFunc("GET /v1/notifications/audit/{event_id}", h.audit)
	h.mux.HandleFunc("GET /v1/notifications/history/{user_id}", h.history)

	h.mux.HandleFunc("GET /v1/rules", h.listRules)
	h.mux.HandleFunc("POST /v1/rules", h.createRule)
	h.mux.HandleFunc("GET /v1/rules/{id}", h.getRule)
	h.mux.HandleFunc("PUT /v1/rules/{id}", h.updateRule)
	h.mux.HandleFunc("PATCH /v1/rules/{id}/toggle", h.toggleRule)
	h.mux.HandleFunc("DELETE /v1/rules/{id}", h.deleteRule)

	h.mux.HandleFunc("GET /v1/users/{user_id}/notification-profile", h.notificationProfile)
	h.mux.HandleFunc("PATCH /v1/users/{user_id}/preferences", h.updatePreferences)
	h.mux.HandleFunc("POST /v1/users/{user_id}/opt-out/{topic}", h.optOut)
	h.mux.HandleFunc("DELETE /v1/users/{user_id}/opt-out/{topic}", h.optIn)
	h.mux.HandleFunc("POST /v1/users/{user_id}/feedback", h.feedback)

	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(d.Logger, h.mux)
}

// prepare assigns an ID and receive time, normalizes and validates.
func (h *Handler) prepare(ev *event.Event, now time.Time) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.ReceivedAt = now
	ev.Normalize()
	return ev.Validate()
}

// POST /v1/notifications/evaluate runs one event through the pipeline.
func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if !decodeJSON(w, r, maxEventBody, &ev) {
		return
	}
	if err := h.prepare(&ev, h.Now()); err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			writeInvalid(w, "invalid event", verr.Problems)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Engine.Evaluate(r.Context(), &ev))
}

type batchRequest struct {
	Events []*event.Event `json:"events"`
}

type batchResponse struct {
	BatchID     string             `json:"batch_id"`
	Total       int                `json:"total"`
	Results     []*decision.Result `json:"results"`
	ProcessedAt time.Time          `json:"processed_at"`
}

// POST /v1/notifications/batch-evaluate evaluates up to 500 events and
// answers in input order.
func (h *Handler) evaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeJSON(w, r, maxBatchBody, &req) {
		return
	}
	switch {
	case len(req.Events) == 0:
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	case len(req.Events) > event.MaxBatchSize:
		writeInvalid(w, fmt.Sprintf("batch size %d exceeds max %d", len(req.Events), event.MaxBatchSize), nil)
		return
	}

	now := h.Now()
	var problems []string
	for i, ev := range req.Events {
		if ev == nil {
			problems = append(problems, fmt.Sprintf("events[%d]: null event", i))
			continue
		}
		if err := h.prepare(ev, now); err != nil {
			var verr *event.ValidationError
			if !errors.As(err, &verr) {
				problems = append(problems, fmt.Sprintf("events[%d]: %v", i, err))
				continue
			}
			for _, p := range verr.Problems {
				problems = append(problems, fmt.Sprintf("events[%d]: %s", i, p))
			}
		}
	}
	if len(problems) > 0 {
		writeInvalid(w, "invalid events", problems)
		return
	}

	results := h.Engine.EvaluateBatch(r.Context(), req.Events)
	writeJSON(w, http.StatusOK, batchResponse{
		BatchID:     uuid.New().String(),
		Total:       len(results),
		Results:     results,
		ProcessedAt: h.Now(),
	})
}

// GET /v1/notifications/audit/{event_id} returns the full decision record.
func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.Decision(r.Context(), r.PathValue("event_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /v1/notifications/history/{user_id} lists recent decisions, newest first.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxHistory {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer in [1, %d]", maxHistory))
			return
		}
		limit = n
	}
	userID := r.PathValue("user_id")
	recs, err := h.Store.History(r.Context(), userID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"count":     len(recs),
		"decisions": recs,
	})
}

// GET /healthz is always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz is 503 when a store is unreachable or the batch queue is
// more than 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	ping := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	ping("store", h.Store)
	ping("kv", h.KV)

	util := h.Engine.QueueUtilization()
	metrics.BatchQueueUtilization.Set(util)
	status, code := "ready", http.StatusOK
	switch {
	case !ready:
		status, code = "unavailable", http.StatusServiceUnavailable
	case util > 0.8:
		status, code = "overloaded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"checks":            checks,
		"queue_utilization": util,
	})
}
