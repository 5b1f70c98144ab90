package api

import (
	"net/http"
	"strconv"

	"github.com/gyaneshwarpardhi/npe/internal/rules"
)

// ruleRequest is the body of rule create and update. Omitted fields take
// defaults on create and keep their stored value on update.
type ruleRequest struct {
	Name          *string                `json:"name"`
	Type          *rules.Type            `json:"type"`
	Conditions    map[string]interface{} `json:"conditions"`
	ActionParams  map[string]interface{} `json:"action_params"`
	PriorityOrder *int                   `json:"priority_order"`
	Active        *bool                  `json:"active"`
}

func (req ruleRequest) apply(r *rules.Rule) {
	if req.Name != nil {
		r.Name = *req.Name
	}
	if req.Type != nil {
		r.Type = *req.Type
	}
	if req.Conditions != nil {
		r.Conditions = req.Conditions
	}
	if req.ActionParams != nil {
		r.ActionParams = req.ActionParams
	}
	if req.PriorityOrder != nil {
		r.PriorityOrder = *req.PriorityOrder
	}
	if req.Active != nil {
		r.Active = *req.Active
	}
}

func validRule(w http.ResponseWriter, r *rules.Rule) bool {
	if r.PriorityOrder < 1 || r.PriorityOrder > 1000 {
		writeInvalid(w, "invalid rule", []string{"priority_order must be in [1, 1000]"})
		return false
	}
	if err := r.Validate(); err != nil {
		writeInvalid(w, err.Error(), nil)
		return false
	}
	return true
}

func (h *Handler) rulesChanged() {
	if h.Rules != nil {
		h.Rules.Invalidate()
	}
}

// GET /v1/rules?active_only= lists rules by priority.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if s := r.URL.Query().Get("active_only"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active_only must be a boolean")
			return
		}
		activeOnly = b
	}
	rs, err := h.Store.ListRules(r.Context(), activeOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(rs), "rules": rs})
}

// POST /v1/rules creates a rule. Names are unique.
func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, maxEventBody, &req) {
		return
	}
	rule := &rules.Rule{
		Conditions:    map[string]interface{}{},
		ActionParams:  map[string]interface{}{},
		PriorityOrder: 100,
		Active:        true,
	}
	req.apply(rule)
	if !validRule(w, rule) {
		return
	}
	if err := h.Store.CreateRule(r.Context(), rule); err != nil {
		writeStoreError(w, err)
		return
	}
	h.rulesChanged()
	h.Logger.Info("rule created", "rule_id", rule.ID, "name", rule.Name, "type", rule.Type)
	writeJSON(w, http.StatusCreated, rule)
}

// GET /v1/rules/{id}
func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// PUT /v1/rules/{id} updates the supplied fields of a rule.
func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req ruleRequest
	if !decodeJSON(w, r, maxEventBody, &req) {
		return
	}
	req.apply(rule)
	if !validRule(w, rule) {
		return
	}
	if err := h.Store.UpdateRule(r.Context(), rule); err != nil {
		writeStoreError(w, err)
		return
	}
	h.rulesChanged()
	h.Logger.Info("rule updated", "rule_id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusOK, rule)
}

// PATCH /v1/rules/{id}/toggle flips the active flag.
func (h *Handler) toggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.ToggleRule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	h.rulesChanged()
	h.Logger.Info("rule toggled", "rule_id", rule.ID, "active", rule.Active)
	writeJSON(w, http.StatusOK, rule)
}

// DELETE /v1/rules/{id}
func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Store.DeleteRule(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	h.rulesChanged()
	h.Logger.Info("rule deleted", "rule_id", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}
