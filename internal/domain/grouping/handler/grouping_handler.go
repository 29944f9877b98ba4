// Package handler exposes product grouping as a JSON API
package handler

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping"
	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping/export"
	"github.com/FACorreiaa/grocery-tracker/pkg/interceptors"
)

// GroupingHandler serves the /products routes
type GroupingHandler struct {
	svc      *grouping.Service
	currency string
	logger   *slog.Logger
}

// NewGroupingHandler creates a new grouping handler
func NewGroupingHandler(svc *grouping.Service, currency string, logger *slog.Logger) *GroupingHandler {
	return &GroupingHandler{svc: svc, currency: currency, logger: logger}
}

// Routes mounts every grouping endpoint. Callers must be authenticated.
func (h *GroupingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/view", h.handleView)
	r.Get("/worklist", h.handleWorklist)
	r.Get("/normalize", h.handleNormalize)
	r.Get("/export.csv", h.handleExportCSV)
	r.Get("/export.xlsx", h.handleExportXLSX)

	r.Route("/suggestions", func(r chi.Router) {
		r.Get("/", h.handleSuggestions)
		r.Post("/accept", h.handleAccept)
		r.Post("/accept-bulk", h.handleAcceptBulk)
		r.Post("/reject", h.handleReject)
		r.Get("/ignored", h.handleListIgnored)
		r.Delete("/ignored", h.handleRestoreIgnored)
	})

	r.Route("/groups", func(r chi.Router) {
		r.Get("/search", h.handleSearchGroups)
		r.Post("/rename", h.handleRename)
		r.Post("/merge", h.handleMerge)
		r.Post("/category", h.handleStandardizeCategory)
		r.Post("/assign", h.handleAssign)
		r.Post("/remove", h.handleRemove)
	})

	r.Put("/overrides/{globalID}", h.handleSetOverride)
	r.Delete("/overrides/{globalID}", h.handleRevertOverride)

	r.Delete("/rules/{ruleID}", h.handleForgetRule)
	r.Post("/rules/bulk-delete", h.handleForgetRules)

	return r
}

// actor resolves the caller. Only admins may write shared rules.
func (h *GroupingHandler) actor(w http.ResponseWriter, r *http.Request) (grouping.Actor, bool) {
	userIDStr, ok := interceptors.GetUserIDFromContext(r.Context())
	if !ok || userIDStr == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return grouping.Actor{}, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid account id"})
		return grouping.Actor{}, false
	}
	return grouping.Actor{OwnerID: userID, CanEditGlobal: interceptors.IsAdmin(r.Context())}, true
}

func (h *GroupingHandler) handleView(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	view, err := h.svc.View(r.Context(), actor.OwnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(view, h.currency))
}

func (h *GroupingHandler) handleWorklist(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	items, err := h.svc.Worklist(r.Context(), actor.OwnerID, r.URL.Query().Get("q"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toWorklist(items, h.currency)})
}

func (h *GroupingHandler) handleNormalize(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		h.writeError(w, r, &grouping.ValidationError{Field: "name", Message: "name is required"})
		return
	}
	normalized, err := h.svc.Normalize(r.Context(), actor.OwnerID, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":       normalized.Key,
		"category":  normalized.Category,
		"from_rule": normalized.FromRule,
	})
}

func (h *GroupingHandler) handleSearchGroups(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hits, err := h.svc.SearchGroups(r.Context(), actor.OwnerID, r.URL.Query().Get("q"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []grouping.GroupHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": hits})
}

func (h *GroupingHandler) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	suggestions, err := h.svc.Suggestions(r.Context(), actor.OwnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if suggestions == nil {
		suggestions = []grouping.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (h *GroupingHandler) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req grouping.AcceptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.svc.AcceptSuggestion(r.Context(), actor.OwnerID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeBulk(w, result)
}

func (h *GroupingHandler) handleAcceptBulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Suggestions []grouping.AcceptRequest `json:"suggestions"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.svc.AcceptSuggestions(r.Context(), actor.OwnerID, req.Suggestions)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeBulk(w, result)
}

type membersRequest struct {
	Members []string `json:"members"`
}

func (h *GroupingHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req membersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.RejectSuggestion(r.Context(), actor.OwnerID, req.Members); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GroupingHandler) handleListIgnored(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ignored, err := h.svc.IgnoredSuggestions(r.Context(), actor.OwnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ignored == nil {
		ignored = []grouping.IgnoredSuggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ignored": ignored})
}

func (h *GroupingHandler) handleRestoreIgnored(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req membersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.RestoreSuggestion(r.Context(), actor.OwnerID, req.Members); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GroupingHandler) handleRename(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.svc.RenameGroup(r.Context(), actor, req.From, req.To)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMutation(w, result)
}

func (h *GroupingHandler) handleMerge(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Sources []string `json:"sources"`
		Target  string   `json:"target"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.svc.MergeGroups(r.Context(), actor, req.Sources, req.Target)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMutation(w, result)
}

func (h *GroupingHandler) handleStandardizeCategory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Group    string `json:"group"`
		Category string `json:"category"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.svc.StandardizeCategory(r.Context(), actor, req.Group, req.Category)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMutation(w, result)
}

type productRequest struct {
	OriginalName string `json:"original_name"`
	Group        string `json:"group,omitempty"`
}

func (h *GroupingHandler) handleAssign(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req productRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.svc.AssignToGroup(r.Context(), actor.OwnerID, req.OriginalName, req.Group)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMutation(w, result)
}

func (h *GroupingHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req productRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.svc.RemoveFromGroup(r.Context(), actor.OwnerID, req.OriginalName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeMutation(w, result)
}

func (h *GroupingHandler) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	globalID, err := pathUUID(r, "globalID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Category string `json:"category"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	override, err := h.svc.SetCategoryOverride(r.Context(), actor.OwnerID, globalID, req.Category)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, override)
}

func (h *GroupingHandler) handleRevertOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	globalID, err := pathUUID(r, "globalID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.RevertCategoryOverride(r.Context(), actor.OwnerID, globalID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GroupingHandler) handleForgetRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ruleID, err := pathUUID(r, "ruleID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeBulk(w, h.svc.ForgetRules(r.Context(), actor.OwnerID, []uuid.UUID{ruleID}))
}

func (h *GroupingHandler) handleForgetRules(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		RuleIDs []uuid.UUID `json:"rule_ids"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.RuleIDs) == 0 {
		h.writeError(w, r, &grouping.ValidationError{Field: "rule_ids", Message: "at least one rule id is required"})
		return
	}
	h.writeBulk(w, h.svc.ForgetRules(r.Context(), actor.OwnerID, req.RuleIDs))
}

func (h *GroupingHandler) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	view, err := h.svc.View(r.Context(), actor.OwnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteRulesCSV(&buf, view); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="product-rules.csv"`)
	_, _ = w.Write(buf.Bytes())
}

func (h *GroupingHandler) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	view, err := h.svc.View(r.Context(), actor.OwnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteGroupsXLSX(&buf, view, h.currency); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="product-groups.xlsx"`)
	_, _ = w.Write(buf.Bytes())
}

func pathUUID(r *http.Request, param string) (uuid.UUID, error) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &grouping.ValidationError{Field: param, Message: fmt.Sprintf("invalid id %q", raw)}
	}
	return id, nil
}
