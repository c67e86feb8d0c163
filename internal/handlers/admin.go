package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/platform/httpx"
	"github.com/marketplane/api/internal/services"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// AdminHandlers exposes operator-only endpoints for audit inspection.
type AdminHandlers struct {
	system services.SystemService
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(system services.SystemService) *AdminHandlers {
	return &AdminHandlers{system: system}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/audit-logs", h.listAuditLogs)
	r.Post("/counters/{counterID}:next", h.nextCounterValue)
}

type nextCounterRequest struct {
	Step int64 `json:"step"`
}

type nextCounterResponse struct {
	CounterID string `json:"counter_id"`
	Value     int64  `json:"value"`
}

// nextCounterValue advances a named sequence, letting operators reserve
// order-number blocks ahead of imports.
func (h *AdminHandlers) nextCounterValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}
	if actor.Type != domain.ActorTypeAdmin && actor.Type != domain.ActorTypeSystem {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "admin access required", http.StatusForbidden))
		return
	}

	counterID := strings.TrimSpace(chi.URLParam(r, "counterID"))
	if counterID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "counter id is required", http.StatusBadRequest))
		return
	}

	var req nextCounterRequest
	body, err := readLimitedBody(r, maxOrderSmallBodySize)
	switch {
	case err == nil:
		if unmarshalErr := json.Unmarshal(body, &req); unmarshalErr != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// Step defaults to one.
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if req.Step < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "step must not be negative", http.StatusBadRequest))
		return
	}

	value, err := h.system.NextCounterValue(ctx, services.CounterCommand{
		CounterID: counterID,
		Step:      req.Step,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("counter_error", "failed to advance counter", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, nextCounterResponse{
		CounterID: counterID,
		Value:     value,
	})
}

func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}
	if actor.Type != domain.ActorTypeAdmin && actor.Type != domain.ActorTypeSystem {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "admin access required", http.StatusForbidden))
		return
	}

	query := r.URL.Query()
	filter := services.AuditLogFilter{
		TargetRef: strings.TrimSpace(query.Get("target_ref")),
		Actor:     strings.TrimSpace(query.Get("actor")),
		ActorType: strings.TrimSpace(query.Get("actor_type")),
		Action:    strings.TrimSpace(query.Get("action")),
	}

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.To = &ts
	}

	pageSize := defaultAuditPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultAuditPageSize
		case size > maxAuditPageSize:
			pageSize = maxAuditPageSize
		default:
			pageSize = size
		}
	}
	filter.Pagination = services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}

	page, err := h.system.ListAuditLogs(ctx, filter)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_log_error", "failed to list audit logs", http.StatusInternalServerError))
		return
	}

	items := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, buildAuditLogPayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type auditLogListResponse struct {
	Items         []auditLogPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func buildAuditLogPayload(entry services.AuditLogEntry) auditLogPayload {
	return auditLogPayload{
		ID:        entry.ID,
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Metadata:  cloneMap(entry.Metadata),
		Diff:      cloneMap(entry.Diff),
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		CreatedAt: formatTime(entry.CreatedAt),
	}
}
