package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/circuitbreaker"
	"github.com/lalithlochan/labnotify/internal/db"
	"github.com/lalithlochan/labnotify/internal/dispatch"
)

// Store is the slice of the repository the API reads and writes.
type Store interface {
	InsertActivity(ctx context.Context, a *db.Activity) error
	GetActivity(ctx context.Context, id uuid.UUID) (*db.Activity, error)
	ListNotificationsByRecipient(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error
}

// Processor applies the notification policy; satisfied by notify.Engine.
type Processor interface {
	Process(ctx context.Context, a *db.Activity) (*db.Notification, error)
}

// StatsSource reports dispatcher depth.
type StatsSource interface {
	Stats() dispatch.Stats
}

// ActivityRequest is the body of POST /v1/activities. ID is optional and
// lets producers make their own submissions idempotent.
type ActivityRequest struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	ActorUserID string         `json:"actor_user_id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// ActivityResponse carries the created notification id, or null when the
// activity was skipped, deduplicated or suppressed.
type ActivityResponse struct {
	ActivityID     string  `json:"activity_id"`
	NotificationID *string `json:"notification_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	store      Store
	processor  Processor
	dispatcher StatsSource
	breaker    *circuitbreaker.CircuitBreaker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store Store, processor Processor) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		processor: processor,
	}
}

// WithStats exposes dispatcher and breaker state on /v1/dispatcher/stats.
// breaker may be nil.
func (h *Handler) WithStats(dispatcher StatsSource, breaker *circuitbreaker.CircuitBreaker) *Handler {
	h.dispatcher = dispatcher
	h.breaker = breaker
	return h
}

// Routes mounts the v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/activities", h.CreateActivity)
	r.Post("/activities/{id}/replay", h.ReplayActivity)
	r.Get("/users/{id}/notifications", h.ListNotifications)
	r.Patch("/notifications/{id}/read", h.MarkRead)
	r.Get("/dispatcher/stats", h.DispatcherStats)
}

// CreateActivity handles POST /v1/activities. The activity is recorded and
// then run through the policy engine; email delivery continues after the
// response is written.
func (h *Handler) CreateActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	activity, detail := req.toActivity()
	if detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid activity", detail)
		return
	}

	if err := h.store.InsertActivity(ctx, activity); err != nil {
		h.logger.Error("failed to record activity",
			zap.Error(err),
			zap.String("activity_id", activity.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record activity", "")
		return
	}

	h.process(w, r, activity)
}

func (req ActivityRequest) toActivity() (*db.Activity, string) {
	if req.Type == "" {
		return nil, "type is required"
	}

	a := &db.Activity{
		ID:          uuid.New(),
		Type:        req.Type,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
		Meta:        req.Meta,
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			return nil, "id must be a valid UUID"
		}
		a.ID = id
	}
	if req.ActorUserID != "" {
		id, err := uuid.Parse(req.ActorUserID)
		if err != nil {
			return nil, "actor_user_id must be a valid UUID"
		}
		a.ActorUserID = &id
	}
	if req.ProjectID != "" {
		id, err := uuid.Parse(req.ProjectID)
		if err != nil {
			return nil, "project_id must be a valid UUID"
		}
		a.ProjectID = &id
	}
	return a, ""
}

// ReplayActivity handles POST /v1/activities/{id}/replay. Replaying an
// activity that already has a notification is a no-op.
func (h *Handler) ReplayActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "Invalid activity ID")
	if !ok {
		return
	}

	activity, err := h.store.GetActivity(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Activity not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to load activity", zap.Error(err), zap.String("activity_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load activity", "")
		return
	}

	h.process(w, r, activity)
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, activity *db.Activity) {
	n, err := h.processor.Process(r.Context(), activity)
	if err != nil {
		h.logger.Error("failed to process activity",
			zap.Error(err),
			zap.String("activity_id", activity.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "processing_error", "Failed to process activity", "")
		return
	}

	resp := ActivityResponse{ActivityID: activity.ID.String()}
	if n != nil {
		id := n.ID.String()
		resp.NotificationID = &id
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListNotifications handles GET /v1/users/{id}/notifications?limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "Invalid user ID")
	if !ok {
		return
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.store.ListNotificationsByRecipient(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if notifications == nil {
		notifications = []*db.Notification{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// MarkRead handles PATCH /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "Invalid notification ID")
	if !ok {
		return
	}

	err := h.store.MarkNotificationRead(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to mark notification read", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"id":      id.String(),
		"is_read": true,
	})
}

// DispatcherStats handles GET /v1/dispatcher/stats
func (h *Handler) DispatcherStats(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Email dispatcher not configured", "")
		return
	}

	body := map[string]any{"dispatcher": h.dispatcher.Stats()}
	if h.breaker != nil {
		body["circuit_breaker"] = h.breaker.Stats()
	}
	h.writeJSON(w, http.StatusOK, body)
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
