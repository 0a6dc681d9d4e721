package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/circuitbreaker"
	"github.com/lalithlochan/labnotify/internal/db"
	"github.com/lalithlochan/labnotify/internal/dispatch"
)

var ErrDatabaseError = errors.New("database error")

// MockStore is a fake repository for testing
type MockStore struct {
	activities    map[uuid.UUID]*db.Activity
	notifications map[uuid.UUID]*db.Notification

	insertCalled bool
	shouldFail   bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		activities:    make(map[uuid.UUID]*db.Activity),
		notifications: make(map[uuid.UUID]*db.Notification),
	}
}

func (m *MockStore) InsertActivity(_ context.Context, a *db.Activity) error {
	m.insertCalled = true
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.activities[a.ID] = a
	return nil
}

func (m *MockStore) GetActivity(_ context.Context, id uuid.UUID) (*db.Activity, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	a, ok := m.activities[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return a, nil
}

func (m *MockStore) ListNotificationsByRecipient(_ context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var out []*db.Notification
	for _, n := range m.notifications {
		if n.RecipientUserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MockStore) MarkNotificationRead(_ context.Context, id uuid.UUID) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	n, ok := m.notifications[id]
	if !ok {
		return db.ErrNotFound
	}
	n.IsRead = true
	return nil
}

// MockProcessor creates a notification for every activity with an actor,
// once per activity id.
type MockProcessor struct {
	seen       map[uuid.UUID]bool
	shouldFail bool
}

func (p *MockProcessor) Process(_ context.Context, a *db.Activity) (*db.Notification, error) {
	if p.shouldFail {
		return nil, ErrDatabaseError
	}
	if a.ActorUserID == nil || p.seen[a.ID] {
		return nil, nil
	}
	if p.seen == nil {
		p.seen = map[uuid.UUID]bool{}
	}
	p.seen[a.ID] = true
	return &db.Notification{ID: uuid.New(), RecipientUserID: *a.ActorUserID}, nil
}

type fixedStats struct{ stats dispatch.Stats }

func (f fixedStats) Stats() dispatch.Stats { return f.stats }

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", h.Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateActivity(t *testing.T) {
	actor := uuid.New().String()
	tests := []struct {
		name         string
		body         any
		storeFail    bool
		procFail     bool
		wantStatus   int
		wantNotified bool
	}{
		{"created", ActivityRequest{Type: "task_assigned", Description: "Task assigned", ActorUserID: actor}, false, false, http.StatusAccepted, true},
		{"no actor gives null id", ActivityRequest{Type: "task_assigned"}, false, false, http.StatusAccepted, false},
		{"malformed json", "{bad", false, false, http.StatusBadRequest, false},
		{"missing type", ActivityRequest{ActorUserID: actor}, false, false, http.StatusBadRequest, false},
		{"bad actor", ActivityRequest{Type: "x", ActorUserID: "nope"}, false, false, http.StatusBadRequest, false},
		{"bad project", ActivityRequest{Type: "x", ProjectID: "nope"}, false, false, http.StatusBadRequest, false},
		{"bad id", ActivityRequest{ID: "nope", Type: "x"}, false, false, http.StatusBadRequest, false},
		{"store failure", ActivityRequest{Type: "x", ActorUserID: actor}, true, false, http.StatusInternalServerError, false},
		{"processor failure", ActivityRequest{Type: "x", ActorUserID: actor}, false, true, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMockStore()
			store.shouldFail = tt.storeFail
			h := NewHandler(zap.NewNop(), store, &MockProcessor{shouldFail: tt.procFail})

			rec := do(t, newRouter(h), http.MethodPost, "/v1/activities", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("Content-Type = %q", ct)
				}
				return
			}

			var resp ActivityResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if (resp.NotificationID != nil) != tt.wantNotified {
				t.Errorf("notification_id = %v, want set=%v", resp.NotificationID, tt.wantNotified)
			}
			if !store.insertCalled {
				t.Error("activity was not recorded")
			}
		})
	}
}

func TestCreateActivity_ClientIDIsIdempotent(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockStore(), &MockProcessor{})
	router := newRouter(h)
	body := ActivityRequest{ID: uuid.NewString(), Type: "task_assigned", ActorUserID: uuid.NewString()}

	first := do(t, router, http.MethodPost, "/v1/activities", body)
	second := do(t, router, http.MethodPost, "/v1/activities", body)

	var a, b ActivityResponse
	_ = json.NewDecoder(first.Body).Decode(&a)
	_ = json.NewDecoder(second.Body).Decode(&b)
	if a.NotificationID == nil || b.NotificationID != nil {
		t.Errorf("first=%v second=%v, want only the first to notify", a.NotificationID, b.NotificationID)
	}
	if a.ActivityID != body.ID {
		t.Errorf("activity id = %s, want %s", a.ActivityID, body.ID)
	}
}

func TestReplayActivity(t *testing.T) {
	store := NewMockStore()
	actor := uuid.New()
	a := &db.Activity{ID: uuid.New(), Type: "task_completed", ActorUserID: &actor}
	store.activities[a.ID] = a
	router := newRouter(NewHandler(zap.NewNop(), store, &MockProcessor{}))

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"replay", "/v1/activities/" + a.ID.String() + "/replay", http.StatusAccepted},
		{"unknown", "/v1/activities/" + uuid.NewString() + "/replay", http.StatusNotFound},
		{"bad id", "/v1/activities/abc/replay", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, tt.path, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestListNotifications(t *testing.T) {
	store := NewMockStore()
	user := uuid.New()
	for i := 0; i < 3; i++ {
		n := &db.Notification{ID: uuid.New(), RecipientUserID: user}
		store.notifications[n.ID] = n
	}
	store.notifications[uuid.New()] = &db.Notification{RecipientUserID: uuid.New()}
	router := newRouter(NewHandler(zap.NewNop(), store, &MockProcessor{}))

	rec := do(t, router, http.MethodGet, "/v1/users/"+user.String()+"/notifications?limit=500&offset=-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Data   []db.Notification `json:"data"`
		Limit  int               `json:"limit"`
		Offset int               `json:"offset"`
		Count  int               `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 3 || len(resp.Data) != 3 {
		t.Errorf("count = %d", resp.Count)
	}
	if resp.Limit != 20 || resp.Offset != 0 {
		t.Errorf("out-of-range paging should fall back to defaults, got %d/%d", resp.Limit, resp.Offset)
	}
}

func TestListNotifications_EmptyIsArray(t *testing.T) {
	router := newRouter(NewHandler(zap.NewNop(), NewMockStore(), &MockProcessor{}))
	rec := do(t, router, http.MethodGet, "/v1/users/"+uuid.NewString()+"/notifications", nil)
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"data":[]`)) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMarkRead(t *testing.T) {
	store := NewMockStore()
	n := &db.Notification{ID: uuid.New()}
	store.notifications[n.ID] = n
	router := newRouter(NewHandler(zap.NewNop(), store, &MockProcessor{}))

	if rec := do(t, router, http.MethodPatch, "/v1/notifications/"+n.ID.String()+"/read", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !n.IsRead {
		t.Error("notification not marked read")
	}
	if rec := do(t, router, http.MethodPatch, "/v1/notifications/"+uuid.NewString()+"/read", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing notification status = %d", rec.Code)
	}

	store.shouldFail = true
	if rec := do(t, router, http.MethodPatch, "/v1/notifications/"+n.ID.String()+"/read", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing store status = %d", rec.Code)
	}
}

func TestDispatcherStats(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockStore(), &MockProcessor{})
	router := newRouter(h)

	if rec := do(t, router, http.MethodGet, "/v1/dispatcher/stats", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d", rec.Code)
	}

	h.WithStats(fixedStats{dispatch.Stats{Running: true, Active: 2, Backlog: 7}}, circuitbreaker.New(circuitbreaker.DefaultConfig("smtp"), zap.NewNop()))
	rec := do(t, router, http.MethodGet, "/v1/dispatcher/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Dispatcher     dispatch.Stats       `json:"dispatcher"`
		CircuitBreaker circuitbreaker.Stats `json:"circuit_breaker"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Dispatcher.Backlog != 7 || resp.Dispatcher.Active != 2 {
		t.Errorf("dispatcher = %+v", resp.Dispatcher)
	}
	if resp.CircuitBreaker.State != "closed" {
		t.Errorf("breaker = %+v", resp.CircuitBreaker)
	}
}
