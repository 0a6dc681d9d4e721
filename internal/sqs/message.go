package sqs

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/labnotify/internal/db"
)

// Message is the JSON body of one activity on the intake queue.
type Message struct {
	ActivityID  string         `json:"activity_id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	ActorUserID string         `json:"actor_user_id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Meta        map[string]any `json:"meta,omitempty"`
	// Source tells consumers who produced the message, e.g. "backfill".
	Source     string `json:"source,omitempty"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func MessageFromActivity(a *db.Activity, source string, now time.Time) Message {
	m := Message{
		ActivityID:  a.ID.String(),
		Type:        a.Type,
		Description: a.Description,
		CreatedAt:   a.CreatedAt,
		Meta:        a.Meta,
		Source:      source,
		EnqueuedAt:  now.UnixNano(),
	}
	if a.ActorUserID != nil {
		m.ActorUserID = a.ActorUserID.String()
	}
	if a.ProjectID != nil {
		m.ProjectID = a.ProjectID.String()
	}
	return m
}

// Activity validates the message and converts it back.
func (m Message) Activity() (*db.Activity, error) {
	id, err := uuid.Parse(m.ActivityID)
	if err != nil {
		return nil, fmt.Errorf("invalid activity_id %q: %w", m.ActivityID, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("activity %s has no type", id)
	}

	a := &db.Activity{
		ID:          id,
		Type:        m.Type,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		Meta:        m.Meta,
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ActorUserID, err = optionalUUID(m.ActorUserID); err != nil {
		return nil, fmt.Errorf("invalid actor_user_id: %w", err)
	}
	if a.ProjectID, err = optionalUUID(m.ProjectID); err != nil {
		return nil, fmt.Errorf("invalid project_id: %w", err)
	}
	return a, nil
}

func optionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
