package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write collided with a uniqueness constraint.
	ErrConflict = errors.New("record conflict")
)

// Activity is a system event recorded by the activity-logging collaborator.
// Rows are immutable once written.
type Activity struct {
	ID          uuid.UUID      `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	ActorUserID *uuid.UUID     `json:"actor_user_id,omitempty"`
	ProjectID   *uuid.UUID     `json:"project_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Notification represents a user-facing inbox item in the database
type Notification struct {
	ID              uuid.UUID            `json:"id"`
	Title           string               `json:"title"`
	Message         string               `json:"message"`
	Kind            string               `json:"kind"`
	RecipientUserID uuid.UUID            `json:"recipient_user_id"`
	Category        string               `json:"category"`
	Metadata        NotificationMetadata `json:"metadata"`
	IsRead          bool                 `json:"is_read"`
	CreatedAt       time.Time            `json:"created_at"`
}

// NotificationMetadata links a notification back to the activity that produced it.
// ActivityID is the dedup key: at most one notification exists per activity.
type NotificationMetadata struct {
	ActivityID   uuid.UUID `json:"activity_id"`
	ActivityType string    `json:"activity_type"`
}

// Kind constants
const (
	KindSuccess = "success"
	KindInfo    = "info"
	KindWarning = "warning"
	KindError   = "error"
)

// Category constants
const (
	CategoryTask       = "task"
	CategoryProject    = "project"
	CategoryExperiment = "experiment"
	CategoryInventory  = "inventory"
	CategorySystem     = "system"
	CategoryUser       = "user"
	CategoryGeneral    = "general"
)

// Settings is the per-user settings document. Nil flags mean "not set".
type Settings struct {
	UserID       uuid.UUID `json:"user_id"`
	InAppEnabled *bool     `json:"in_app_enabled,omitempty"`
	EmailEnabled *bool     `json:"email_enabled,omitempty"`
}

// User is the read-only slice of the user record the notification pipeline needs.
// LegacyPush and LegacyEmail come from the pre-settings preference flags.
type User struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	LegacyPush  *bool     `json:"legacy_push,omitempty"`
	LegacyEmail *bool     `json:"legacy_email,omitempty"`
}
