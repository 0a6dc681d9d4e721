package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// uniqueViolation is the Postgres SQLSTATE for unique index collisions.
const uniqueViolation = "23505"

// Repository handles database operations for notifications, activities and
// the read-only preference sources.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, title, message, kind, recipient_user_id, category,
	activity_id, activity_type, is_read, created_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.Title,
		&n.Message,
		&n.Kind,
		&n.RecipientUserID,
		&n.Category,
		&n.Metadata.ActivityID,
		&n.Metadata.ActivityType,
		&n.IsRead,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new notification. A second row for the same
// activity returns ErrConflict.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, title, message, kind, recipient_user_id, category,
			activity_id, activity_type, is_read
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID,
		n.Title,
		n.Message,
		n.Kind,
		n.RecipientUserID,
		n.Category,
		n.Metadata.ActivityID,
		n.Metadata.ActivityType,
		n.IsRead,
	).Scan(&n.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: notification for activity %s", ErrConflict, n.Metadata.ActivityID)
		}
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// FindNotificationByActivityID returns the notification produced by an activity.
func (r *Repository) FindNotificationByActivityID(ctx context.Context, activityID uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE activity_id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, activityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification by activity: %w", err)
	}
	return n, nil
}

// DeleteNotification removes a notification. Deleting a missing row is not an error.
func (r *Repository) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id); err != nil {
		r.logger.Error("failed to delete notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}

// ListNotificationsByRecipient returns a recipient's inbox, newest first.
func (r *Repository) ListNotificationsByRecipient(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkNotificationRead flags a notification as read.
func (r *Repository) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const activityColumns = `id, type, description, actor_user_id, project_id, created_at, meta`

func scanActivity(row pgx.Row) (*Activity, error) {
	var (
		a    Activity
		meta []byte
	)
	if err := row.Scan(&a.ID, &a.Type, &a.Description, &a.ActorUserID, &a.ProjectID, &a.CreatedAt, &meta); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Meta); err != nil {
			return nil, fmt.Errorf("decode activity meta: %w", err)
		}
	}
	return &a, nil
}

// GetActivity retrieves one activity by ID.
func (r *Repository) GetActivity(ctx context.Context, id uuid.UUID) (*Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE id = $1`

	a, err := scanActivity(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	return a, nil
}

// ListActivitiesBetween returns activities created in [since, until), oldest
// first, starting strictly after the cursor ID when one is given.
func (r *Repository) ListActivitiesBetween(ctx context.Context, since, until time.Time, after *uuid.UUID, limit int) ([]*Activity, error) {
	query := `SELECT ` + activityColumns + `
		FROM activities
		WHERE created_at >= $1 AND created_at < $2
		  AND ($3::uuid IS NULL OR (created_at, id) > (SELECT created_at, id FROM activities WHERE id = $3))
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`

	rows, err := r.db.Pool().Query(ctx, query, since, until, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var activities []*Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		activities = append(activities, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return activities, nil
}

// InsertActivity stores an activity; re-inserting the same ID is a no-op.
func (r *Repository) InsertActivity(ctx context.Context, a *Activity) error {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return fmt.Errorf("encode activity meta: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO activities (id, type, description, actor_user_id, project_id, created_at, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.Pool().Exec(ctx, query, a.ID, a.Type, a.Description, a.ActorUserID, a.ProjectID, a.CreatedAt, meta); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// GetSettings returns the per-user settings document.
func (r *Repository) GetSettings(ctx context.Context, userID uuid.UUID) (*Settings, error) {
	query := `
		SELECT user_id, notifications_in_app_enabled, notifications_email_enabled
		FROM user_settings
		WHERE user_id = $1
	`

	var s Settings
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&s.UserID, &s.InAppEnabled, &s.EmailEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	return &s, nil
}

// GetUser returns the user's contact details and legacy preference flags.
func (r *Repository) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	query := `
		SELECT id, name, email,
			(preferences->'notifications'->>'push')::boolean,
			(preferences->'notifications'->>'email')::boolean
		FROM users
		WHERE id = $1
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&u.ID, &u.Name, &u.Email, &u.LegacyPush, &u.LegacyEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
