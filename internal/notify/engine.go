// Package notify turns activities into inbox notifications and, when the
// recipient wants it, hands an email job to the dispatcher.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/db"
	"github.com/lalithlochan/labnotify/internal/dispatch"
	"github.com/lalithlochan/labnotify/internal/mail"
	"github.com/lalithlochan/labnotify/internal/metrics"
)

// EmailTemplate is the template every notification email renders.
const EmailTemplate = "notification"

type NotificationStore interface {
	FindNotificationByActivityID(ctx context.Context, activityID uuid.UUID) (*db.Notification, error)
	CreateNotification(ctx context.Context, n *db.Notification) error
	DeleteNotification(ctx context.Context, id uuid.UUID) error
}

type PreferenceStore interface {
	GetSettings(ctx context.Context, userID uuid.UUID) (*db.Settings, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*db.User, error)
}

// Locker is a cross-process lock keyed by activity id. acquired=false means
// another holder is processing the activity right now.
type Locker interface {
	Acquire(ctx context.Context, activityID string) (release func(context.Context), acquired bool, err error)
}

type Enqueuer interface {
	Enqueue(job *dispatch.EmailJob) *dispatch.Future
}

// Announcer publishes created notifications to downstream subscribers.
type Announcer interface {
	Announce(ctx context.Context, n *db.Notification) error
}

type Option func(*Engine)

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithDispatcher(q Enqueuer) Option { return func(e *Engine) { e.dispatcher = q } }

func WithAnnouncer(a Announcer) Option { return func(e *Engine) { e.announcer = a } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type Engine struct {
	notifications NotificationStore
	prefs         PreferenceStore
	locker        Locker
	dispatcher    Enqueuer
	announcer     Announcer
	logger        *zap.Logger
	locks         *keyedMutex
	now           func() time.Time
}

func NewEngine(notifications NotificationStore, prefs PreferenceStore, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		notifications: notifications,
		prefs:         prefs,
		logger:        logger,
		locks:         newKeyedMutex(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process applies the notification policy to one activity. It returns the
// notification it created, or nil when the activity was skipped, was a
// duplicate, or was suppressed by the recipient's preferences. Only storage
// failures are returned as errors; email and announcement problems are
// logged.
func (e *Engine) Process(ctx context.Context, a *db.Activity) (*db.Notification, error) {
	log := e.logger.With(
		zap.String("activity_id", a.ID.String()),
		zap.String("activity_type", a.Type),
	)

	if a.ActorUserID == nil {
		log.Debug("activity skipped: no actor")
		metrics.RecordActivity(metrics.OutcomeNoActor)
		return nil, nil
	}

	unlock := e.locks.Lock(a.ID.String())
	defer unlock()

	if e.locker != nil {
		release, acquired, err := e.locker.Acquire(ctx, a.ID.String())
		switch {
		case err != nil:
			log.Warn("activity lock unavailable, relying on local lock", zap.Error(err))
		case !acquired:
			log.Info("activity skipped: in flight elsewhere")
			metrics.RecordActivity(metrics.OutcomeDuplicate)
			return nil, nil
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	if _, err := e.notifications.FindNotificationByActivityID(ctx, a.ID); err == nil {
		log.Info("activity skipped: duplicate")
		metrics.RecordActivity(metrics.OutcomeDuplicate)
		return nil, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		metrics.RecordActivity(metrics.OutcomeError)
		return nil, fmt.Errorf("check existing notification: %w", err)
	}

	meta := ParseMeta(a)
	title, kind := TitleAndKind(a.Type)
	n := &db.Notification{
		ID:              uuid.New(),
		Title:           title,
		Message:         a.Description,
		Kind:            kind,
		RecipientUserID: *a.ActorUserID,
		Category:        ResolveCategory(meta.Category()),
		Metadata: db.NotificationMetadata{
			ActivityID:   a.ID,
			ActivityType: a.Type,
		},
		CreatedAt: e.now().UTC(),
	}
	log = log.With(zap.String("notification_id", n.ID.String()), zap.String("category", n.Category))

	if err := e.notifications.CreateNotification(ctx, n); err != nil {
		if errors.Is(err, db.ErrConflict) {
			log.Info("activity skipped: duplicate")
			metrics.RecordActivity(metrics.OutcomeDuplicate)
			return nil, nil
		}
		metrics.RecordActivity(metrics.OutcomeError)
		return nil, fmt.Errorf("create notification: %w", err)
	}
	log.Info("notification created")

	pref, user := e.resolvePreference(ctx, n.RecipientUserID, log)
	if !pref.InApp {
		// created first, removed here; subscribers may see the row briefly
		if err := e.notifications.DeleteNotification(context.WithoutCancel(ctx), n.ID); err != nil {
			log.Error("compensating delete failed", zap.Error(err))
		}
		log.Info("notification suppressed by preference", zap.String("source", pref.Source))
		metrics.RecordActivity(metrics.OutcomeSuppressed)
		return nil, nil
	}

	if n.Category != db.CategoryGeneral && pref.Email {
		e.sendEmail(ctx, n, user, meta, log)
	}

	if e.announcer != nil {
		if err := e.announcer.Announce(ctx, n); err != nil {
			log.Warn("notification announce failed", zap.Error(err))
		}
	}

	metrics.RecordActivity(metrics.OutcomeCreated)
	return n, nil
}

func (e *Engine) sendEmail(ctx context.Context, n *db.Notification, user *db.User, meta Meta, log *zap.Logger) {
	if e.dispatcher == nil {
		return
	}
	if user == nil || user.Email == "" {
		log.Warn("email skipped: recipient has no address")
		return
	}

	job := BuildEmailJob(n, user, meta)
	queue := e.dispatcher
	dispatch.Detach(ctx, log, "notification-email", func(ctx context.Context) error {
		res, err := queue.Enqueue(job).Wait(ctx)
		if err != nil {
			log.Error("email failed", zap.String("to", user.Email), zap.Error(err))
			return nil
		}
		log.Info("email dispatched",
			zap.String("to", user.Email),
			zap.String("message_id", res.MessageID),
			zap.Int("attempts", res.Attempts),
		)
		return nil
	})
}

// BuildEmailJob assembles the job for n. Variant fields never overwrite the
// core keys.
func BuildEmailJob(n *db.Notification, user *db.User, meta Meta) *dispatch.EmailJob {
	priority := emailPriority(n.Kind, meta.Priority())

	name := user.Name
	if name == "" {
		name = "there"
	}

	data := map[string]any{}
	for k, v := range meta.EmailFields() {
		data[k] = v
	}
	data["name"] = name
	data["title"] = n.Title
	data["message"] = n.Message
	data["priority"] = string(priority)
	data["category"] = n.Category

	return &dispatch.EmailJob{
		Mail: mail.Message{
			To:       []string{user.Email},
			Subject:  n.Title,
			Priority: priority,
		},
		Template: EmailTemplate,
		Data:     data,
	}
}

func emailPriority(kind, raw string) mail.Priority {
	if raw != "" {
		return mail.ParsePriority(raw)
	}
	if kind == db.KindError {
		return mail.PriorityHigh
	}
	return mail.PriorityNormal
}

// ReplayResult counts what Replay did.
type ReplayResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Replay processes activities in order. Already-notified activities are
// skipped, so replaying a range twice is harmless. Storage errors are
// counted and logged; Replay stops early only when ctx ends.
func (e *Engine) Replay(ctx context.Context, activities []*db.Activity) (ReplayResult, error) {
	var res ReplayResult
	for _, a := range activities {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := e.Process(ctx, a)
		switch {
		case err != nil:
			res.Failed++
			e.logger.Error("replay: activity failed",
				zap.String("activity_id", a.ID.String()),
				zap.Error(err),
			)
		case n != nil:
			res.Created++
		default:
			res.Skipped++
		}
	}
	return res, nil
}
