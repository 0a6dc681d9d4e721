package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/mail"
	"github.com/lalithlochan/labnotify/internal/metrics"
	"github.com/lalithlochan/labnotify/internal/ratelimit"
	"github.com/lalithlochan/labnotify/internal/render"
)

// DefaultMaxRetries is the attempt budget when neither the job nor the
// Mailer sets one.
const DefaultMaxRetries = 3

// Renderer produces message bodies. *render.Renderer satisfies it.
type Renderer interface {
	Render(name string, data map[string]any) render.Output
}

type MailerConfig struct {
	// From is used when a job leaves Mail.From empty.
	From       string
	MaxRetries int
}

// Mailer is the body of every email job: render, admit, send, retry.
type Mailer struct {
	transport  mail.Transport
	renderer   Renderer
	limiter    ratelimit.Admitter
	logger     *zap.Logger
	from       string
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewMailer wires a Mailer. renderer and limiter may be nil.
func NewMailer(t mail.Transport, renderer Renderer, limiter ratelimit.Admitter, cfg MailerConfig, logger *zap.Logger) *Mailer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Mailer{
		transport:  t,
		renderer:   renderer,
		limiter:    limiter,
		logger:     logger,
		from:       cfg.From,
		maxRetries: cfg.MaxRetries,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoff returns 2^attempt seconds.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Send delivers job. Admission is checked before rendering, and a
// *ratelimit.Error is returned before any network call;
// every other failure comes back as *DeliveryError.
func (m *Mailer) Send(ctx context.Context, job *EmailJob) (*SendResult, error) {
	msg := job.Mail
	if msg.From == "" {
		msg.From = m.from
	}

	identifier := strings.Join(msg.To, ",")
	log := m.logger.With(zap.String("to", identifier), zap.String("subject", msg.Subject))

	if m.limiter != nil {
		if err := m.limiter.CheckAndRecord(ctx, identifier); err != nil {
			var rlErr *ratelimit.Error
			if errors.As(err, &rlErr) {
				metrics.RecordRateLimitRejection("email")
				log.Warn("email rate limited", zap.Int("wait_seconds", rlErr.WaitSeconds()))
				return nil, err
			}
			// limiter backend down: send anyway rather than drop mail
			log.Warn("rate limiter unavailable, sending unchecked", zap.Error(err))
		}
	}

	if job.Template != "" && m.renderer != nil {
		out := m.renderer.Render(job.Template, job.Data)
		msg.HTML, msg.Text = out.HTML, out.Text
	}

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.maxRetries
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		job.Attempt = attempt
		attempts = attempt
		metrics.RecordDeliveryAttempt()

		id, err := m.transport.Send(ctx, msg)
		if err == nil {
			log.Info("email sent",
				zap.String("message_id", id),
				zap.Int("attempt", attempt),
			)
			return &SendResult{MessageID: id, Attempts: attempt}, nil
		}
		lastErr = err

		if mail.IsConnectionError(err) {
			log.Error("email transport unreachable, not retrying",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			break
		}

		if attempt == maxRetries {
			break
		}

		delay := backoff(attempt)
		log.Warn("email send failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := m.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	return nil, &DeliveryError{Attempts: attempts, Err: lastErr}
}
