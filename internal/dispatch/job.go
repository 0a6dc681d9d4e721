// Package dispatch delivers rendered email under bounded concurrency with
// per-recipient rate limiting, retry with exponential backoff, and a soft
// per-job timeout.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/lalithlochan/labnotify/internal/mail"
)

// ErrJobTimeout fails a job that ran past its timeout and grace period.
var ErrJobTimeout = errors.New("email job timed out")

// ErrStopped resolves jobs still queued when a stopped dispatcher is drained.
var ErrStopped = errors.New("email dispatcher stopped")

// EmailJob is one send request. When Template is set the Mailer renders it
// with Data and fills Mail.HTML and Mail.Text from the result.
type EmailJob struct {
	Mail       mail.Message
	Template   string
	Data       map[string]any
	MaxRetries int
	// Attempt is the 1-based transport attempt currently running.
	Attempt int

	requeues int
}

// SendResult describes a successful delivery.
type SendResult struct {
	MessageID string
	Attempts  int
}

// DeliveryError is the terminal failure after all attempts were spent, or
// after a connection error cut the loop short.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("email delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
