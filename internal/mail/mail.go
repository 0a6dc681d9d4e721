// Package mail sends composed email through SMTP relays or Amazon SES.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Priority maps onto X-Priority and Importance headers.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority returns PriorityNormal for anything unrecognized.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityLow:
		return Priority(s)
	}
	return PriorityNormal
}

// Message is a fully rendered email ready for a transport.
type Message struct {
	To       []string
	From     string
	Subject  string
	HTML     string
	Text     string
	Priority Priority
}

// Transport delivers one message and returns the provider's message id.
type Transport interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ConfigurationError reports an unusable provider setup. It is raised at
// construction time, not per send.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Provider == "" {
		return "mail configuration: " + e.Reason
	}
	return fmt.Sprintf("mail configuration (%s): %s", e.Provider, e.Reason)
}

// IsConnectionError reports whether err means the relay could not be reached
// at all. Such failures are not worth retrying. Timeouts and cancellations
// are transient and never count.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return !opErr.Timeout()
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
