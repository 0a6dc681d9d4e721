package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/mail"
)

// ProtectedTransport fails fast with ErrCircuitOpen while the wrapped
// transport is considered down.
type ProtectedTransport struct {
	transport mail.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

func NewProtectedTransport(t mail.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: t,
		breaker:   breaker,
		logger:    logger,
	}
}

func (p *ProtectedTransport) Send(ctx context.Context, msg mail.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("mail transport circuit open, rejecting send",
			zap.String("breaker", p.breaker.Name()),
			zap.Strings("to", msg.To),
		)
		return "", fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	id, err := p.transport.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}
	p.breaker.RecordSuccess()
	return id, nil
}

func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
