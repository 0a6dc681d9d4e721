// Package circuitbreaker stops hammering a mail relay that keeps failing.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	closed    -> open       after MaxFailures consecutive failures
//	open      -> half-open  once Cooldown has passed
//	half-open -> closed     when a probe succeeds
//	half-open -> open       when a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls. Callers treat it
// as transient.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	Name        string
	MaxFailures int
	Cooldown    time.Duration
	// MaxProbes is how many calls may run concurrently while half-open.
	MaxProbes int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
		MaxProbes:   1,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	failures    int
	openedAt    time.Time
	changedAt   time.Time
	probes      int
	lastFailure time.Time

	allowed   int64
	rejected  int64
	succeeded int64
	failed    int64
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = def.MaxProbes
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.changedAt = cb.now()
	return cb
}

// Allow reports whether a call may proceed. Every true must be followed by
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			cb.rejected++
			return false
		}
		cb.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			cb.rejected++
			return false
		}
		cb.probes++
	}
	cb.allowed++
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.succeeded++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed", zap.String("name", cb.config.Name))
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failed++
	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.setState(StateOpen)
	cb.openedAt = cb.now()
	cb.logger.Warn("circuit breaker opened",
		zap.String("name", cb.config.Name),
		zap.Int("consecutive_failures", cb.failures),
		zap.Duration("cooldown", cb.config.Cooldown),
	)
}

// caller holds mu
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.logger.Debug("circuit breaker state change",
		zap.String("name", cb.config.Name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", s),
	)
	cb.state = s
	cb.changedAt = cb.now()
	cb.probes = 0
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
}

type Stats struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Failures    int    `json:"consecutive_failures"`
	Allowed     int64  `json:"allowed"`
	Rejected    int64  `json:"rejected"`
	Succeeded   int64  `json:"succeeded"`
	Failed      int64  `json:"failed"`
	LastFailure string `json:"last_failure,omitempty"`
	ChangedAt   string `json:"state_changed_at"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:      cb.config.Name,
		State:     cb.state.String(),
		Failures:  cb.failures,
		Allowed:   cb.allowed,
		Rejected:  cb.rejected,
		Succeeded: cb.succeeded,
		Failed:    cb.failed,
		ChangedAt: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("circuit %s %s %d/%d", cb.config.Name, cb.state, cb.failures, cb.config.MaxFailures)
}
