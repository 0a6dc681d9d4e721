// Package ratelimit provides per-recipient sliding-window admission control
// for outbound email.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLimited matches any *Error via errors.Is.
var ErrLimited = errors.New("rate limit exceeded")

// Error is returned when an identifier has used up its window. It is
// raised before any network call and is retryable after Wait.
type Error struct {
	Identifier string
	Wait       time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: retry in %ds", e.Identifier, e.WaitSeconds())
}

// Is lets errors.Is(err, ErrLimited) match.
func (e *Error) Is(target error) bool {
	return target == ErrLimited
}

// WaitSeconds is Wait rounded up to whole seconds.
func (e *Error) WaitSeconds() int {
	return int(math.Ceil(e.Wait.Seconds()))
}

// Retryable reports that the caller may try again once Wait has elapsed.
func (e *Error) Retryable() bool { return true }

// Config defines the window parameters.
type Config struct {
	Max    int           // sends allowed per identifier per window
	Window time.Duration // trailing window length
}

// DefaultConfig is 10 sends per rolling minute.
func DefaultConfig() Config {
	return Config{Max: 10, Window: 60 * time.Second}
}

// Admitter is satisfied by both the in-process Limiter and the Redis-backed one.
type Admitter interface {
	CheckAndRecord(ctx context.Context, identifier string) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter is an in-process sliding-window limiter. State is partitioned by
// identifier; calls for different identifiers never affect each other.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	config  Config
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Limiter. Zero config fields fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	l := &Limiter{
		windows: make(map[string][]time.Time),
		config:  cfg,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndRecord admits one send for identifier, or returns *Error without
// recording anything when the window is full.
func (l *Limiter) CheckAndRecord(_ context.Context, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneAll(now)

	stamps := l.windows[identifier]
	if len(stamps) >= l.config.Max {
		wait := stamps[0].Add(l.config.Window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		l.logger.Debug("rate limit exceeded",
			zap.String("identifier", identifier),
			zap.Int("count", len(stamps)),
			zap.Int("limit", l.config.Max),
			zap.Duration("wait", wait),
		)
		return &Error{Identifier: identifier, Wait: wait}
	}

	l.windows[identifier] = append(stamps, now)
	return nil
}

// Tracked returns how many identifiers currently hold timestamps.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// pruneAll drops expired stamps everywhere and forgets empty identifiers.
// Must be called with the lock held.
func (l *Limiter) pruneAll(now time.Time) {
	cutoff := now.Add(-l.config.Window)
	for id, stamps := range l.windows {
		i := 0
		for i < len(stamps) && !stamps[i].After(cutoff) {
			i++
		}
		if i == len(stamps) {
			delete(l.windows, id)
			continue
		}
		if i > 0 {
			l.windows[id] = append(stamps[:0:0], stamps[i:]...)
		}
	}
}
