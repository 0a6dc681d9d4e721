package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Detach runs fn in its own goroutine, outside the caller's cancellation,
// and only logs what it returns. Use it for work whose outcome must never
// reach the caller.
func Detach(ctx context.Context, logger *zap.Logger, task string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("detached task panicked",
					zap.String("task", task),
					zap.String("panic", fmt.Sprint(r)),
				)
			}
		}()
		if err := fn(ctx); err != nil {
			logger.Error("detached task failed", zap.String("task", task), zap.Error(err))
		}
	}()
}
