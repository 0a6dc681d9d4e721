package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultLockTTL bounds how long a crashed holder can block an activity.
const DefaultLockTTL = 30 * time.Second

// releaseScript deletes the key only if the caller still owns it, so a
// holder whose TTL lapsed cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ActivityLock serializes processing of one activity across replicas using
// SET NX with an owner token.
type ActivityLock struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewActivityLock creates a lock service. ttl <= 0 uses DefaultLockTTL.
func NewActivityLock(client *Client, logger *zap.Logger, ttl time.Duration) *ActivityLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &ActivityLock{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func (l *ActivityLock) buildKey(activityID string) string {
	return key("activity-lock", activityID)
}

// Acquire tries to take the lock for activityID. When acquired is false the
// activity is in flight on another holder and release is nil.
func (l *ActivityLock) Acquire(ctx context.Context, activityID string) (release func(context.Context), acquired bool, err error) {
	lockKey := l.buildKey(activityID)
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		l.logger.Debug("activity lock held elsewhere", zap.String("activity_id", activityID))
		return nil, false, nil
	}

	release = func(ctx context.Context) {
		if err := releaseScript.Run(ctx, l.client.rdb, []string{lockKey}, token).Err(); err != nil {
			l.logger.Warn("failed to release activity lock",
				zap.String("activity_id", activityID),
				zap.Error(err),
			)
		}
	}
	return release, true, nil
}
