package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// GrantLocker serializes work on one grant across instances. It is best-effort: the row lock
// taken inside the transaction stays authoritative, so Lock never fails the caller.
type GrantLocker interface {
	Lock(ctx context.Context, grantId int) (release func())
}

type NopGrantLocker struct{}

func (NopGrantLocker) Lock(ctx context.Context, grantId int) func() { return func() {} }

type RedisGrantLocker struct {
	Client *redislock.Client
	Logger *logrus.Logger
	TTL    time.Duration
	// Wait bounds how long Lock retries before going ahead without the lock.
	Wait    time.Duration
	Backoff time.Duration
}

func NewRedisGrantLocker(client *redislock.Client, logger *logrus.Logger) *RedisGrantLocker {
	return &RedisGrantLocker{
		Client:  client,
		Logger:  logger,
		TTL:     30 * time.Second,
		Wait:    5 * time.Second,
		Backoff: 50 * time.Millisecond,
	}
}

func grantLockKey(grantId int) string {
	return fmt.Sprintf("lock:grant:%d", grantId)
}

func (l *RedisGrantLocker) Lock(ctx context.Context, grantId int) func() {
	if l == nil || l.Client == nil {
		return func() {}
	}
	key := grantLockKey(grantId)

	waitCtx, cancel := context.WithTimeout(ctx, l.Wait)
	defer cancel()
	lock, err := l.Client.Obtain(waitCtx, key, l.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.Backoff),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			l.Logger.WithFields(logrus.Fields{
				"module": moduleName,
				"key":    key,
			}).Warn("grant lock busy; continuing on the row lock")
		} else {
			config.LogError(l.Logger, moduleName, "RedisGrantLocker.Lock", "obtain "+key, nil, err)
		}
		return func() {}
	}

	return func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(relCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			config.LogError(l.Logger, moduleName, "RedisGrantLocker.Lock", "release "+key, nil, err)
		}
	}
}
