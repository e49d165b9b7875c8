package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("schedule lock not acquired")
)

// Locker serializes critical sections per professional schedule. Callers
// holding different keys never wait on each other.
type Locker interface {
	WithScheduleLock(ctx context.Context, professionalID uuid.UUID, fn func(ctx context.Context) error) error
}

type LockOptions struct {
	TTL           time.Duration // how long a held lock lives before Redis drops it
	Wait          time.Duration // how long to wait for a held lock before giving up
	RetryInterval time.Duration // pause between acquisition attempts
}

type redisScheduleLocker struct {
	client *redis.Client
	opts   LockOptions
}

// NewRedisScheduleLocker creates a locker that uses a per schedule Redis key
func NewRedisScheduleLocker(client *redis.Client, opts LockOptions) Locker {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 25 * time.Millisecond
	}
	return &redisScheduleLocker{
		client: client,
		opts:   opts,
	}
}

func lockKey(professionalID uuid.UUID) string {
	return fmt.Sprintf("lock:schedule:%s", professionalID.String())
}

func (l *redisScheduleLocker) WithScheduleLock(ctx context.Context, professionalID uuid.UUID, fn func(ctx context.Context) error) error {
	key := lockKey(professionalID)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		// Release even when ctx was cancelled inside fn.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.opts.TTL)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisScheduleLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.opts.Wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrLockNotAcquired
			}
			return fmt.Errorf("acquire schedule lock: %w", err)
		}
		if ok {
			return nil
		}
		if !time.Now().Add(l.opts.RetryInterval).Before(deadline) {
			return ErrLockNotAcquired
		}

		timer := time.NewTimer(l.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrLockNotAcquired
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisScheduleLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release schedule lock: %w", err)
	}
	return nil
}
