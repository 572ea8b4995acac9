// Package redislock implements lock.Locker on Redis so several engine
// instances can share per-user serialization.
//
// A lock is a key set with SET NX PX holding a random token. Release runs a
// compare-and-delete script so an expired holder never frees someone
// else's lock.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultTTL        = 10 * time.Second
	DefaultRetryDelay = 10 * time.Millisecond
	keyPrefix         = "claves:lock:"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker holds locks in Redis.
type Locker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
	log        *zap.Logger
}

type Option func(*Locker)

// WithTTL bounds how long a crashed holder can keep a key locked.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

func WithRetryDelay(d time.Duration) Option {
	return func(l *Locker) { l.retryDelay = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Locker) { l.log = log }
}

func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:     client,
		ttl:        DefaultTTL,
		retryDelay: DefaultRetryDelay,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock polls SET NX until it wins or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return l.unlockFunc(redisKey, token), nil
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Locker) unlockFunc(redisKey, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release must not depend on the caller's (possibly cancelled) context.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.log.Warn("release redis lock", zap.String("key", redisKey), zap.Error(err))
		}
	}
}
