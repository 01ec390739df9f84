package sitelock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultTTL bounds how long a crashed holder can keep a site locked.
	DefaultTTL = 30 * time.Minute

	// DefaultRetryDelay is the polling interval of Lock.
	DefaultRetryDelay = 250 * time.Millisecond

	keyPrefix = "sitesmith:site-lock:"
)

//nolint:gochecknoglobals // immutable scripts
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker is a Locker shared by every orchestrator instance using the
// same redis. Held locks are extended in the background until released.
type RedisLocker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
	log        zerolog.Logger
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client:     client,
		ttl:        ttl,
		retryDelay: DefaultRetryDelay,
		log:        log,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return l.hold(key, token), nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	for {
		unlock, err := l.TryLock(ctx, key)
		if err == nil {
			return unlock, nil
		}
		if err != ErrLocked { //nolint:errorlint // sentinel returned unwrapped above
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *RedisLocker) hold(key, token string) Unlock {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				n, err := extendScript.Run(ctx, l.client, []string{keyPrefix + key}, token, l.ttl.Milliseconds()).Int()
				cancel()
				if err != nil || n == 0 {
					l.log.Warn().Err(err).Str("site_id", key).Msg("failed to extend site lock")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, token).Err(); err != nil {
				l.log.Warn().Err(err).Str("site_id", key).Msg("failed to release site lock")
			}
		})
	}
}

var _ Locker = (*RedisLocker)(nil)
