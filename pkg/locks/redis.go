package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still carries our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// extendScript refreshes the TTL only if the key still carries our token.
const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// RedisLocker is a Locker backed by Redis SET NX PX. Held leases are refreshed in the
// background so a run may hold its target for longer than the TTL; the TTL only bounds how
// long a crashed holder blocks the target.
type RedisLocker struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
	logger    zerolog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithKeyPrefix sets the lock key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) { l.keyPrefix = prefix }
}

// WithTTL sets the lease TTL.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithLogger sets the logger used for refresh failures.
func WithLogger(logger zerolog.Logger) RedisOption {
	return func(l *RedisLocker) { l.logger = logger }
}

// NewRedisLocker creates a locker on an existing client.
func NewRedisLocker(client redis.Cmdable, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:    client,
		keyPrefix: "ispflow:lock",
		ttl:       30 * time.Second,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ttl <= 0 {
		l.ttl = 30 * time.Second
	}
	l.logger = l.logger.With().Str("component", "redis-locker").Logger()
	return l
}

// NewRedisLockerFromURL creates a locker from a redis:// URL.
func NewRedisLockerFromURL(url string, opts ...RedisOption) (*RedisLocker, *redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	return NewRedisLocker(client, opts...), client, nil
}

func (l *RedisLocker) lockKey(key string) string {
	return l.keyPrefix + ":" + key
}

// Acquire implements Locker by polling SET NX until the wait budget runs out.
func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Lease, error) {
	fullKey := l.lockKey(key)
	token := newToken()
	deadline := time.Now().Add(wait)
	interval := pollInterval(wait)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.newLease(key, fullKey, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockHeld
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type redisLease struct {
	locker  *RedisLocker
	key     string
	fullKey string
	token   string
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (l *RedisLocker) newLease(key, fullKey, token string) *redisLease {
	lease := &redisLease{
		locker:  l,
		key:     key,
		fullKey: fullKey,
		token:   token,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go lease.refresh()
	return lease
}

func (r *redisLease) refresh() {
	defer close(r.done)

	ticker := time.NewTicker(r.locker.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.locker.ttl/3)
			res, err := r.locker.client.Eval(ctx, extendScript, []string{r.fullKey},
				r.token, r.locker.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				r.locker.logger.Warn().Err(err).Str("key", r.key).Msg("Failed to refresh lock lease")
				continue
			}
			if res == 0 {
				r.locker.logger.Error().Str("key", r.key).Msg("Lock lease lost before release")
				return
			}
		case <-r.stop:
			return
		}
	}
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		close(r.stop)
		<-r.done

		res, evalErr := r.locker.client.Eval(ctx, releaseScript, []string{r.fullKey}, r.token).Int64()
		if evalErr != nil && !errors.Is(evalErr, redis.Nil) {
			err = fmt.Errorf("failed to release lock %s: %w", r.key, evalErr)
			return
		}
		if res == 0 {
			err = ErrLockLost
		}
	})
	return err
}
