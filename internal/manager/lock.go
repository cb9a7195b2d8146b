package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another process holds the lock of a deployment.
var ErrLocked = errors.New("deployment is locked by another process")

const lockPrefix = "mcindexor:lock:"

// Lease is a held deployment lock.
type Lease interface {
	// Lost is closed when the lock can no longer be extended.
	Lost() <-chan struct{}
	Release()
}

// Locker makes sure a deployment runs in at most one process.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// NoopLocker grants every lock. It is used when no redis is configured.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string) (Lease, error) {
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Lost() <-chan struct{} { return nil }
func (noopLease) Release()              {}

var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker implements Locker with SET NX leases that are extended while held.
// Only the holder's token can extend or release a lease.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisLocker connects to redis and verifies the connection.
func NewRedisLocker(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*RedisLocker, error) {
	cfg.ApplyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return NewRedisLockerWithClient(client, cfg.LockTTL.Duration, log), nil
}

// NewRedisLockerWithClient creates a locker on an existing client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		log:    log.WithComponent(common.ComponentManager),
	}
}

// Acquire takes the lock for key or returns ErrLocked.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	redisKey := lockPrefix + key

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}

	lease := &redisLease{
		locker: l,
		key:    redisKey,
		token:  token,
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.keepAlive()

	l.log.Debugw("lock acquired", "key", key, "ttl", l.ttl)

	return lease, nil
}

// Close closes the redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string

	lost     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (l *redisLease) Lost() <-chan struct{} {
	return l.lost
}

func (l *redisLease) keepAlive() {
	defer close(l.done)

	ticker := time.NewTicker(l.locker.ttl / 3) //nolint:mnd
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.locker.ttl/3) //nolint:mnd
			n, err := extendScript.Run(ctx, l.locker.client, []string{l.key}, l.token, l.locker.ttl.Milliseconds()).Int()
			cancel()

			if err != nil {
				// a transient error is retried on the next tick; the lease survives until its ttl runs out
				l.locker.log.Warnw("failed to extend lock", "key", l.key, "error", err)
				continue
			}
			if n == 0 {
				l.locker.log.Errorw("lock lost", "key", l.key)
				close(l.lost)
				return
			}
		}
	}
}

func (l *redisLease) Release() {
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done

		ctx, cancel := context.WithTimeout(context.Background(), l.locker.ttl)
		defer cancel()

		if err := releaseScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Err(); err != nil {
			l.locker.log.Warnw("failed to release lock", "key", l.key, "error", err)
			return
		}

		l.locker.log.Debugw("lock released", "key", l.key)
	})
}
