// Package redislock implements lock.Locker on Redis so several Argus
// replicas share per-alert execution locks.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/lock"
)

const keyPrefix = "argus:lock:"

// release deletes the key only if it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extend refreshes the TTL only if the key still holds our token.
var extend = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker holds locks as Redis keys with a TTL that is refreshed while the
// holder is alive, so a crashed replica's lock expires on its own.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger log.Logger
}

var _ lock.Locker = (*Locker)(nil)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, cfg.TTL, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, ttl time.Duration, logger log.Logger) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Locker{client: client, ttl: ttl, logger: logger}
}

// Close closes the client.
func (l *Locker) Close() error {
	return l.client.Close()
}

// Acquire takes key with SET NX or returns lock.ErrBusy.
func (l *Locker) Acquire(ctx context.Context, key string) (lock.Unlock, error) {
	k := keyPrefix + key
	token := ulid.Make().String()

	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, lock.ErrBusy
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepalive(k, token, stop)
	}()

	var once sync.Once
	var releaseErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			wg.Wait()
			if err := release.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
				releaseErr = fmt.Errorf("redis unlock %s: %w", key, err)
			}
		})
		return releaseErr
	}, nil
}

func (l *Locker) keepalive(key, token string, stop <-chan struct{}) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			n, err := extend.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				l.logger.Warn(ctx, "redis lock keepalive failed", "key", key, "err", err)
				continue
			}
			if n == 0 {
				l.logger.Warn(ctx, "redis lock lost", "key", key)
				return
			}
		}
	}
}
