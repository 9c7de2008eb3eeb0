package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a distributed lock could not be acquired in time.
var ErrLockTimeout = errors.New("locks: timed out waiting for lock")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClient is the subset of go-redis used by Redis locks.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisOptions tune the distributed lock.
type RedisOptions struct {
	Prefix       string
	TTL          time.Duration
	WaitTimeout  time.Duration
	RetryBackoff time.Duration
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// Redis is a keyed lock shared by every API replica. Each lock expires after TTL so a crashed
// holder cannot block an order forever.
type Redis struct {
	client  RedisClient
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
	logger  func(context.Context, string, map[string]any)
}

// NewRedis constructs a Redis lock over an existing client.
func NewRedis(client RedisClient, opts RedisOptions) (*Redis, error) {
	if client == nil {
		return nil, errors.New("locks: redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	wait := opts.WaitTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 25 * time.Millisecond
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "lock:"
	}
	logger := opts.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Redis{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		wait:    wait,
		backoff: backoff,
		logger:  logger,
	}, nil
}

// Lock polls SET NX until the key is acquired, ctx is done or the wait timeout elapses.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	redisKey := r.prefix + key

	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	backoff := r.backoff
	for {
		ok, err := r.client.SetNX(waitCtx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, fmt.Errorf("locks: acquire %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-timer.C:
		}
		if backoff < 250*time.Millisecond {
			backoff *= 2
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger(ctx, "locks.redis.release.failed", map[string]any{
				"key":   redisKey,
				"error": err.Error(),
			})
		}
	}, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("locks: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
