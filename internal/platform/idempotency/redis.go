package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the part of go-redis the store needs. *redis.Client satisfies it.
type RedisClient interface {
	SetArgs(ctx context.Context, key string, value any, a redis.SetArgs) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore shares claims between replicas. Entries carry an absolute Redis expiry, so
// Sweep has nothing to do.
type RedisStore struct {
	client RedisClient
	prefix string
}

func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "idempotency:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Claim(ctx context.Context, e Entry) (Entry, bool, error) {
	key := s.prefix + storageKey(e.Key)
	payload, err := json.Marshal(e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("idempotency: encode entry: %w", err)
	}
	err = s.client.SetArgs(ctx, key, payload, redis.SetArgs{Mode: "NX", ExpireAt: e.ExpiresAt}).Err()
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return Entry{}, false, fmt.Errorf("idempotency: claim: %w", err)
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SET NX and GET. Report it as in flight; the client retries.
		return Entry{Key: e.Key, Fingerprint: e.Fingerprint, Phase: PhaseInFlight}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("idempotency: load: %w", err)
	}
	var held Entry
	if err := json.Unmarshal(raw, &held); err != nil {
		return Entry{}, false, fmt.Errorf("idempotency: decode entry: %w", err)
	}
	return held, false, nil
}

func (s *RedisStore) Finish(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("idempotency: encode entry: %w", err)
	}
	if err := s.client.SetArgs(ctx, s.prefix+storageKey(e.Key), payload, redis.SetArgs{ExpireAt: e.ExpiresAt}).Err(); err != nil {
		return fmt.Errorf("idempotency: finish: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+storageKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: abandon: %w", err)
	}
	return nil
}

func (s *RedisStore) Sweep(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
