package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const nonceSweepInterval = time.Minute

// NonceStore remembers webhook nonces per provider until they expire. UseNonce reports
// false when the nonce was already used.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

var errNonceInvalid = errors.New("auth: scope and nonce are required")

// InMemoryNonceStore only protects a single replica; use RedisNonceStore when scaled out.
type InMemoryNonceStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	nextSweep time.Time
	now       func() time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errNonceInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !expiry.After(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	if now.After(s.nextSweep) {
		for key, until := range s.seen {
			if !until.After(now) {
				delete(s.seen, key)
			}
		}
		s.nextSweep = now.Add(nonceSweepInterval)
	}

	key := scope + "\x00" + nonce
	if until, ok := s.seen[key]; ok && until.After(now) {
		return false, nil
	}
	s.seen[key] = expiry
	return true, nil
}

// NonceSetter is the part of the go-redis client RedisNonceStore needs.
type NonceSetter interface {
	SetArgs(ctx context.Context, key string, value any, a redis.SetArgs) *redis.StatusCmd
}

// RedisNonceStore claims nonces with SET NX so every replica sees the same deliveries.
type RedisNonceStore struct {
	client NonceSetter
	prefix string
}

func NewRedisNonceStore(client NonceSetter, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "webhook-nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errNonceInvalid
	}
	err := s.client.SetArgs(ctx, s.prefix+scope+":"+nonce, 1, redis.SetArgs{Mode: "NX", ExpireAt: expiry}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}
