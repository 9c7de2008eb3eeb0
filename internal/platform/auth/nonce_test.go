package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type stubNonceSetter struct {
	keys map[string]time.Time
	err  error
}

func (s *stubNonceSetter) SetArgs(_ context.Context, key string, _ any, a redis.SetArgs) *redis.StatusCmd {
	if s.err != nil {
		return redis.NewStatusResult("", s.err)
	}
	if a.Mode != "NX" {
		return redis.NewStatusResult("", errors.New("expected NX"))
	}
	if _, ok := s.keys[key]; ok {
		return redis.NewStatusResult("", redis.Nil)
	}
	s.keys[key] = a.ExpireAt
	return redis.NewStatusResult("OK", nil)
}

func TestRedisNonceStoreClaimsOnce(t *testing.T) {
	ctx := context.Background()
	expiry := time.Date(2025, 5, 2, 14, 5, 0, 0, time.UTC)
	setter := &stubNonceSetter{keys: map[string]time.Time{}}
	store := NewRedisNonceStore(setter, "")

	if ok, err := store.UseNonce(ctx, "stripe", "n-1", expiry); err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	if got := setter.keys["webhook-nonce:stripe:n-1"]; !got.Equal(expiry) {
		t.Fatalf("expected key to expire at %s, got %s", expiry, got)
	}
	if ok, err := store.UseNonce(ctx, "stripe", "n-1", expiry); err != nil || ok {
		t.Fatalf("replay: %v %v", ok, err)
	}
	if _, err := store.UseNonce(ctx, "", "n-1", expiry); err == nil {
		t.Fatal("expected error for empty scope")
	}
}

func TestRedisNonceStorePropagatesErrors(t *testing.T) {
	store := NewRedisNonceStore(&stubNonceSetter{err: errors.New("connection refused")}, "nonce:")
	if ok, err := store.UseNonce(context.Background(), "mercadopago", "req-1", time.Now().Add(time.Minute)); err == nil || ok {
		t.Fatalf("expected error, got %v %v", ok, err)
	}
}
