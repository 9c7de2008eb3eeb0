package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	schedulerEmail = "reconcile-sweep@orders-prod.iam.gserviceaccount.com"
	apiAudience    = "https://orders-api.run.app"
	googleIssuer   = "https://accounts.google.com"
)

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func (m *recordingMetrics) last() verificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return verificationRecord{}
	}
	return m.records[len(m.records)-1]
}

// keyServer publishes a JWKS document and counts fetches.
type keyServer struct {
	*httptest.Server
	key     *rsa.PrivateKey
	kid     string
	fetches atomic.Int32
	fail    atomic.Bool
}

func newKeyServer(t *testing.T, kid string) *keyServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ks := &keyServer{key: key, kid: kid}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.fetches.Add(1)
		if ks.fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: jwt.SigningMethodRS256.Alg(),
			Use:       "sig",
		}}})
	}))
	t.Cleanup(ks.Close)
	return ks
}

func (ks *keyServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(ks.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func freezeJWTClock(t *testing.T, now time.Time) {
	t.Helper()
	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = original })
}

func schedulerClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"aud":            apiAudience,
		"iss":            googleIssuer,
		"sub":            "1049283746",
		"email":          schedulerEmail,
		"email_verified": true,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

func TestJWKSCacheHonoursMaxAge(t *testing.T) {
	ks := newKeyServer(t, "k1")
	now := time.Unix(1_700_000_000, 0)
	cache := NewJWKSCache(ks.URL, WithJWKSClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key, err := cache.Key(ctx, "k1")
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if _, ok := key.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", key)
		}
	}
	if got := ks.fetches.Load(); got != 1 {
		t.Fatalf("expected one fetch inside max-age, got %d", got)
	}

	now = now.Add(601 * time.Second)
	if _, err := cache.Key(ctx, "k1"); err != nil {
		t.Fatalf("Key after expiry: %v", err)
	}
	if got := ks.fetches.Load(); got != 2 {
		t.Fatalf("expected reload after max-age, got %d fetches", got)
	}
}

func TestJWKSCacheThrottlesUnknownKid(t *testing.T) {
	ks := newKeyServer(t, "k1")
	now := time.Unix(1_700_000_000, 0)
	cache := NewJWKSCache(ks.URL, WithJWKSClock(func() time.Time { return now }), WithJWKSMinRefresh(time.Minute))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := cache.Key(ctx, "forged"); !errors.Is(err, ErrJWKSKeyNotFound) {
			t.Fatalf("expected ErrJWKSKeyNotFound, got %v", err)
		}
	}
	if got := ks.fetches.Load(); got != 1 {
		t.Fatalf("expected unknown kids not to trigger reloads, got %d fetches", got)
	}
	now = now.Add(2 * time.Minute)
	_, _ = cache.Key(ctx, "forged")
	if got := ks.fetches.Load(); got != 2 {
		t.Fatalf("expected one reload after the throttle window, got %d", got)
	}
}

func TestMaxAgeOf(t *testing.T) {
	if d, ok := maxAgeOf("public, max-age=19800, must-revalidate"); !ok || d != 19800*time.Second {
		t.Fatalf("unexpected max-age %s %v", d, ok)
	}
	for _, header := range []string{"", "no-cache", "max-age=abc", "max-age=0"} {
		if _, ok := maxAgeOf(header); ok {
			t.Fatalf("expected %q to carry no max-age", header)
		}
	}
}

func TestOIDCValidatorRequire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	freezeJWTClock(t, now)
	ks := newKeyServer(t, "svc-key")

	policy := OIDCPolicy{Audience: apiAudience, Issuers: []string{googleIssuer}, Invokers: []string{" " + schedulerEmail + " "}}
	cases := []struct {
		name    string
		policy  OIDCPolicy
		mutate  func(jwt.MapClaims)
		header  string
		status  int
		reason  string
		success bool
	}{
		{name: "scheduler accepted", policy: policy, status: http.StatusNoContent, reason: "ok", success: true},
		{name: "audience mismatch", policy: OIDCPolicy{Audience: "https://other.run.app"}, status: http.StatusUnauthorized, reason: "audience_mismatch"},
		{name: "issuer mismatch", policy: policy, mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }, status: http.StatusUnauthorized, reason: "issuer_mismatch"},
		{name: "unknown invoker", policy: policy, mutate: func(c jwt.MapClaims) { c["email"] = "intruder@other.iam.gserviceaccount.com" }, status: http.StatusForbidden, reason: "invoker_not_allowed"},
		{name: "unverified email", policy: policy, mutate: func(c jwt.MapClaims) { c["email_verified"] = false }, status: http.StatusForbidden, reason: "invoker_not_allowed"},
		{name: "expired", policy: policy, mutate: func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Minute).Unix() }, status: http.StatusUnauthorized, reason: "token_invalid"},
		{name: "no audience configured", policy: OIDCPolicy{}, status: http.StatusServiceUnavailable, reason: "audience_not_configured"},
		{name: "missing token", policy: policy, header: "none", status: http.StatusUnauthorized, reason: "token_missing"},
		{name: "iap assertion", policy: OIDCPolicy{Audience: apiAudience}, header: iapAssertionHeader, status: http.StatusNoContent, reason: "ok", success: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			validator := NewOIDCValidator(NewJWKSCache(ks.URL), WithOIDCMetrics(metrics))
			claims := schedulerClaims(now)
			if tc.mutate != nil {
				tc.mutate(claims)
			}
			token := ks.sign(t, "svc-key", claims)

			req := httptest.NewRequest(http.MethodPost, "/internal/payments/reconcile", nil)
			switch tc.header {
			case "":
				req.Header.Set("Authorization", "Bearer "+token)
			case iapAssertionHeader:
				req.Header.Set(iapAssertionHeader, token)
			}
			rr := httptest.NewRecorder()
			validator.Require(tc.policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity, ok := ServiceIdentityFromContext(r.Context())
				if !ok || identity.Email != schedulerEmail {
					t.Fatalf("expected scheduler identity, got %+v", identity)
				}
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if got := metrics.last(); got.kind != "oidc" || got.reason != tc.reason || got.success != tc.success {
				t.Fatalf("unexpected metric record %+v", got)
			}
		})
	}
}

func TestOIDCValidatorJWKSUnavailable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	freezeJWTClock(t, now)
	ks := newKeyServer(t, "svc-key")
	ks.fail.Store(true)

	metrics := &recordingMetrics{}
	validator := NewOIDCValidator(NewJWKSCache(ks.URL), WithOIDCMetrics(metrics))
	req := httptest.NewRequest(http.MethodPost, "/internal/payments/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+ks.sign(t, "svc-key", schedulerClaims(now)))
	rr := httptest.NewRecorder()
	validator.Require(OIDCPolicy{Audience: apiAudience})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable || metrics.last().reason != "jwks_unavailable" {
		t.Fatalf("expected 503 jwks_unavailable, got %d %+v", rr.Code, metrics.last())
	}
}
