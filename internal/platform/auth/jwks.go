package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	// ErrJWKSKeyNotFound means the signing key id is not published by the issuer.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport and decoding failures of the key document.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSTTL        = 15 * time.Minute
	defaultJWKSTimeout    = 5 * time.Second
	defaultJWKSMinRefresh = 30 * time.Second
)

// JWKSCache holds the issuer's public keys. Keys are reloaded when the document expires
// (Cache-Control max-age, else the default TTL) or when a token names an unknown key id.
// Unknown-kid reloads are throttled so forged tokens cannot hammer the issuer.
type JWKSCache struct {
	url        string
	client     *http.Client
	logger     Logger
	now        func() time.Time
	ttl        time.Duration
	timeout    time.Duration
	minRefresh time.Duration

	mu        sync.Mutex
	keys      map[string]jose.JSONWebKey
	expiresAt time.Time
	fetchedAt time.Time
}

// JWKSOption customises JWKSCache.
type JWKSOption func(*JWKSCache)

func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     discardLogger{},
		now:        time.Now,
		ttl:        defaultJWKSTTL,
		timeout:    defaultJWKSTimeout,
		minRefresh: defaultJWKSMinRefresh,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSTTL sets the lifetime used when the response carries no max-age.
func WithJWKSTTL(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithJWKSMinRefresh sets the minimum gap between reloads triggered by unknown key ids.
func WithJWKSMinRefresh(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d >= 0 {
			c.minRefresh = d
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Key returns the public key published under kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.keys == nil || !now.Before(c.expiresAt) {
		if err := c.reloadLocked(ctx, now); err != nil {
			return nil, err
		}
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	// Issuers rotate keys before the old document expires.
	if now.Sub(c.fetchedAt) >= c.minRefresh {
		if err := c.reloadLocked(ctx, now); err != nil {
			return nil, err
		}
		if jwk, ok := c.keys[kid]; ok {
			return jwk.Key, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) reloadLocked(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() && jwk.IsPublic() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no usable keys", ErrJWKSFetchFailed)
	}

	ttl := c.ttl
	if maxAge, ok := maxAgeOf(resp.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}
	c.keys = keys
	c.fetchedAt = now
	c.expiresAt = now.Add(ttl)
	c.logger.Printf("auth: loaded %d signing keys from %s, valid for %s", len(keys), c.url, ttl)
	return nil
}

func maxAgeOf(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
