package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SecretProvider returns the shared webhook secret of a provider.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type SecretProviderFunc func(context.Context, string) (string, error)

func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecrets serves secrets keyed by lower-case provider name.
func StaticSecrets(secrets map[string]string) SecretProvider {
	return SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		if secret := strings.TrimSpace(secrets[strings.ToLower(name)]); secret != "" {
			return secret, nil
		}
		return "", fmt.Errorf("auth: no webhook secret for %q", name)
	})
}

// WebhookVerifier authenticates payment notifications before the reconciliation handler
// sees them. Each provider signs with its own scheme; see SchemeForProvider.
type WebhookVerifier struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	headers   canonicalHeaders
	clockSkew time.Duration
	nonceTTL  time.Duration

	cache sync.Map
}

type WebhookOption func(*WebhookVerifier)

func NewWebhookVerifier(secrets SecretProvider, nonces NonceStore, opts ...WebhookOption) *WebhookVerifier {
	v := &WebhookVerifier{
		secrets:   secrets,
		nonces:    nonces,
		logger:    discardLogger{},
		now:       time.Now,
		headers:   defaultCanonicalHeaders,
		clockSkew: 5 * time.Minute,
		nonceTTL:  5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithWebhookLogger(logger Logger) WebhookOption {
	return func(v *WebhookVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithWebhookMetrics(metrics MetricsRecorder) WebhookOption {
	return func(v *WebhookVerifier) { v.metrics = metrics }
}

func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithCanonicalHeaders renames the headers of the canonical scheme. Empty names keep the default.
func WithCanonicalHeaders(signature, timestamp, nonce string) WebhookOption {
	return func(v *WebhookVerifier) {
		v.headers = v.headers.override(signature, timestamp, nonce)
	}
}

// WithWebhookClockSkew bounds how far a signed timestamp may drift from the local clock.
func WithWebhookClockSkew(d time.Duration) WebhookOption {
	return func(v *WebhookVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithWebhookNonceTTL(d time.Duration) WebhookOption {
	return func(v *WebhookVerifier) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// WebhookMetadata describes a verified delivery.
type WebhookMetadata struct {
	Provider  string
	Scheme    SignatureScheme
	Timestamp time.Time
	Nonce     string
}

type webhookKey struct{}

func WithWebhookMetadata(ctx context.Context, meta *WebhookMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, webhookKey{}, meta)
}

func WebhookMetadataFromContext(ctx context.Context) (*WebhookMetadata, bool) {
	meta, ok := ctx.Value(webhookKey{}).(*WebhookMetadata)
	return meta, ok && meta != nil
}

// RequireSignature admits a delivery only when its signature matches the secret of the
// provider picked by resolve, the timestamp is inside the skew window and the nonce is new.
func (v *WebhookVerifier) RequireSignature(resolve func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			var provider string
			if resolve != nil {
				provider = strings.ToLower(strings.TrimSpace(resolve(r)))
			}
			meta, rej := v.verify(ctx, r, provider)
			if rej != nil {
				if rej.status >= http.StatusInternalServerError {
					v.logger.Printf("auth: webhook from %q not verified (%s): %s", provider, rej.reason, rej.message)
				}
				v.record(ctx, false, rej.reason, start)
				respondAuthError(ctx, w, rej.status, rej.code, rej.message)
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithWebhookMetadata(ctx, meta)))
		})
	}
}

func (v *WebhookVerifier) verify(ctx context.Context, r *http.Request, provider string) (*WebhookMetadata, *rejection) {
	if provider == "" {
		return nil, reject(http.StatusUnauthorized, "unknown_provider", "provider_unknown", "webhook provider not recognised")
	}
	secret, err := v.secret(ctx, provider)
	if err != nil {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "secret_unavailable", err.Error())
	}
	body, err := bufferBody(r)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_body", "body_unreadable", "unable to read body for signature verification")
	}

	scheme := SchemeForProvider(provider)
	delivery, rej := v.parse(scheme, r, body)
	if rej != nil {
		return nil, rej
	}
	if skew := v.now().Sub(delivery.timestamp).Abs(); skew > v.clockSkew {
		return nil, unauthorized("timestamp_skew", "signature timestamp outside allowed window")
	}
	if !delivery.matches(secret) {
		return nil, unauthorized("signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_unavailable", "nonce store unavailable")
	}
	expiry := delivery.timestamp.Add(v.nonceTTL + v.clockSkew)
	if now := v.now(); !expiry.After(now) {
		expiry = now.Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, provider, delivery.nonce, expiry)
	switch {
	case err != nil:
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_error", err.Error())
	case !fresh:
		return nil, unauthorized("nonce_replay", "duplicate webhook delivery")
	}
	return &WebhookMetadata{Provider: provider, Scheme: scheme, Timestamp: delivery.timestamp, Nonce: delivery.nonce}, nil
}

func (v *WebhookVerifier) parse(scheme SignatureScheme, r *http.Request, body []byte) (signedDelivery, *rejection) {
	switch scheme {
	case SchemeMercadoPago:
		return mercadoPagoDelivery(r)
	case SchemeStripe:
		return stripeDelivery(r, body)
	}
	return v.headers.delivery(r, body)
}

// secret caches non-empty secrets for the life of the verifier.
func (v *WebhookVerifier) secret(ctx context.Context, provider string) ([]byte, error) {
	if cached, ok := v.cache.Load(provider); ok {
		return cached.([]byte), nil
	}
	if v.secrets == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	raw, err := v.secrets.GetSecret(ctx, provider)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("auth: empty webhook secret for %q", provider)
	}
	secret := []byte(raw)
	v.cache.Store(provider, secret)
	return secret, nil
}

func (v *WebhookVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "webhook", success, reason, v.now().Sub(start))
	}
}

func (d signedDelivery) matches(secret []byte) bool {
	expected := computeHMAC(secret, d.message)
	for _, candidate := range d.signatures {
		if hmac.Equal(candidate, expected) {
			return true
		}
	}
	return false
}

// bufferBody reads the body for hashing and puts an identical reader back for the handler.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
