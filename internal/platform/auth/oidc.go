package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// iapAssertionHeader carries the signed assertion when the call comes through IAP.
const iapAssertionHeader = "X-Goog-Iap-Jwt-Assertion"

// OIDCPolicy lists what a Google-signed token must satisfy to reach internal routes.
// Issuers and Invokers are optional; an empty Audience rejects every call.
type OIDCPolicy struct {
	Audience string
	Issuers  []string
	Invokers []string
}

// ServiceIdentity is the verified caller of an internal route, typically the Cloud
// Scheduler service account that triggers payment reconciliation sweeps.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCValidator checks RS256 tokens against keys from a JWKSCache.
type OIDCValidator struct {
	keys    *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

type OIDCOption func(*OIDCValidator)

func NewOIDCValidator(keys *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{keys: keys, logger: discardLogger{}, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) { v.metrics = recorder }
}

func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

type serviceClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// rejection is a failed verification. reason feeds metrics, code and message the response.
type rejection struct {
	status  int
	code    string
	reason  string
	message string
}

func reject(status int, code, reason, message string) *rejection {
	return &rejection{status: status, code: code, reason: reason, message: message}
}

// Require returns middleware that admits only requests whose bearer token (or IAP
// assertion) satisfies policy. The verified caller is stored with WithServiceIdentity.
func (v *OIDCValidator) Require(policy OIDCPolicy) func(http.Handler) http.Handler {
	policy.Audience = strings.TrimSpace(policy.Audience)
	policy.Issuers = normaliseList(policy.Issuers, false)
	policy.Invokers = normaliseList(policy.Invokers, true)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			identity, rej := v.verify(ctx, r, policy)
			if rej != nil {
				v.logger.Printf("auth: internal call rejected (%s): %s", rej.reason, rej.message)
				v.record(ctx, false, rej.reason, start)
				respondAuthError(ctx, w, rej.status, rej.code, rej.message)
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) verify(ctx context.Context, r *http.Request, policy OIDCPolicy) (*ServiceIdentity, *rejection) {
	if policy.Audience == "" {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "audience_not_configured", "oidc audience not configured")
	}
	raw := serviceToken(r)
	if raw == "" {
		return nil, reject(http.StatusUnauthorized, "unauthenticated", "token_missing", "oidc token missing")
	}
	if v.keys == nil {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "cache_unavailable", "oidc verification unavailable")
	}

	var claims serviceClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	_, err := parser.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.keys.Key(ctx, kid)
	})
	switch {
	case errors.Is(err, ErrJWKSFetchFailed):
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "jwks_unavailable", err.Error())
	case err != nil:
		return nil, reject(http.StatusUnauthorized, "invalid_token", "token_invalid", err.Error())
	}

	if len(policy.Issuers) > 0 && !slices.Contains(policy.Issuers, claims.Issuer) {
		return nil, reject(http.StatusUnauthorized, "invalid_token", "issuer_mismatch", fmt.Sprintf("issuer %q not accepted", claims.Issuer))
	}
	if !slices.Contains([]string(claims.Audience), policy.Audience) {
		return nil, reject(http.StatusUnauthorized, "invalid_token", "audience_mismatch", "oidc audience mismatch")
	}
	if len(policy.Invokers) > 0 {
		email := strings.ToLower(strings.TrimSpace(claims.Email))
		if !claims.EmailVerified || !slices.Contains(policy.Invokers, email) {
			return nil, reject(http.StatusForbidden, "invoker_not_allowed", "invoker_not_allowed", "caller is not an allowed invoker")
		}
	}
	return &ServiceIdentity{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Issuer:   claims.Issuer,
		Audience: policy.Audience,
	}, nil
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
	}
}

func serviceToken(r *http.Request) string {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(r.Header.Get(iapAssertionHeader))
}

func normaliseList(values []string, lower bool) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if lower {
			value = strings.ToLower(value)
		}
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}
