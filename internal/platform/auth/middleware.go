package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/fastfood-order/api/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	emailClaim           = "email"
	defaultVerifyTimeout = 5 * time.Second
	staffKind            = "staff"
)

var (
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	ErrTokenRevoked = errors.New("auth: firebase id token revoked")
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens. *FirebaseVerifier is the production one.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator guards staff routes with Firebase ID tokens. A nil *Authenticator lets
// every request through, which is how the API runs with staff auth disabled.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	timeout   time.Duration
	metrics   MetricsRecorder
	now       func() time.Time
}

// Option customises NewAuthenticator.
type Option func(*Authenticator)

func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithStaffMetrics records each staff token check under the "staff" kind.
func WithStaffMetrics(recorder MetricsRecorder) Option {
	return func(a *Authenticator) { a.metrics = recorder }
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:  verifier,
		roleClaim: defaultRoleClaim,
		timeout:   defaultVerifyTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireStaff admits staff members holding one of roles, or any staff role when roles is
// empty. The identity is stored on the request context.
func (a *Authenticator) RequireStaff(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := a.now()
			identity, denied := a.authenticate(ctx, r, roles)
			if denied != nil {
				a.record(ctx, false, denied.reason, start)
				httpx.WriteError(ctx, w, httpx.NewError(denied.code, denied.message, denied.status))
				return
			}
			a.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, r *http.Request, roles []Role) (*Identity, *rejection) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, reject(http.StatusUnauthorized, "unauthenticated", "token_missing", "authorization header missing or invalid")
	}
	if a.verifier == nil {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "verifier_missing", "authorization service unavailable")
	}

	verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
	token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
	cancel()
	if err != nil {
		return nil, verificationRejection(err)
	}

	identity := &Identity{
		UID:   token.UID,
		Email: stringClaim(token.Claims, emailClaim),
		Roles: rolesFromClaim(token.Claims[a.roleClaim]),
		token: token,
	}
	switch {
	case len(identity.Roles) == 0:
		return nil, reject(http.StatusForbidden, "missing_role", "role_missing", "no staff role associated with identity")
	case !identity.Can(roles...):
		return nil, reject(http.StatusForbidden, "insufficient_role", "role_insufficient", "identity does not have required role")
	}
	return identity, nil
}

func verificationRejection(err error) *rejection {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return reject(http.StatusUnauthorized, "token_expired", "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenRevoked):
		return reject(http.StatusUnauthorized, "token_revoked", "token_revoked", "firebase id token revoked or account disabled")
	case errors.Is(err, context.DeadlineExceeded):
		return reject(http.StatusServiceUnavailable, "verification_unavailable", "verifier_timeout", "firebase id token verification timed out")
	}
	return reject(http.StatusUnauthorized, "invalid_token", "token_invalid", "firebase id token invalid")
}

func (a *Authenticator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordVerification(ctx, staffKind, success, reason, a.now().Sub(start))
	}
}

// rolesFromClaim accepts a comma separated string, a list, or a map of role to bool.
// Unknown roles are dropped.
func rolesFromClaim(claim any) []Role {
	var names []string
	switch v := claim.(type) {
	case string:
		names = strings.Split(v, ",")
	case []string:
		names = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
	case map[string]any:
		for name, enabled := range v {
			if on, _ := enabled.(bool); on {
				names = append(names, name)
			}
		}
	}

	var roles []Role
	for _, name := range names {
		role, ok := ParseRole(name)
		if ok && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	return roles
}

func stringClaim(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
