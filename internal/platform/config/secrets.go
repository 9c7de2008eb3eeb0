package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// SecretError wraps a failed resolution with the normalised reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve secret %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved to nothing. Names are
// sensitive enough to be hashed before they reach logs; use RedactedNames there.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("config: missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return slices.Clone(e.names)
}

func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	slices.Sort(out)
	return out
}

// resolveSecrets replaces references in the secret-bearing fields and reports every
// secret field by name, resolved or literal.
func resolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	fields := map[string]*string{
		"Postgres.DSN":             &cfg.Postgres.DSN,
		"Redis.Password":           &cfg.Redis.Password,
		"MercadoPago.ClientSecret": &cfg.MercadoPago.ClientSecret,
		"Stripe.APIKey":            &cfg.Stripe.APIKey,
	}
	resolved := make(map[string]string, len(fields)+len(cfg.Security.HMAC.Secrets))
	for name, field := range fields {
		value, err := resolveValue(ctx, resolver, *field)
		if err != nil {
			return nil, err
		}
		*field = value
		resolved[name] = value
	}
	for provider, raw := range cfg.Security.HMAC.Secrets {
		value, err := resolveValue(ctx, resolver, raw)
		if err != nil {
			return nil, err
		}
		cfg.Security.HMAC.Secrets[provider] = value
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", provider)] = value
	}
	return resolved, nil
}

func resolveValue(ctx context.Context, resolver SecretResolver, raw string) (string, error) {
	ref, ok := secretReference(raw)
	if !ok {
		return raw, nil
	}
	value, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return value, nil
}

// secretReference accepts secret:// and the older sm:// scheme, normalised to secret://.
func secretReference(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		return "secret://" + rest, true
	}
	return raw, strings.HasPrefix(raw, "secret://")
}

func missingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(names, name) {
			continue
		}
		if strings.TrimSpace(resolved[name]) == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	slices.Sort(names)
	return &MissingSecretsError{names: names}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
