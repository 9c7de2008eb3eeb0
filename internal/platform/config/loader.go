package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	configFile      string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile overrides the dotenv path. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithConfigFile reads a YAML settings file below the environment layers. It takes
// precedence over API_CONFIG_FILE.
func WithConfigFile(path string) Option {
	return func(o *loaderOptions) { o.configFile = path }
}

// WithEnvMap supplies variables that win over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names secret fields that must resolve to a non-empty value, e.g.
// "Stripe.APIKey" or "Security.HMAC.Secrets[mercadopago]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// EnvironmentValues merges the dotenv file, the process environment and the explicit map,
// in that order. main uses it to build the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return newLoaderOptions(opts).environment()
}

func (o loaderOptions) environment() (map[string]string, error) {
	values, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for key, value := range o.envMap {
		values[key] = value
	}
	return values, nil
}

// Load builds the Config, resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	env, err := o.environment()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.value)
	}

	path := o.configFile
	if path == "" {
		path = strings.TrimSpace(env[configFileKey])
	}
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "yaml" && ext != "yml" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	for _, s := range settings {
		if value := strings.TrimSpace(env[envName(s.key)]); value != "" {
			v.Set(s.key, value)
		}
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToPairsHook,
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()

	resolver := o.secret
	if resolver == nil {
		resolver = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	resolved, err := resolveSecrets(ctx, &cfg, resolver)
	if err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	if missing := missingSecrets(o.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

// normalize lower-cases selector values and fills settings derived from other settings.
func (c *Config) normalize() {
	c.Storage.Backend = lower(c.Storage.Backend)
	c.Events.Backend = lower(c.Events.Backend)
	c.Security.Environment = lower(c.Security.Environment)
	c.Stripe.Currency = lower(c.Stripe.Currency)
	c.Payments.DefaultGateway = lower(c.Payments.DefaultGateway)

	c.Payments.Gateways = cleanList(c.Payments.Gateways, true)
	c.Events.Brokers = cleanList(c.Events.Brokers, false)
	c.Security.OIDC.Issuers = cleanList(c.Security.OIDC.Issuers, false)
	c.Security.OIDC.Invokers = cleanList(c.Security.OIDC.Invokers, false)
	c.Security.OIDC.Audiences = cleanPairs(c.Security.OIDC.Audiences)
	c.Security.HMAC.Secrets = cleanPairs(c.Security.HMAC.Secrets)

	if c.Firestore.ProjectID == "" {
		c.Firestore.ProjectID = c.Firebase.ProjectID
	}
	if c.Events.ProjectID == "" {
		c.Events.ProjectID = c.Firestore.ProjectID
	}
	if len(c.Payments.Gateways) == 0 {
		c.Payments.Gateways = []string{GatewaySandbox}
	}
	if c.Payments.DefaultGateway == "" {
		c.Payments.DefaultGateway = c.Payments.Gateways[0]
	}
	if len(c.Security.OIDC.Issuers) == 0 {
		c.Security.OIDC.Issuers = append([]string(nil), defaultIssuers...)
	}
	if c.Security.OIDC.Audience == "" {
		c.Security.OIDC.Audience = c.Security.OIDC.Audiences[c.Security.Environment]
	}
}

// readDotEnv parses a KEY=VALUE file. A missing file yields an empty map.
func readDotEnv(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	for _, key := range v.AllKeys() {
		values[strings.ToUpper(key)] = v.GetString(key)
	}
	return values, nil
}

// stringToPairsHook decodes "a=1,b=2" into a map. Entries without a key or value are skipped.
func stringToPairsHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Map {
		return data, nil
	}
	pairs := make(map[string]string)
	for _, entry := range strings.Split(data.(string), ",") {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if ok && key != "" && value != "" {
			pairs[key] = value
		}
	}
	return pairs, nil
}

func cleanList(values []string, fold bool) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if fold {
			value = strings.ToLower(value)
		}
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

func cleanPairs(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for key, value := range values {
		if key = lower(key); key != "" {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}

func lower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
