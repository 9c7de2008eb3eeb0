package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fastfood-order/api/internal/platform/config"
	"github.com/fastfood-order/api/internal/platform/secrets"
	"github.com/fastfood-order/api/internal/repositories"
)

// secretSettings is read from the raw environment because the fetcher must exist before
// config.Load can resolve secret references.
type secretSettings struct {
	environment     string
	defaultProject  string
	fallbackFile    string
	credentialsFile string
	projects        map[string]string
	pins            map[string]string
}

func secretSettingsFromEnv(env map[string]string) secretSettings {
	get := func(key string) string { return strings.TrimSpace(env[key]) }
	s := secretSettings{
		environment:     strings.ToLower(get("API_SECURITY_ENVIRONMENT")),
		defaultProject:  get("API_SECRET_DEFAULT_PROJECT_ID"),
		fallbackFile:    get("API_SECRET_FALLBACK_FILE"),
		credentialsFile: get("API_FIREBASE_CREDENTIALS_FILE"),
		projects:        map[string]string{},
		pins:            map[string]string{},
	}
	if s.environment == "" {
		s.environment = "local"
	}
	if s.defaultProject == "" {
		s.defaultProject = get("API_FIREBASE_PROJECT_ID")
	}
	if s.fallbackFile == "" {
		s.fallbackFile = ".secrets.local.yaml"
	}
	for label, project := range pairs(env["API_SECRET_PROJECT_IDS"]) {
		s.projects[strings.ToLower(label)] = project
	}
	for key, version := range pairs(env["API_SECRET_VERSION_PINS"]) {
		if pin, ok := pinKey(key); ok {
			s.pins[pin] = version
		}
	}
	return s
}

func (s secretSettings) fetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithEnvironment(s.environment),
		secrets.WithLogger(logger),
		secrets.WithFallbackFile(s.fallbackFile),
		secrets.WithProjectMap(s.projects),
		secrets.WithVersionPins(s.pins),
	}
	if s.defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(s.defaultProject))
	}
	if s.credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(s.credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// pinKey turns "[env:]ref" into the fetcher's pin key. The env label is the part before
// the first colon unless that colon belongs to the reference scheme.
func pinKey(raw string) (string, bool) {
	var label string
	if before, after, ok := strings.Cut(raw, ":"); ok && !strings.HasPrefix(after, "//") {
		label, raw = strings.ToLower(strings.TrimSpace(before))+":", after
	}
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "secret://" + raw
	}
	ref, err := secrets.ParseReference(raw)
	if err != nil {
		return "", false
	}
	return label + ref.Canonical(), true
}

// requiredSecretNames lists what the enabled gateways and webhook providers cannot run without.
func requiredSecretNames(env map[string]string) []string {
	var names []string
	for _, gateway := range strings.Split(env["API_PAYMENTS_GATEWAYS"], ",") {
		switch strings.ToLower(strings.TrimSpace(gateway)) {
		case config.GatewayMercadoPago:
			names = append(names, "MercadoPago.ClientSecret")
		case config.GatewayStripe:
			names = append(names, "Stripe.APIKey")
		}
	}
	for provider := range pairs(env["API_SECURITY_HMAC_SECRETS"]) {
		names = append(names, fmt.Sprintf("Security.HMAC.Secrets[%s]", strings.ToLower(provider)))
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// pairs splits "k=v,k2=v2"; entries missing either side are dropped.
func pairs(raw string) map[string]string {
	out := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if ok && key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

// secretManagerCheck only cares about reachability, so a missing health-check secret is healthy.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const healthSecret = "secret://system/healthz?version=latest"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, healthSecret)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			return nil
		},
	}
}
