// Package secrets resolves secret:// references for payment gateway credentials and
// webhook signing keys through Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheTTL = 10 * time.Minute
	meterName       = "github.com/fastfood-order/api/internal/platform/secrets"
)

// accessClient is the slice of the Secret Manager client the fetcher calls.
type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

var newAccessClient = func(ctx context.Context, opts ...option.ClientOption) (accessClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// retryTransient retries Secret Manager calls that fail while the backend is briefly
// unavailable, before the fetcher considers the local fallback.
var retryTransient = gax.WithRetry(func() gax.Retryer {
	return gax.OnCodes([]codes.Code{codes.Unavailable, codes.ResourceExhausted}, gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	})
})

// Fetcher resolves references against Secret Manager. Values fetched as "latest" are
// cached for the cache TTL so rotated gateway credentials are picked up without a
// restart; explicitly versioned values never change and are cached for good.
type Fetcher struct {
	client     accessClient
	ownsClient bool
	logger     *zap.Logger
	now        func() time.Time
	ttl        time.Duration

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.Mutex
	cache map[string]cached

	latency metric.Float64Histogram
}

type cached struct {
	value     string
	expiresAt time.Time
}

type settings struct {
	logger         *zap.Logger
	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	fallbackPath   string
	ttl            time.Duration
	now            func() time.Time
	meter          metric.Meter
	client         accessClient
	clientOpts     []option.ClientOption
}

// Option customises NewFetcher.
type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithEnvironment selects which entry of the project map applies, e.g. "prod".
func WithEnvironment(env string) Option {
	return func(s *settings) { s.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject is used when the project map has no entry for the environment.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.defaultProject = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment labels to Secret Manager projects.
func WithProjectMap(projects map[string]string) Option {
	return func(s *settings) { s.projects = projects }
}

// WithVersionPins pins versions by canonical reference. Keys may be prefixed with
// "<env>:" to pin only in one environment.
func WithVersionPins(pins map[string]string) Option {
	return func(s *settings) { s.pins = pins }
}

func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long a "latest" value is served from memory.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(s *settings) { s.meter = meter }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withAccessClient(client accessClient) Option {
	return func(s *settings) { s.client = client }
}

// NewFetcher never fails on missing credentials: without a Secret Manager client every
// reference is answered from the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{env: "local", ttl: defaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:         s.client,
		logger:         s.logger,
		now:            s.now,
		ttl:            s.ttl,
		env:            s.env,
		defaultProject: s.defaultProject,
		projects:       make(map[string]string, len(s.projects)),
		pins:           make(map[string]string, len(s.pins)),
		fallbackPath:   s.fallbackPath,
		cache:          map[string]cached{},
	}
	for label, project := range s.projects {
		f.projects[strings.ToLower(strings.TrimSpace(label))] = strings.TrimSpace(project)
	}
	for ref, version := range s.pins {
		f.pins[strings.TrimSpace(ref)] = strings.TrimSpace(version)
	}

	latency, err := s.meter.Float64Histogram("secrets.resolve.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time to resolve a secret reference by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register metric: %w", err)
	}
	f.latency = latency

	if f.client == nil {
		client, err := newAccessClient(ctx, s.clientOpts...)
		if err != nil {
			f.logger.Warn("secret manager unavailable, serving fallback values only", zap.Error(err))
		} else {
			f.client, f.ownsClient = client, true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind ref. NotFound and other non-transient Secret Manager
// errors are returned as is; only unreachable or unauthorised backends use the fallback.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := f.now()
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)
	key := fallbackKey(ref.Canonical(), version)

	if value, ok := f.cached(key, start); ok {
		f.observe(ctx, "cache", start)
		return value, nil
	}

	project := ref.Project
	if project == "" {
		project = f.project()
	}
	if f.client != nil && project != "" {
		value, err := f.access(ctx, ref.resource(project, version))
		switch {
		case err == nil:
			f.store(key, value, version, start)
			f.observe(ctx, "remote", start)
			return value, nil
		case !fallbackAllowed(err):
			f.observe(ctx, "error", start)
			return "", fmt.Errorf("secrets: resolve %s: %w", ref.Canonical(), err)
		}
		f.logger.Debug("secret manager failed, trying fallback", zap.String("ref", ref.Canonical()), zap.Error(err))
	}

	value, err := f.fromFallback(ref.Canonical(), version)
	if err != nil {
		f.observe(ctx, "error", start)
		return "", err
	}
	f.store(key, value, version, start)
	f.observe(ctx, "fallback", start)
	return value, nil
}

// Invalidate drops every cached version of ref, e.g. after a rotation notice.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := ParseReference(raw)
	if err != nil {
		return
	}
	prefix := ref.Canonical()
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if key == prefix || strings.HasPrefix(key, prefix+"#") {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) access(ctx context.Context, resource string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource}, retryTransient)
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) version(ref Reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	canonical := ref.Canonical()
	if pin := f.pins[f.env+":"+canonical]; pin != "" {
		return pin
	}
	if pin := f.pins[canonical]; pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) project() string {
	if project := f.projects[f.env]; project != "" {
		return project
	}
	return f.defaultProject
}

func (f *Fetcher) cached(key string, now time.Time) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
		delete(f.cache, key)
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value, version string, now time.Time) {
	entry := cached{value: value}
	if version == latestVersion {
		entry.expiresAt = now.Add(f.ttl)
	}
	f.mu.Lock()
	f.cache[key] = entry
	f.mu.Unlock()
}

func (f *Fetcher) fromFallback(canonical, version string) (string, error) {
	f.fallbackOnce.Do(func() {
		f.fallback, f.fallbackErr = loadFallbackFile(f.fallbackPath)
	})
	if f.fallbackErr != nil {
		return "", f.fallbackErr
	}
	if value, ok := f.fallback[fallbackKey(canonical, version)]; ok {
		return value, nil
	}
	if value, ok := f.fallback[canonical]; ok {
		return value, nil
	}
	return "", fmt.Errorf("secrets: no value for %s", canonical)
}

func (f *Fetcher) observe(ctx context.Context, source string, start time.Time) {
	elapsed := float64(f.now().Sub(start)) / float64(time.Millisecond)
	f.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source)))
}

// fallbackAllowed reports whether err means Secret Manager could not answer at all.
func fallbackAllowed(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
