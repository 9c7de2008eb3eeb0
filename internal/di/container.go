package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fastfood-order/api/internal/handlers"
	"github.com/fastfood-order/api/internal/payments"
	"github.com/fastfood-order/api/internal/platform/artifacts"
	"github.com/fastfood-order/api/internal/platform/auth"
	"github.com/fastfood-order/api/internal/platform/config"
	"github.com/fastfood-order/api/internal/platform/events"
	pfirestore "github.com/fastfood-order/api/internal/platform/firestore"
	"github.com/fastfood-order/api/internal/platform/idempotency"
	"github.com/fastfood-order/api/internal/platform/locks"
	"github.com/fastfood-order/api/internal/platform/observability"
	"github.com/fastfood-order/api/internal/repositories"
	firestoreRepo "github.com/fastfood-order/api/internal/repositories/firestore"
	"github.com/fastfood-order/api/internal/repositories/memory"
	"github.com/fastfood-order/api/internal/repositories/postgres"
	"github.com/fastfood-order/api/internal/services"
)

const (
	idempotencyCleanupTimeout = time.Minute
	readinessCacheTTL         = 2 * time.Second
)

// Services bundles the service-layer contracts the HTTP handlers rely upon.
type Services struct {
	Orders         services.OrderService
	Payments       services.PaymentService
	Reconciliation services.PaymentReconciliationService
	Catalog        services.CatalogService
	Clients        services.ClientService
	System         services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Metrics      *observability.Metrics
	Router       http.Handler

	logger      *zap.Logger
	idempotency idempotency.Store
	nonces      auth.NonceStore
	closers     []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	registry        repositories.Registry
	gateways        []payments.Gateway
	build           services.BuildInfo
	clock           func() time.Time
	healthChecks    []repositories.DependencyCheck
	firebase        auth.TokenVerifier
	firebaseIsSet   bool
	extraMiddleware []func(http.Handler) http.Handler
}

// WithRegistry supplies a prebuilt repository registry instead of opening Storage.Backend.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithGateways replaces the configured payment gateways.
func WithGateways(gateways ...payments.Gateway) Option {
	return func(o *options) {
		o.gateways = append(o.gateways, gateways...)
	}
}

// WithBuildInfo records the build metadata reported by /healthz.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *options) {
		o.build = info
	}
}

// WithClock overrides the clock shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithHealthChecks adds readiness checks beyond the storage ping.
func WithHealthChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *options) {
		o.healthChecks = append(o.healthChecks, checks...)
	}
}

// WithTokenVerifier replaces the Firebase verifier used for staff routes. A nil verifier
// disables staff authentication.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *options) {
		o.firebase = verifier
		o.firebaseIsSet = true
	}
}

// WithMiddlewares appends router level middleware after the defaults.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(o *options) {
		o.extraMiddleware = append(o.extraMiddleware, mw...)
	}
}

// NewContainer constructs the runtime dependencies and the HTTP router. Callers must Close
// the container to release storage, broker and cloud clients.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (c *Container, err error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if o.build.StartedAt.IsZero() {
		o.build.StartedAt = o.clock().UTC()
	}
	if o.build.Environment == "" {
		o.build.Environment = cfg.Security.Environment
	}

	c = &Container{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Close(closeCtx)
			c = nil
		}
	}()

	var provider *pfirestore.Provider
	reg := o.registry
	if reg == nil {
		reg, provider, err = openRegistry(ctx, cfg)
		if err != nil {
			return c, err
		}
		c.addCloser("storage", reg.Close)
	}
	c.Repositories = reg

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:        addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		c.addCloser("redis", func(context.Context) error { return redisClient.Close() })
	}

	serviceLogger := func(name string) func(context.Context, string, map[string]any) {
		return observability.ServiceLogger(logger.Named(name))
	}

	var locker services.OrderLocker = locks.NewLocal()
	if redisClient != nil {
		locker, err = locks.NewRedis(redisClient, locks.RedisOptions{
			Prefix:      cfg.Redis.LockPrefix,
			TTL:         cfg.Redis.LockTTL,
			WaitTimeout: cfg.Redis.LockWait,
			Logger:      serviceLogger("locks"),
		})
		if err != nil {
			return c, fmt.Errorf("build redis locker: %w", err)
		}
	}

	publisher, err := c.buildPublisher(ctx, cfg, logger)
	if err != nil {
		return c, err
	}

	catalog, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products: reg.Products(),
		Clock:    o.clock,
	})
	if err != nil {
		return c, fmt.Errorf("build catalog service: %w", err)
	}
	clients, err := services.NewClientService(services.ClientServiceDeps{
		Clients: reg.Clients(),
		Clock:   o.clock,
	})
	if err != nil {
		return c, fmt.Errorf("build client service: %w", err)
	}
	pricing, err := services.NewCatalogPricingEngine(catalog)
	if err != nil {
		return c, fmt.Errorf("build pricing engine: %w", err)
	}
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:  reg.Orders(),
		Clients: reg.Clients(),
		Pricing: pricing,
		Locker:  locker,
		Events:  publisher,
		Clock:   o.clock,
		Logger:  serviceLogger("orders"),
	})
	if err != nil {
		return c, fmt.Errorf("build order service: %w", err)
	}

	gateways := o.gateways
	if len(gateways) == 0 {
		gateways, err = buildGateways(cfg, o.clock, logger)
		if err != nil {
			return c, err
		}
	}
	manager, err := payments.NewManager(gateways, payments.WithDefaultProvider(cfg.Payments.DefaultGateway))
	if err != nil {
		return c, fmt.Errorf("build payment manager: %w", err)
	}

	archiver, err := c.buildArchiver(ctx, cfg, o.clock)
	if err != nil {
		return c, err
	}
	paymentDeps := services.PaymentServiceDeps{
		Orders:         reg.Orders(),
		Payments:       reg.Payments(),
		UnitOfWork:     reg,
		Gateways:       manager,
		QR:             payments.NewPNGQREncoder(cfg.Payments.QRSize),
		Locker:         locker,
		GatewayTimeout: cfg.Payments.GatewayTimeout,
		Clock:          o.clock,
		Logger:         serviceLogger("payments"),
	}
	if archiver != nil {
		paymentDeps.Archiver = archiver
	}
	paymentSvc, err := services.NewPaymentService(paymentDeps)
	if err != nil {
		return c, fmt.Errorf("build payment service: %w", err)
	}

	policy := services.NeverCancelOnFailure
	if cfg.Payments.CancelOnFailure {
		policy = services.AlwaysCancelOnFailure
	}
	reconciler, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:         reg.Orders(),
		Payments:       reg.Payments(),
		Discrepancies:  reg.Discrepancies(),
		Gateways:       manager,
		Locker:         locker,
		Events:         publisher,
		FailurePolicy:  policy,
		GatewayTimeout: cfg.Payments.GatewayTimeout,
		Clock:          o.clock,
		Logger:         serviceLogger("reconciliation"),
	})
	if err != nil {
		return c, fmt.Errorf("build reconciliation service: %w", err)
	}

	checks := []repositories.DependencyCheck{repositories.StorageCheck(storageCheckName(cfg, o.registry), reg)}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	checks = append(checks, o.healthChecks...)
	healthRepo, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyClock(o.clock))
	if err != nil {
		return c, fmt.Errorf("build health repository: %w", err)
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            o.clock,
		Build:            o.build,
		Components: map[string]string{
			"storage":         storageCheckName(cfg, o.registry),
			"events":          cfg.Events.Backend,
			"gateways":        strings.Join(manager.Providers(), ","),
			"default_gateway": cfg.Payments.DefaultGateway,
		},
		CacheTTL: readinessCacheTTL,
	})
	if err != nil {
		return c, fmt.Errorf("build system service: %w", err)
	}

	c.Services = Services{
		Orders:         orders,
		Payments:       paymentSvc,
		Reconciliation: reconciler,
		Catalog:        catalog,
		Clients:        clients,
		System:         system,
	}

	c.idempotency, err = buildIdempotencyStore(ctx, cfg, provider, redisClient)
	if err != nil {
		return c, err
	}

	c.nonces = auth.NewInMemoryNonceStore()
	if redisClient != nil {
		c.nonces = auth.NewRedisNonceStore(redisClient, "webhook-nonce:")
	}

	c.Metrics = observability.NewMetrics()

	verifier := o.firebase
	if !o.firebaseIsSet && cfg.Security.FirebaseAuth {
		fv, ferr := auth.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID,
			auth.WithFirebaseCredentialsFile(cfg.Firebase.CredentialsFile),
			auth.WithRevocationCheck(cfg.Security.FirebaseCheckRevoked),
		)
		if ferr != nil {
			return c, fmt.Errorf("build firebase verifier: %w", ferr)
		}
		verifier = fv
	}
	var authenticator *auth.Authenticator
	if verifier != nil {
		authenticator = auth.NewAuthenticator(verifier, auth.WithStaffMetrics(c.Metrics))
	}

	c.Router = c.buildRouter(cfg, o, authenticator)
	return c, nil
}

func (c *Container) buildRouter(cfg config.Config, o options, authenticator *auth.Authenticator) http.Handler {
	logger := c.logger
	idempotent := idempotency.New(c.idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
		idempotency.WithClock(o.clock),
		idempotency.WithOutcomeRecorder(c.Metrics.ObserveIdempotency),
	).Wrap

	orderHandlers := handlers.NewOrderHandlers(authenticator, c.Services.Orders,
		handlers.WithOrderCreateMiddleware(idempotent))

	var paymentHandlers *handlers.PaymentHandlers
	paymentOpts := []handlers.PaymentHandlerOption{
		handlers.WithPaymentMetrics(c.Metrics),
		handlers.WithPaymentCreateMiddleware(idempotent),
		handlers.WithDefaultPaymentProvider(cfg.Payments.DefaultGateway),
		handlers.WithWebhookRateLimit(cfg.RateLimits.WebhookPerMinute, o.clock),
	}
	if len(cfg.Security.HMAC.Secrets) > 0 {
		verifier := auth.NewWebhookVerifier(
			auth.StaticSecrets(cfg.Security.HMAC.Secrets),
			c.nonces,
			auth.WithWebhookLogger(observability.NewPrintfAdapter(logger.Named("webhooks"))),
			auth.WithWebhookMetrics(c.Metrics),
			auth.WithCanonicalHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
			auth.WithWebhookClockSkew(cfg.Security.HMAC.ClockSkew),
			auth.WithWebhookNonceTTL(cfg.Security.HMAC.NonceTTL),
		)
		resolve := func(r *http.Request) string { return paymentHandlers.WebhookProvider(r) }
		paymentOpts = append(paymentOpts, handlers.WithWebhookMiddleware(verifier.RequireSignature(resolve)))
	} else {
		logger.Warn("webhook signature verification disabled: no HMAC secrets configured")
	}
	paymentHandlers = handlers.NewPaymentHandlers(c.Services.Payments, c.Services.Reconciliation, paymentOpts...)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		c.Metrics.Middleware,
	}
	middlewares = append(middlewares, o.extraMiddleware...)

	routerOpts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(o.build),
			handlers.WithHealthSystemService(c.Services.System),
			handlers.WithHealthClock(o.clock),
		)),
		handlers.WithMetricsHandler(c.Metrics.Handler()),
		handlers.WithGroup("/order", orderHandlers.Routes),
		handlers.WithGroup("/payment", paymentHandlers.Routes),
		handlers.WithGroup("/product", handlers.NewProductHandlers(authenticator, c.Services.Catalog).Routes),
		handlers.WithGroup("/client", handlers.NewClientHandlers(authenticator, c.Services.Clients).Routes),
	}
	var internalAuth []func(http.Handler) http.Handler
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg, c.Metrics); oidc != nil {
		internalAuth = append(internalAuth, oidc)
	}
	routerOpts = append(routerOpts, handlers.WithGroup("/internal",
		handlers.NewInternalHandlers(c.Services.Reconciliation).Routes, internalAuth...))
	return handlers.NewRouter(routerOpts...)
}

// RunIdempotencyCleanup purges expired idempotency records until ctx is cancelled.
func (c *Container) RunIdempotencyCleanup(ctx context.Context) {
	if c == nil || c.idempotency == nil || c.Config.Idempotency.CleanupInterval <= 0 {
		return
	}
	interval := c.Config.Idempotency.CleanupInterval
	logger := c.logger.Named("idempotency")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, idempotencyCleanupTimeout)
			removed, err := c.idempotency.Sweep(runCtx, time.Now().UTC(), c.Config.Idempotency.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases clients in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.closers[i].name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) addCloser(name string, fn func(context.Context) error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

func openRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, *pfirestore.Provider, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		reg, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return reg, nil, nil
	case config.StorageBackendMemory:
		return memory.NewRegistry(), nil, nil
	case config.StorageBackendFirestore, "":
		provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		reg, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, err
		}
		return reg, provider, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func storageCheckName(cfg config.Config, injected repositories.Registry) string {
	if injected != nil || cfg.Storage.Backend == "" {
		return "storage"
	}
	return cfg.Storage.Backend
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderEventPublisher, error) {
	switch cfg.Events.Backend {
	case config.EventsBackendPubSub:
		projectID := strings.TrimSpace(cfg.Events.ProjectID)
		if projectID == "" {
			projectID = traceProjectID(cfg)
		}
		client, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		c.addCloser("pubsub", func(context.Context) error { return client.Close() })
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Events.Topic))
		if err != nil {
			return nil, err
		}
		c.addCloser("pubsub topic", func(context.Context) error { return publisher.Close() })
		return publisher, nil
	case config.EventsBackendKafka:
		publisher, err := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		if err != nil {
			return nil, err
		}
		c.addCloser("kafka", func(context.Context) error { return publisher.Close() })
		return publisher, nil
	default:
		return events.NewLogPublisher(logger), nil
	}
}

func (c *Container) buildArchiver(ctx context.Context, cfg config.Config, clock func() time.Time) (*artifacts.GCSArchiver, error) {
	bucket := strings.TrimSpace(cfg.Artifacts.Bucket)
	if bucket == "" {
		return nil, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	c.addCloser("gcs", func(context.Context) error { return client.Close() })
	return artifacts.NewGCSArchiver(client, bucket, artifacts.WithPrefix(cfg.Artifacts.Prefix), artifacts.WithClock(clock))
}

func buildGateways(cfg config.Config, clock func() time.Time, logger *zap.Logger) ([]payments.Gateway, error) {
	gatewayLogger := payments.Logger(observability.ServiceLogger(logger.Named("gateways")))
	gateways := make([]payments.Gateway, 0, len(cfg.Payments.Gateways))
	for _, name := range cfg.Payments.Gateways {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case config.GatewayMercadoPago:
			gw, err := payments.NewMercadoPagoGateway(payments.MercadoPagoConfig{
				BaseURL:         cfg.MercadoPago.BaseURL,
				ClientID:        cfg.MercadoPago.ClientID,
				ClientSecret:    cfg.MercadoPago.ClientSecret,
				ExternalPOSID:   cfg.MercadoPago.ExternalPOSID,
				NotificationURL: cfg.MercadoPago.NotificationURL,
				ChargeTTL:       cfg.MercadoPago.ChargeTTL,
				HTTPClient:      &http.Client{Timeout: cfg.Payments.GatewayTimeout},
				Clock:           clock,
				Logger:          gatewayLogger,
			})
			if err != nil {
				return nil, fmt.Errorf("build mercadopago gateway: %w", err)
			}
			gateways = append(gateways, gw)
		case config.GatewayStripe:
			gw, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
				APIKey:     cfg.Stripe.APIKey,
				AccountID:  cfg.Stripe.AccountID,
				Currency:   cfg.Stripe.Currency,
				SuccessURL: cfg.Stripe.SuccessURL,
				CancelURL:  cfg.Stripe.CancelURL,
				Logger:     gatewayLogger,
				Clock:      clock,
			})
			if err != nil {
				return nil, fmt.Errorf("build stripe gateway: %w", err)
			}
			gateways = append(gateways, gw)
		case config.GatewaySandbox:
			gateways = append(gateways, payments.NewSandboxGateway())
		case "":
		default:
			return nil, fmt.Errorf("unsupported payment gateway %q", name)
		}
	}
	return gateways, nil
}

func buildIdempotencyStore(ctx context.Context, cfg config.Config, provider *pfirestore.Provider, redisClient *redis.Client) (idempotency.Store, error) {
	if redisClient != nil {
		return idempotency.NewRedisStore(redisClient, "idempotency:"), nil
	}
	if provider != nil {
		client, err := provider.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("build idempotency store: %w", err)
		}
		return idempotency.NewFirestoreStore(client), nil
	}
	return idempotency.NewMemoryStore(), nil
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter), auth.WithOIDCMetrics(metrics))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.Require(auth.OIDCPolicy{
		Audience: audience,
		Issuers:  cfg.Security.OIDC.Issuers,
		Invokers: cfg.Security.OIDC.Invokers,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
