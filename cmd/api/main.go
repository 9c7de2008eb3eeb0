package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fastfood-order/api/internal/di"
	"github.com/fastfood-order/api/internal/platform/config"
	"github.com/fastfood-order/api/internal/platform/observability"
	"github.com/fastfood-order/api/internal/services"
)

const shutdownTimeout = 10 * time.Second

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = ""
	Commit  = ""
)

func main() {
	var envFile, configFile string
	cmd := &cobra.Command{
		Use:           "api",
		Short:         "Serve the food-order HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []config.Option
			if envFile != "" {
				opts = append(opts, config.WithEnvFile(envFile))
			}
			if configFile != "" {
				opts = append(opts, config.WithConfigFile(configFile))
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file read below the process environment")
	cmd.Flags().StringVar(&configFile, "config", "", "YAML settings file, overrides API_CONFIG_FILE")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts []config.Option) error {
	startedAt := time.Now().UTC()

	env, err := config.EnvironmentValues(opts...)
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	base, err := observability.NewLogger(env["API_SECURITY_ENVIRONMENT"])
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = base.Sync() }()
	logger := base.Named("api")

	secretCfg := secretSettingsFromEnv(env)
	fetcher, err := secretCfg.fetcher(ctx, logger.Named("secrets"))
	if err != nil {
		return fmt.Errorf("init secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close", zap.Error(err))
		}
	}()

	opts = append(opts,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	cfg, err := config.Load(ctx, opts...)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	container, err := di.NewContainer(observability.WithLogger(ctx, logger), cfg, base,
		di.WithBuildInfo(buildInfo(cfg, startedAt)),
		di.WithHealthChecks(secretManagerCheck(fetcher)),
	)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close", zap.Error(err))
		}
	}()

	go container.RunIdempotencyCleanup(ctx)

	srv := &http.Server{
		Addr:         net.JoinHostPort("", cfg.Server.Port),
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		// Requests outlive the signal context so in-flight payments can finish during Shutdown.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			zap.String("addr", srv.Addr),
			zap.String("storage", cfg.Storage.Backend),
			zap.Strings("gateways", cfg.Payments.Gateways),
			zap.String("events", cfg.Events.Backend),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func buildInfo(cfg config.Config, started time.Time) services.BuildInfo {
	info := services.BuildInfo{
		Version:     strings.TrimSpace(Version),
		CommitSHA:   strings.TrimSpace(Commit),
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
	if info.Version == "" {
		info.Version = envOr("API_BUILD_VERSION", "dev")
	}
	if info.CommitSHA == "" {
		info.CommitSHA = envOr("API_BUILD_COMMIT_SHA", "unknown")
	}
	return info
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
