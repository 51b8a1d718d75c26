package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/minutemart/order-api/internal/di"
	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/handlers"
	"github.com/minutemart/order-api/internal/platform/auth"
	"github.com/minutemart/order-api/internal/platform/config"
	"github.com/minutemart/order-api/internal/platform/database"
	"github.com/minutemart/order-api/internal/platform/idempotency"
	"github.com/minutemart/order-api/internal/platform/observability"
	"github.com/minutemart/order-api/internal/platform/secrets"
	"github.com/minutemart/order-api/internal/queue"
	"github.com/minutemart/order-api/internal/repositories/gormdb"
	"github.com/minutemart/order-api/internal/services"
)

func main() {
	startedAt := time.Now().UTC()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")

	rootCtx := context.Background()
	if err := resolveSecrets(rootCtx, &cfg, logger.Named("secrets")); err != nil {
		logger.Fatal("failed to resolve secret references", zap.Error(err))
	}

	db, err := database.Open(database.Options{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger.Named("db"))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	registry := gormdb.NewRegistry(db)

	container, err := di.NewContainer(rootCtx, cfg, registry, logger, buildInfoFromEnv(startedAt))
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}

	authenticator := buildAuthenticator(logger.Named("auth"), cfg)
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)
	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg)

	idempotencyStore := idempotency.NewMemoryStore()
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(zap.NewStdLog(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	healthHandlers := handlers.NewHealthHandlers(container.Services.System)
	sessionHandlers := handlers.NewSessionHandlers(authenticator, container.Services.Sessions)
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders, container.Services.Documents)
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Payments, container.Services.Orders, registry.Events(), nil)
	internalHandlers := handlers.NewInternalHandlers(container.Services.Payments, container.Services.Settlement, container.Services.Documents, registry.Events(), nil)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
			idempotencyMiddleware,
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithSessionRoutes(sessionHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if hmacMiddleware != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(hmacMiddleware))
	}
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workerWG sync.WaitGroup
	if cfg.Workers.Enabled {
		runner, err := newWorkerRunner(cfg, container, registry, logger.Named("workers"))
		if err != nil {
			logger.Fatal("failed to build worker runner", zap.Error(err))
		}
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			runner.Run(workerCtx)
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("order api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	workerCancel()
	workerWG.Wait()

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("dependency close error", zap.Error(err))
	}
}

// resolveSecrets replaces secret:// references in the configuration with the
// values they point at. Plain values pass through untouched, so local setups
// without Secret Manager keep working.
func resolveSecrets(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	refs := []*string{
		&cfg.Database.DSN,
		&cfg.Auth.WebhookSecret,
		&cfg.Payments.GatewayAPIKey,
		&cfg.Payments.StripeAPIKey,
		&cfg.Credit.APIKey,
		&cfg.Notifications.APIKey,
	}

	needed := false
	for _, ref := range refs {
		if secrets.IsReference(*ref) {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	opts := []secrets.Option{secrets.WithLogger(logger)}
	if cfg.Secrets.Project != "" {
		opts = append(opts, secrets.WithDefaultProject(cfg.Secrets.Project))
	}
	if cfg.Secrets.Environment != "" {
		opts = append(opts, secrets.WithEnvironment(cfg.Secrets.Environment))
	}
	if cfg.Secrets.FallbackFile != "" {
		opts = append(opts, secrets.WithFallbackFile(cfg.Secrets.FallbackFile))
	}

	fetcher, err := secrets.NewFetcher(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		_ = fetcher.Close()
	}()

	for _, ref := range refs {
		if !secrets.IsReference(*ref) {
			continue
		}
		value, err := fetcher.Resolve(ctx, *ref)
		if err != nil {
			return err
		}
		*ref = value
	}
	return nil
}

func buildInfoFromEnv(started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("ORDER_API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("ORDER_API_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(os.Getenv("ORDER_API_ENVIRONMENT"))
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// buildAuthenticator wires bearer token verification against the identity
// provider's JWKS endpoint. Without a JWKS URL customer routes reject every
// request carrying a token, so an empty URL is only acceptable locally.
func buildAuthenticator(logger *zap.Logger, cfg config.Config) *auth.Authenticator {
	jwksURL := strings.TrimSpace(cfg.Auth.JWKSURL)
	if jwksURL == "" {
		logger.Warn("auth: JWKS URL not configured; customer routes are unauthenticated")
		return nil
	}

	adapter := zap.NewStdLog(logger)
	cache := auth.NewJWKSCache(jwksURL, auth.WithJWKSLogger(adapter))

	verifierOpts := []auth.JWTVerifierOption{}
	if issuer := strings.TrimSpace(cfg.Auth.Issuer); issuer != "" {
		verifierOpts = append(verifierOpts, auth.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(cfg.Auth.Audience); audience != "" {
		verifierOpts = append(verifierOpts, auth.WithAudience(audience))
	}
	verifier := auth.NewJWTVerifier(cache, verifierOpts...)

	return auth.NewAuthenticator(verifier)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	jwksURL := strings.TrimSpace(cfg.Auth.JWKSURL)
	if jwksURL == "" {
		return nil
	}

	adapter := zap.NewStdLog(logger)
	cache := auth.NewJWKSCache(jwksURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Auth.InternalAudience)
	if audience == "" {
		logger.Warn("auth: internal audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Auth.InternalIssuers
	if len(issuers) == 0 {
		logger.Warn("auth: internal issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secret := strings.TrimSpace(cfg.Auth.WebhookSecret)
	if secret == "" {
		logger.Warn("auth: webhook secret not configured; webhook routes are unauthenticated")
		return nil
	}

	provider := auth.SecretProviderFunc(func(context.Context, string) (string, error) {
		return secret, nil
	})
	validator := auth.NewHMACValidator(provider, auth.NewInMemoryNonceStore(), auth.WithHMACLogger(zap.NewStdLog(logger)))
	// Nonces are scoped per webhook source, so the payment provider and
	// the carriers cannot collide on nonce values.
	return validator.RequireHMACResolver(func(r *http.Request) (string, bool) {
		source := path.Base(r.URL.Path)
		if source == "" || source == "." || source == "/" {
			return "", false
		}
		return "webhooks/" + source, true
	})
}

func newWorkerRunner(cfg config.Config, container *di.Container, registry *gormdb.Registry, logger *zap.Logger) (*queue.Runner, error) {
	runner, err := queue.NewRunner(queue.RunnerConfig{
		Events:    registry.Events(),
		Logger:    logger,
		BatchSize: cfg.Workers.BatchSize,
		IntervalFor: func(action domain.ActionCode) time.Duration {
			return cfg.Workers.PollInterval(string(action))
		},
	})
	if err != nil {
		return nil, err
	}

	svc := container.Services
	runner.Register(domain.ActionPaymentOrderCreate, svc.Payments.HandleCreateIntent)
	runner.Register(domain.ActionPaymentOrderCapture, svc.Payments.HandleCapture)
	runner.Register(domain.ActionDefaultPaymentUpdate, svc.Payments.HandleDefaultPaymentUpdate)
	runner.Register(domain.ActionSettlePayment, svc.Settlement.HandleSettlePayment)
	runner.Register(domain.ActionCaptureIssuedCredits, svc.Settlement.HandleCaptureIssuedCredits)
	runner.Register(domain.ActionOrderShipmentCreated, svc.Orders.HandleShipmentCreated)
	runner.Register(domain.ActionOrderReadyForPickup, svc.Orders.HandleReadyForPickup)
	runner.Register(domain.ActionCancelOrderWithNoShipment, svc.Orders.HandleCancelWithNoShipments)
	runner.Register(domain.ActionLogisticsOrderUpdate, svc.Orders.HandleLogisticsUpdate)
	runner.Register(domain.ActionGenerateInvoice, svc.Orders.HandleGenerateInvoice)
	if svc.Notifications != nil {
		runner.Register(domain.ActionNotificationOrderUpdate, svc.Notifications.HandleOrderUpdate)
	}

	return runner, nil
}
