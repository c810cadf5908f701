package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/karatworks/api/internal/handlers"
	"github.com/karatworks/api/internal/platform/auth"
	"github.com/karatworks/api/internal/platform/config"
	pfirestore "github.com/karatworks/api/internal/platform/firestore"
	"github.com/karatworks/api/internal/platform/idempotency"
	"github.com/karatworks/api/internal/platform/jobs"
	"github.com/karatworks/api/internal/platform/observability"
	"github.com/karatworks/api/internal/platform/secrets"
	platformstorage "github.com/karatworks/api/internal/platform/storage"
	firestoreRepo "github.com/karatworks/api/internal/repositories/firestore"
	"github.com/karatworks/api/internal/services"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = baseLogger.Sync() }()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)
	fatalIf := func(err error, msg string) {
		if err != nil {
			logger.Fatal(msg, zap.Error(err))
		}
	}

	envValues, err := config.EnvironmentValues()
	fatalIf(err, "failed to read environment values")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	fatalIf(err, "failed to initialise secret fetcher")
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	fatalIf(err, "failed to initialise firestore client")
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	rateRepo, err := firestoreRepo.NewRateRepository(firestoreProvider)
	fatalIf(err, "failed to initialise rate repository")
	stoneRepo, err := firestoreRepo.NewStoneCatalogRepository(firestoreProvider)
	fatalIf(err, "failed to initialise stone catalog repository")
	productRepo, err := firestoreRepo.NewProductRepository(firestoreProvider)
	fatalIf(err, "failed to initialise product repository")
	ruleRepo, err := firestoreRepo.NewDiscountRuleRepository(firestoreProvider)
	fatalIf(err, "failed to initialise discount rule repository")

	discountCalculator := services.NewDiscountCalculator()
	priceCalculator, err := services.NewPriceCalculator(services.PriceCalculatorDeps{
		Discounts: discountCalculator,
	})
	fatalIf(err, "failed to initialise price calculator")

	engine, err := services.NewDiscountEngine(services.DiscountEngineDeps{
		Products:        productRepo,
		Rates:           rateRepo,
		Stones:          stoneRepo,
		Calculator:      priceCalculator,
		Discounts:       discountCalculator,
		Workers:         cfg.Pricing.ApplyWorkers,
		CacheTTL:        cfg.Pricing.StoneCacheTTL,
		CollectionLimit: cfg.Pricing.CollectionLimit,
		Logger:          eventLogger(logger.Named("engine")),
	})
	fatalIf(err, "failed to initialise discount engine")

	discountService, err := services.NewDiscountService(services.DiscountServiceDeps{
		Rules:  ruleRepo,
		Engine: engine,
		Logger: eventLogger(logger.Named("discounts")),
	})
	fatalIf(err, "failed to initialise discount service")

	rateService, err := services.NewRateService(services.RateServiceDeps{
		Rates:  rateRepo,
		Stones: stoneRepo,
		Logger: eventLogger(logger.Named("rates")),
	})
	fatalIf(err, "failed to initialise rate service")

	pricingService, err := services.NewPricingService(services.PricingServiceDeps{
		Rates:      rateRepo,
		Rules:      ruleRepo,
		Calculator: priceCalculator,
		Engine:     engine,
	})
	fatalIf(err, "failed to initialise pricing service")

	var refreshPublisher services.RefreshEventPublisher
	if cfg.Features.EnableRefreshEvents {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		fatalIf(err, "failed to initialise pubsub client")
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(cfg.PubSub.RefreshTopic)
		defer topic.Stop()
		refreshPublisher, err = jobs.NewPubSubRefreshPublisher(topic)
		fatalIf(err, "failed to initialise refresh publisher")
	}

	var reportArchiver services.RefreshReportArchiver
	if cfg.Features.EnableReportArchive {
		storageClient, err := cloudstorage.NewClient(ctx)
		fatalIf(err, "failed to initialise storage client")
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		reportArchiver, err = platformstorage.NewReportArchiver(storageClient, cfg.Storage.ReportsBucket)
		fatalIf(err, "failed to initialise report archiver")
	}

	orchestrator, err := services.NewRefreshOrchestrator(services.RefreshOrchestratorDeps{
		Products:      productRepo,
		Rates:         rateRepo,
		Calculator:    priceCalculator,
		Engine:        engine,
		PageSize:      cfg.Pricing.RefreshPageSize,
		Retention:     cfg.Pricing.JobRetention,
		SweepInterval: cfg.Pricing.SweepInterval,
		Logger:        eventLogger(logger.Named("refresh")),
		Publisher:     refreshPublisher,
		Archiver:      reportArchiver,
	})
	fatalIf(err, "failed to initialise refresh orchestrator")

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	orchestrator.StartSweeper(sweepCtx)

	var idempotencyStore idempotency.Store
	switch cfg.Idempotency.Backend {
	case "memory":
		// Local development only: replay state lives in process memory.
		idempotencyStore = idempotency.NewMemoryStore()
	default:
		idempotencyStore = idempotency.NewFirestoreStore(firestoreClient)
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	stopCleanup := startIdempotencyCleanup(logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)

	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg)
	if hmacMiddleware == nil {
		logger.Warn("webhook signing secret not configured; webhook routes are unauthenticated")
	}

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		handlers.RateLimitMiddleware(cfg.RateLimits.DefaultPerMinute, time.Minute),
		idempotencyMiddleware,
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithReadinessCheck("firestore", firestoreReadiness(firestoreClient)),
	)

	pricingHandlers := handlers.NewPricingHandlers(pricingService)
	rateHandlers := handlers.NewRateHandlers(rateService)
	discountHandlers := handlers.NewDiscountHandlers(discountService)
	refreshHandlers := handlers.NewRefreshJobHandlers(orchestrator)
	webhookHandlers := handlers.NewWebhookHandlers(discountService)

	webhookMiddlewares := []func(http.Handler) http.Handler{
		handlers.RateLimitMiddleware(cfg.RateLimits.WebhookBurst, time.Minute),
	}
	if hmacMiddleware != nil {
		webhookMiddlewares = append(webhookMiddlewares, hmacMiddleware)
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPricingRoutes(pricingHandlers.Routes),
		handlers.WithRateRoutes(rateHandlers.Routes),
		handlers.WithStoneRoutes(rateHandlers.StoneRoutes),
		handlers.WithDiscountRoutes(discountHandlers.Routes),
		handlers.WithRefreshJobRoutes(refreshHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(webhookMiddlewares...),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("pricing api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopSweeper()
	stopCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// startIdempotencyCleanup periodically purges expired replay claims. The
// returned stop function blocks until the worker exits.
func startIdempotencyCleanup(logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(cfg.CleanupInterval)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				runCtx, done := context.WithTimeout(ctx, time.Minute)
				removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				done()
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
	}()

	return func() {
		ticker.Stop()
		cancel()
		wg.Wait()
	}
}

// eventLogger adapts the services' event-style logging callbacks onto zap.
func eventLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info(event, zFields...)
	}
}

func firestoreReadiness(client *firestore.Client) handlers.ReadinessChecker {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("firestore client not configured")
		}
		iter := client.Collections(ctx)
		if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
			return err
		}
		return nil
	}
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secretValues := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) != "" {
			secretValues[strings.ToLower(key)] = value
		}
	}
	if _, ok := secretValues["default"]; !ok && cfg.Webhooks.SigningSecret != "" {
		secretValues["default"] = cfg.Webhooks.SigningSecret
	}
	if len(secretValues) == 0 {
		return nil
	}

	validator := auth.NewHMACValidator(
		staticSecretProvider{secrets: secretValues},
		auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireHMACResolver(webhookSecretResolver(secretValues))
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret := p.secrets[key]; secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

// webhookSecretResolver maps the path below /webhooks/ to a configured
// secret name: "provider/topic" first, then "provider", then "default".
func webhookSecretResolver(secretValues map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		path := r.URL.Path
		if idx := strings.Index(path, "/webhooks/"); idx >= 0 {
			path = path[idx+len("/webhooks/"):]
		}

		var candidates []string
		if segments := strings.Split(strings.Trim(path, "/"), "/"); segments[0] != "" {
			if len(segments) >= 2 {
				candidates = append(candidates, strings.ToLower(segments[0]+"/"+segments[1]))
			}
			candidates = append(candidates, strings.ToLower(segments[0]))
		}
		candidates = append(candidates, "default")

		for _, candidate := range candidates {
			if secretValues[candidate] != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string { return strings.TrimSpace(env[key]) }

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projects := parsePairs(lookup("API_SECRET_PROJECT_IDS"), true); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_SECRET_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames derives the mandatory secret identifiers from the raw
// environment, before the configuration itself is loaded.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_WEBHOOK_SIGNING_SECRET"]) != "" {
		required = append(required, "Webhooks.SigningSecret")
	}
	for key := range parsePairs(env["API_SECURITY_HMAC_SECRETS"], true) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	sort.Strings(required)
	return required
}

// parsePairs parses "key=value,key2=value2", dropping malformed entries.
func parsePairs(raw string, lowerKeys bool) map[string]string {
	pairs := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if lowerKeys {
			key = strings.ToLower(key)
		}
		pairs[key] = value
	}
	return pairs
}

// secretVersionPins parses "ref=version" pairs, normalising each ref to the
// secret:// scheme and preserving an optional "env:" prefix.
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parsePairs(raw, false) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			if scheme := strings.Index(ref, "://"); scheme == -1 || idx < scheme {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
			ref = "secret://" + rest
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}
