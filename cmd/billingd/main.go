// Command billingd runs the billing service as a standalone HTTP daemon:
// billing snapshot and checkout endpoints, the payment-processor webhook,
// Prometheus metrics and a health endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/careermate/billing/pkg/api"
	"github.com/careermate/billing/pkg/billing"
	zerologadapter "github.com/careermate/billing/pkg/billing/logger/zerolog"
	prommetrics "github.com/careermate/billing/pkg/billing/metrics/prometheus"
	"github.com/careermate/billing/pkg/billing/stripe"
	"github.com/careermate/billing/pkg/config"
	"github.com/careermate/billing/storage/memory"
	"github.com/careermate/billing/storage/postgres"
	redisstore "github.com/careermate/billing/storage/redis"
)

const userIDHeader = "X-User-ID"

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger := zerologadapter.NewLogger(zl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		zl.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to initialize storage")
	}
	defer closeStore()
	zl.Info().Str("backend", cfg.StorageBackend).Msg("storage initialized")

	var gateway billing.Gateway
	if cfg.StripeAPIKey != "" {
		gateway, err = stripe.New(stripe.Config{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Logger:        logger,
		})
		if err != nil {
			zl.Fatal().Err(err).Msg("failed to initialize stripe gateway")
		}
		zl.Info().Msg("stripe gateway configured")
	} else {
		zl.Warn().Msg("no stripe API key set, payment endpoints disabled")
	}

	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		zl.Fatal().Err(err).Str("file", cfg.CatalogFile).Msg("failed to load billing catalog")
	}
	costs, err := billing.NewCostTable(catalog.ServiceCosts)
	if err != nil {
		zl.Fatal().Err(err).Msg("invalid service cost table")
	}

	svc, err := billing.NewService(store, gateway, billing.Config{
		Costs:    costs,
		Packages: packageCatalog(catalog),
		Logger:   logger,
		Metrics:  prommetrics.DefaultMetrics("careermate"),
	})
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to create billing service")
	}

	handler, err := api.NewHandler(api.Config{
		Service:   svc,
		GetUserID: api.FromHeader(userIDHeader),
		Logger:    logger,
	})
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to create API handler")
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Mount("/api/v1", handler.Routes())
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zl.Info().Str("port", cfg.ServerPort).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zl.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error().Err(err).Msg("server shutdown failed")
	}
	zl.Info().Msg("server stopped")
}

// buildStore creates the configured storage backend and returns it with
// its close function.
func buildStore(ctx context.Context, cfg config.Config) (billing.Store, func(), error) {
	switch cfg.StorageBackend {
	case "memory":
		return memory.New(), func() {}, nil

	case "postgres":
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("init schema: %w", err)
		}
		return store, store.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// packageCatalog converts the config file's package lists into the
// price-id keyed catalog the service consumes.
func packageCatalog(catalog *config.Catalog) *billing.PackageCatalog {
	tokens := make(map[string]billing.TokenPackage, len(catalog.TokenPackages))
	for _, p := range catalog.TokenPackages {
		tokens[p.PriceID] = p
	}
	subscriptions := make(map[string]billing.SubscriptionPackage, len(catalog.SubscriptionPackages))
	for _, p := range catalog.SubscriptionPackages {
		subscriptions[p.PriceID] = p
	}
	return billing.NewPackageCatalog(tokens, subscriptions)
}
