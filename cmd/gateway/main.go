// Package main implements the server entry point for the API Gateway.
// The bootstrap follows the teacher's Clean Architecture layering —
// configuration, infrastructure clients, domain components, HTTP
// wiring, then graceful shutdown — generalized from a single-service
// auth backend to a gateway that fronts many backend services.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aras-services/api-gateway/config"
	"github.com/aras-services/api-gateway/internal/cache"
	"github.com/aras-services/api-gateway/internal/credential"
	"github.com/aras-services/api-gateway/internal/credential/rolestore"
	httphandler "github.com/aras-services/api-gateway/internal/delivery/http"
	"github.com/aras-services/api-gateway/internal/domain"
	"github.com/aras-services/api-gateway/internal/eventbus"
	"github.com/aras-services/api-gateway/internal/health"
	gwmiddleware "github.com/aras-services/api-gateway/internal/middleware"
	"github.com/aras-services/api-gateway/internal/pipeline"
	"github.com/aras-services/api-gateway/internal/ratelimiter"
	"github.com/aras-services/api-gateway/internal/registry"
	"github.com/aras-services/api-gateway/internal/router"
	"github.com/aras-services/api-gateway/internal/schema"
	"github.com/aras-services/api-gateway/internal/transform"
)

// Version information - set during build time via ldflags.
var (
	version   = "1.0.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func printVersion() {
	fmt.Printf("api-gateway version %s\n", version)
	if buildTime != "unknown" {
		fmt.Printf("Build Time: %s\n", buildTime)
	}
	if gitCommit != "unknown" {
		fmt.Printf("Git Commit: %s\n", gitCommit)
	}
	os.Exit(0)
}

func main() {
	if len(os.Args) > 1 {
		for _, arg := range os.Args[1:] {
			if arg == "--version" || arg == "-v" {
				printVersion()
			}
		}
	}

	configPath := os.Getenv("GATEWAY_CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// PHASE 1: infrastructure clients.
	db, err := pgxpool.New(context.Background(), cfg.GetDSN())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(context.Background()); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}
	logger.Info("Connected to role-store database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to ping redis", zap.Error(err))
	}
	defer redisClient.Close()
	store := cache.NewRedisStore(redisClient)

	// PHASE 2: domain components (C1/C3/C4/C5/C6/C7/C8).
	roles := rolestore.New(db)
	validator := credential.New(store, roles, credential.Config{
		SecretKey: cfg.JWT.SecretKey,
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		Skew:      cfg.JWT.Skew,
	}, logger)

	limiter := ratelimiter.New(store, cfg.RateLimiting.FailOpen, logger)
	for _, p := range cfg.RateLimiting.Policies {
		limiter.Configure(p.Name, domain.RateLimitPolicy{
			Name:              p.Name,
			RequestsPerWindow: p.RequestsPerWindow,
			Window:            p.Window,
			Algorithm:         domain.RateLimitSlidingWindow,
			AppliesTo:         p.AppliesTo,
			PerClient:         p.PerClient,
		})
	}

	svcRegistry := registry.New()
	for _, svc := range cfg.Gateway.Services {
		for _, inst := range svc.Instances {
			svcRegistry.Register(svc.Name, domain.ServiceInstance{
				ID:           inst.ID,
				BaseURL:      inst.BaseURL,
				Healthy:      true,
				RegisteredAt: time.Now(),
				Weight:       inst.Weight,
			})
		}
	}

	routeResolver := router.New(svcRegistry, logger)
	for _, rc := range cfg.Gateway.Routes {
		def := domain.RouteDefinition{
			ID:             rc.ID,
			Pattern:        rc.Pattern,
			ServiceName:    rc.ServiceName,
			TargetPathTmpl: rc.TargetPathTmpl,
			AllowedMethods: rc.AllowedMethods,
			RequiredScopes: rc.RequiredScopes,
			Priority:       rc.Priority,
			Timeout:        time.Duration(rc.TimeoutSeconds) * time.Second,
			Retry:          domain.DefaultRetryPolicy(),
			Active:         rc.Active,
			InjectHeaders:  rc.InjectHeaders,
			RegisteredAt:   time.Now(),
		}
		if err := routeResolver.Register(def); err != nil {
			logger.Fatal("failed to register route", zap.String("routeId", rc.ID), zap.Error(err))
		}
	}

	schemaMapper := schema.New(store, logger)
	transformer := transform.New(schemaMapper, logger)

	// PHASE 3: message bus (C2) — pick the configured backend.
	backends := eventbus.NewBackendRegistry()
	if err := backends.Register(eventbus.BrokerTypeClassic, func() (eventbus.Bus, error) {
		return eventbus.NewClassicBus(cfg.RabbitMQ.URL, cfg.EventBus.TopicPrefix,
			cfg.RabbitMQ.PrefetchCount, cfg.RabbitMQ.MaxDeliveryCount,
			cfg.EventBus.PublishTimeout, cfg.EventBus.BatchTimeout, logger)
	}); err != nil {
		logger.Fatal("failed to register classic broker backend", zap.Error(err))
	}
	if err := backends.Register(eventbus.BrokerTypeManaged, func() (eventbus.Bus, error) {
		return eventbus.NewManagedBus(cfg.ServiceBus.ConnectionString, int32(cfg.ServiceBus.MaxDeliveryCount),
			cfg.EventBus.BatchTimeout, logger)
	}); err != nil {
		logger.Fatal("failed to register managed bus backend", zap.Error(err))
	}

	bus, err := backends.Build(cfg.EventBus.BrokerType)
	if err != nil {
		logger.Fatal("failed to build event bus", zap.Error(err))
	}
	if err := bus.Start(context.Background()); err != nil {
		logger.Fatal("failed to start event bus", zap.Error(err))
	}

	// PHASE 4: pipeline (C9) and health checks.
	metrics := pipeline.NewMetrics(prometheus.DefaultRegisterer)
	pl := pipeline.New(routeResolver, limiter, transformer, bus, &http.Client{Timeout: 30 * time.Second}, metrics, logger)

	checks := health.NewRegistry(
		health.Check{Name: "role-store", Tags: []string{"infrastructure"}, Fn: func(ctx context.Context) (health.Status, string) {
			if err := db.Ping(ctx); err != nil {
				return health.StatusUnhealthy, err.Error()
			}
			return health.StatusHealthy, "connected"
		}},
		health.Check{Name: "counter-store", Tags: []string{"infrastructure"}, Fn: func(ctx context.Context) (health.Status, string) {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return health.StatusUnhealthy, err.Error()
			}
			return health.StatusHealthy, "connected"
		}},
	)

	// PHASE 5: HTTP wiring.
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(gwmiddleware.NewCORSMiddleware(cfg.Cors.AllowedOrigins))
	r.Use(gwmiddleware.WithCorrelationID)

	httphandler.MountControlRoutes(r, "api-gateway", version, "Request routing, transform, and resilience gateway", checks)

	r.Group(func(r chi.Router) {
		r.Use(gwmiddleware.RequireAuth(validator, logger))
		r.HandleFunc("/*", pl.Process)
	})

	server := &http.Server{
		Addr:    cfg.GetServerAddr(),
		Handler: r,
	}

	go func() {
		logger.Info("Starting gateway", zap.String("addr", cfg.GetServerAddr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := bus.Stop(ctx); err != nil {
		logger.Warn("event bus shutdown reported an error", zap.Error(err))
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Gateway exited")
}
