package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/api/handlers"
	"github.com/hs-classifier/backend/internal/app"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/internal/middleware/ratelimit"
	"github.com/hs-classifier/backend/internal/middleware/security"
	"github.com/hs-classifier/backend/internal/middleware/validation"
	"github.com/hs-classifier/backend/pkg/config"
	appLogger "github.com/hs-classifier/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting HS code classification API server",
		zap.String("catalog", cfg.Catalog.Driver),
		zap.String("vector_index", cfg.Catalog.VectorIndex),
		zap.String("llm_provider", cfg.LLM.Provider),
	)

	metrics.Init()

	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	services, err := app.Open(startCtx, cfg)
	if err != nil {
		cancel()
		appLogger.Fatal("Failed to open services", zap.Error(err))
	}
	defer services.Close()

	hsClassifier, err := services.Classifier(startCtx)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to build classifier", zap.Error(err))
	}

	var searchLog handlers.SearchLog
	if l := services.SearchLogger(); l != nil {
		searchLog = l
	}

	checks := make(map[string]handlers.Check)
	for name, check := range services.Checks() {
		checks[name] = check
	}

	classifyHandler := handlers.NewClassifyHandler(hsClassifier, searchLog)
	routes := handlers.Routes{
		Classify:  classifyHandler,
		Catalog:   handlers.NewCatalogHandler(services.Paths(), services.Store, services.Importer()),
		WebSocket: handlers.NewWebSocketHandler(classifyHandler, time.Duration(cfg.Server.WriteTimeout)*time.Second),
		Health:    handlers.NewHealthHandler(checks),
		Metrics:   metrics.MetricsHandler(),
	}
	if cfg.Admin.ImportEnabled {
		routes.Admin = security.AdminAuth(cfg.Admin.Token)
		appLogger.Warn("HTTP catalog import is enabled")
	}

	server := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	origins := strings.Split(cfg.Server.CORSOrigins, ",")
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Logger:            appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	server.Use(recover.New())
	server.Use(security.RequestID())
	server.Use(logger.New(logger.Config{
		Format: "${time} ${locals:request_id} ${status} - ${latency} ${method} ${path}\n",
	}))
	server.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID, X-Request-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	server.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: origins,
		IsDevelopment:  cfg.Server.Environment == "development",
	}))
	server.Use("/api", limiter.Middleware())
	server.Use("/api", validation.Middleware(validation.Config{
		AllowedContentTypes: []string{"application/json", "text/csv"},
		Logger:              appLogger.Named("validation"),
	}))

	handlers.Register(server, routes)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := server.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
