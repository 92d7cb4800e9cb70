package main

import (
	"context"
	"time"

	"cvminion/bursar/internal/handlers"
	"cvminion/bursar/internal/ledger"
	"cvminion/bursar/internal/payments"
	"cvminion/bursar/internal/subscription"
	"cvminion/bursar/pkg/config"
	"cvminion/bursar/pkg/database"
	"cvminion/bursar/pkg/logging"
	"cvminion/bursar/pkg/monitoring"
	"cvminion/bursar/pkg/server"
	"cvminion/bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Credits API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	stripeSecretKey := config.RequireEnv("STRIPE_SECRET_KEY")
	stripeWebhookSecret := config.RequireEnv("STRIPE_WEBHOOK_SECRET")
	appBaseURL := config.GetEnv("APP_BASE_URL", "http://localhost:3000")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":          dbURL,
		"JWT_SECRET":            jwtSecret,
		"STRIPE_SECRET_KEY":     stripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": stripeWebhookSecret,
	}))

	metrics := handlers.NewCreditsMetrics(metricsCollector)

	// Track the connection pool size alongside the per-query DB metrics
	metrics.DBConnections.WithLabelValues("postgres").Set(float64(db.Stats().OpenConnections))
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.DBConnections.WithLabelValues("postgres").Set(float64(db.Stats().OpenConnections))
		}
	}()

	// Wire services
	ledgerSvc := ledger.NewService(db, logger)
	subscriptions := subscription.NewManager(db, ledgerSvc, logger)
	catalog := payments.NewCatalog(db, logger)
	checkout := payments.NewCheckoutService(catalog, logger, stripeSecretKey, appBaseURL)
	webhooks := payments.NewWebhookProcessor(db, ledgerSvc, subscriptions, logger, stripeWebhookSecret)

	h := handlers.New(ledgerSvc, subscriptions, catalog, checkout, webhooks, logger, metrics)

	// Start background jobs: credit expiry sweep and monthly rollover
	sweepInterval := config.GetEnvDuration("SWEEP_INTERVAL", time.Hour)
	jobManager := handlers.NewJobManager(ledgerSvc, subscriptions, logger, metrics, sweepInterval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)
	h.RegisterRoutes(router, []byte(jwtSecret), serviceToken)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
