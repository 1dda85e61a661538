/**
 * @description
 * Main entry point for the delivery-service. It loads configuration, opens the
 * store, connects Redis and RabbitMQ when configured, starts the location
 * consumer and the sweep scheduler, and serves the HTTP API until a shutdown
 * signal arrives.
 *
 * @dependencies
 * - github.com/joho/godotenv: optional .env loading for local runs.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: OTP mismatch lockout and conversation state.
 * - internal/api, internal/app, internal/config, internal/store: service packages.
 * - pkg/rabbitmq: event publishing and location update consumption.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carrymate/delivery-service/internal/api"
	"github.com/carrymate/delivery-service/internal/app"
	"github.com/carrymate/delivery-service/internal/config"
	"github.com/carrymate/delivery-service/internal/logging"
	"github.com/carrymate/delivery-service/internal/store"
	"github.com/carrymate/delivery-service/migrations"
	"github.com/carrymate/delivery-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("config load failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting delivery-service", "component", "bootstrap", "port", cfg.ServerPort, "store", cfg.StoreDriver)

	ctx := context.Background()

	repository, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	redisClient := connectRedis(ctx, cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "error", err)
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected", "component", "bootstrap")
	}
	defer publisher.Close()

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithSettings(app.Settings{
			BidDecisionTimeout:  cfg.BidDecisionTimeout,
			OtpLength:           cfg.OtpLength,
			OtpMaxAttempts:      cfg.OtpMaxAttempts,
			OtpAttemptWindow:    cfg.OtpAttemptWindow,
			LiveMoveThresholdKm: cfg.LiveMoveThresholdKm,
			LiveRescanInterval:  cfg.LiveRescanInterval,
			LiveStaleTimeout:    cfg.LiveStaleTimeout,
			LiveBatchSize:       cfg.LiveBatchSize,
			TransientTTL:        cfg.TransientTTL,
			SweepBatchSize:      app.DefaultSettings().SweepBatchSize,
		}),
	}
	if redisClient != nil {
		opts = append(opts,
			app.WithOtpAttemptGuard(app.NewRedisOtpAttempts(redisClient, cfg.RedisOtpAttemptPrefix)),
			app.WithConversationStore(app.NewRedisConversationStore(redisClient, "", cfg.ConversationTTL)),
		)
	} else {
		opts = append(opts, app.WithOtpAttemptGuard(app.NewMemoryOtpAttempts(nil)))
	}

	deliveryService := app.NewService(repository, app.NewEventNotifier(publisher, cfg.EventsExchange), opts...)
	defer deliveryService.Close()

	// Location updates from the chat gateway arrive on the events exchange.
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; location updates only via HTTP", "component", "bootstrap", "error", err)
	} else {
		defer consumer.Close()
		locationConsumer := app.NewLocationConsumer(deliveryService, logger)
		bindings := map[string]rabbitmq.Handler{
			"location.updated": locationConsumer.HandleMessage,
		}
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.LocationUpdateQueue, bindings); err != nil {
			logger.Error("location consumer start failed", "component", "bootstrap", "error", err)
			os.Exit(1)
		}
	}

	scheduler := app.NewScheduler(app.NewJobs(deliveryService, logger), logger, cfg)
	scheduler.Start()
	logger.Info("scheduler started", "component", "bootstrap")

	handlers := api.NewDeliveryHandlers(deliveryService, logger)
	router := api.DeliveryRoutes(handlers, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "component", "http", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "component", "http", "error", err)
	}

	<-scheduler.Stop().Done()
	logger.Info("shutdown complete", "component", "http")
}

// openStore returns the configured repository and a func releasing its resources.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; state is lost on restart", "component", "bootstrap")
		return store.NewMemoryRepository(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := migrations.Apply(ctx, dbpool); err != nil {
		dbpool.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database connected", "component", "bootstrap")
	return store.NewPostgresRepository(dbpool), dbpool.Close, nil
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// service then keeps conversation state and OTP mismatch counts in process.
func connectRedis(ctx context.Context, redisURL string, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Info("redis url not set; using in-memory conversation state", "component", "bootstrap")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; redis features disabled", "component", "bootstrap", "error", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; redis features disabled", "component", "bootstrap", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected", "component", "bootstrap")
	return client
}
