package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ArpitTailong/food-express-sub001/internal/app/payments"
	"github.com/ArpitTailong/food-express-sub001/internal/config"
	"github.com/ArpitTailong/food-express-sub001/internal/gateway"
	payments_http "github.com/ArpitTailong/food-express-sub001/internal/handler/http/payments"
	kafka_handler "github.com/ArpitTailong/food-express-sub001/internal/handler/kafka"
	"github.com/ArpitTailong/food-express-sub001/internal/idempotency"
	"github.com/ArpitTailong/food-express-sub001/internal/infrastructure/database"
	kafka_infra "github.com/ArpitTailong/food-express-sub001/internal/infrastructure/kafka"
	"github.com/ArpitTailong/food-express-sub001/internal/infrastructure/redisconn"
	"github.com/ArpitTailong/food-express-sub001/internal/lock"
	"github.com/ArpitTailong/food-express-sub001/internal/metrics"
	"github.com/ArpitTailong/food-express-sub001/internal/outbox"
	"github.com/ArpitTailong/food-express-sub001/internal/reconcile"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/inbox_repo"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/outbox_repo"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/payments_repo"
)

func ensureKafkaTopics(ctx context.Context, brokerURLs []string, topics []string, logger *zap.Logger) error {
	conn, err := kafka.DialContext(ctx, "tcp", brokerURLs[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker for admin operations: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	topicConfigs := make([]kafka.TopicConfig, len(topics))
	for i, topic := range topics {
		topicConfigs[i] = kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		}
	}

	if err := controllerConn.CreateTopics(topicConfigs...); err != nil {
		if err == kafka.TopicAlreadyExists {
			logger.Info("One or more Kafka topics already exist, skipping creation.")
			return nil
		}
		return fmt.Errorf("failed to create Kafka topics: %w", err)
	}
	logger.Info("Kafka topics ensured successfully.", zap.Strings("topics", topics))
	return nil
}

func main() {
	cfg, err := config.LoadConfig("payments")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	appLogger.Info("Payments Service starting...")

	appLogger.Info("Waiting for database to be available...")
	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	var db *sql.DB
	maxRetries := 10
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dbConfig)
		if err == nil {
			appLogger.Info("Successfully connected to PostgreSQL database!")
			break
		}
		appLogger.Warn(fmt.Sprintf("Failed to connect to database (attempt %d/%d): %v. Retrying in %s...", i+1, maxRetries, err, retryDelay))
		time.Sleep(retryDelay)
	}

	if db == nil {
		appLogger.Fatal("Could not connect to database after multiple retries. Exiting.", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		} else {
			appLogger.Info("Database connection closed.")
		}
	}()

	appLogger.Info("Running database migrations...")
	m, err := migrate.New(cfg.MigrationsPath, cfg.GetDBMigrationConnectionString())
	if err != nil {
		appLogger.Fatal("Failed to create migrate instance", zap.Error(err))
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	appLogger.Info("Database migrations completed successfully (or no new migrations).")

	redisClient, err := redisconn.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		appLogger.Fatal("Could not connect to Redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			appLogger.Error("Error closing Redis client", zap.Error(err))
		}
	}()
	appLogger.Info("Successfully connected to Redis!")

	kafkaBrokers := cfg.GetKafkaBrokers()
	requiredTopics := []string{
		cfg.KafkaOrderEventsTopic,
		cfg.KafkaPaymentEventsTopic,
	}

	topicCtx, topicCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer topicCancel()
	if err := ensureKafkaTopics(topicCtx, kafkaBrokers, requiredTopics, appLogger); err != nil {
		appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
	}

	paymentRepository := payments_repo.NewPaymentRepository(db)
	inboxRepository := inbox_repo.NewInboxRepository(db)
	outboxRepository := outbox_repo.NewOutboxRepository(db)

	guard := idempotency.NewGuard(
		redisClient,
		cfg.LockTTL,
		cfg.IdempotencyTTL,
		appLogger.With(zap.String("component", "IdempotencyGuard")),
	)
	locker := lock.NewLocker(
		redisClient,
		cfg.LockTTL,
		appLogger.With(zap.String("component", "Locker")),
	)

	paymentGateway := gateway.NewBreakerGateway(
		gateway.NewMockGateway(),
		cfg.BreakerFailureThreshold,
		cfg.BreakerCooldown,
		appLogger.With(zap.String("component", "PaymentGateway")),
	)

	sink := metrics.NewLogSink(appLogger.With(zap.String("component", "Metrics")))

	paymentService := payments.NewPaymentService(
		db,
		paymentRepository,
		inboxRepository,
		outboxRepository,
		guard,
		locker,
		paymentGateway,
		cfg.KafkaPaymentEventsTopic,
		sink,
		appLogger.With(zap.String("component", "PaymentService")),
	)
	appLogger.Info("Payment Service initialized.")

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	payments_http.RegisterRoutes(router, paymentService, appLogger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}
	appLogger.Info("HTTP server configured.")

	kafkaProducer := kafka_infra.NewProducer(
		kafkaBrokers,
		appLogger.With(zap.String("component", "KafkaProducer")),
	)
	defer func() {
		if err := kafkaProducer.Close(); err != nil {
			appLogger.Error("Error closing Kafka producer", zap.Error(err))
		} else {
			appLogger.Info("Kafka producer closed.")
		}
	}()

	outboxProcessor := outbox.NewProcessor(
		db,
		outboxRepository,
		kafkaProducer,
		cfg.OutboxPollInterval,
		cfg.OutboxPollTimeout,
		appLogger.With(zap.String("component", "OutboxProcessor")),
	)
	appLogger.Info("Outbox Processor initialized.")

	orderEventsConsumer := kafka_infra.NewConsumer(
		kafkaBrokers,
		cfg.KafkaConsumerGroup,
		cfg.KafkaOrderEventsTopic,
		appLogger.With(zap.String("component", "OrderEventsConsumer")),
	)
	orderEventsHandler := kafka_handler.OrderEventsHandler(
		paymentService,
		appLogger.With(zap.String("component", "OrderEventsHandler")),
	)
	appLogger.Info("Order Events Kafka Consumer initialized.")

	paymentSweeper := reconcile.NewPaymentSweeper(
		db,
		paymentRepository,
		paymentService,
		cfg.ReconcileInterval,
		cfg.PaymentStuckTimeout,
		sink,
		appLogger.With(zap.String("component", "PaymentSweeper")),
	)
	appLogger.Info("Payment reconciliation sweeper initialized.")

	ctxMain, cancelMain := context.WithCancel(context.Background())

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		outboxProcessor.Start(ctxMain)
	}()

	go func() {
		if err := orderEventsConsumer.Start(ctxMain, orderEventsHandler); err != nil && err != context.Canceled {
			appLogger.Error("Order Events Kafka Consumer failed", zap.Error(err))
		}
	}()

	go func() {
		paymentSweeper.Start(ctxMain)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	appLogger.Info("Shutting down application...")

	cancelMain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	orderEventsConsumer.Stop()

	appLogger.Info("Application gracefully shut down.")
}
