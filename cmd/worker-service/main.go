package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/minhvo-dev/docpipe/internal/config"
	"github.com/minhvo-dev/docpipe/internal/contentstore"
	"github.com/minhvo-dev/docpipe/internal/engine"
	"github.com/minhvo-dev/docpipe/internal/metrics"
	"github.com/minhvo-dev/docpipe/internal/queue"
	"github.com/minhvo-dev/docpipe/internal/statusstore"
	"github.com/minhvo-dev/docpipe/internal/worker"
	"github.com/minhvo-dev/docpipe/shared/logger"
	"github.com/minhvo-dev/docpipe/shared/postgresql"
	"github.com/minhvo-dev/docpipe/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Initialize collaborators
	contentStore, err := contentstore.NewFilesystem(cfg.Storage.BaseDir, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize content store: %w", err)
	}

	statusStore, err := statusstore.New(dbClient.GetDB(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize status store: %w", err)
	}

	// Fail-fast engine pool: a missing or broken tesseract install
	// aborts startup here instead of failing every job later.
	enginePool, err := engine.NewPool(func() (engine.Engine, error) {
		return engine.NewTesseract(cfg.Engine.TesseractPath, cfg.Engine.Language)
	}, cfg.Engine.PoolSize, cfg.Engine.AcquireTimeout, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine pool: %w", err)
	}

	consumerTag := fmt.Sprintf("worker-%s", uuid.New().String())
	jobQueue := queue.NewRabbit(rabbitClient, consumerTag, cfg.Worker.Concurrency, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.New(&worker.Config{
		Logger:           appLogger.Logger,
		Queue:            jobQueue,
		Status:           statusStore,
		Content:          contentStore,
		Engines:          enginePool,
		Concurrency:      cfg.Worker.Concurrency,
		MaxRetries:       cfg.Worker.MaxRetries,
		ReceiveWait:      cfg.Worker.ReceiveWait,
		TransformTimeout: cfg.Worker.TransformTimeout,
		DrainTimeout:     cfg.Worker.DrainTimeout,
	})

	// Start metrics listener
	metricsServer := metrics.NewServer(cfg.Metrics.Port, appLogger.Logger)
	metricsServer.Start()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine. Run returns nil after a clean drain,
	// so the channel doubles as the stopped signal.
	runDone := make(chan error, 1)
	go func() {
		runDone <- workerInstance.Run(ctx)
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-runDone:
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
			return err
		}
		appLogger.Warn("Worker loop exited unexpectedly")
	}

	// Stop leasing; Run drains in-flight work bounded by DrainTimeout
	workerInstance.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout+5*time.Second)
	defer shutdownCancel()

	select {
	case <-runDone:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		metricsServer.Stop()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		QueueName:         cfg.Queue,
		PoisonQueueName:   cfg.PoisonQueue,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
