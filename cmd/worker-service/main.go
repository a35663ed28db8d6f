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

	"github.com/joho/godotenv"

	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/config"
	"github.com/mklotz/geoconvert/internal/deferdelete"
	"github.com/mklotz/geoconvert/internal/jobqueue"
	"github.com/mklotz/geoconvert/internal/pipeline"
	"github.com/mklotz/geoconvert/internal/reconciler"
	"github.com/mklotz/geoconvert/internal/worker"
	"github.com/mklotz/geoconvert/shared/logger"
	"github.com/mklotz/geoconvert/shared/postgresql"
	"github.com/mklotz/geoconvert/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs, err := blobstore.NewStore(ctx, &cfg.BlobStore, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	jobStore := jobqueue.NewSQLStore(dbClient.GetDB(), appLogger.Logger)
	recordStore := reconciler.NewRecordStore(dbClient.GetDB())
	deletionStore := deferdelete.NewSQLStore(dbClient.GetDB())
	for _, ensure := range []func(context.Context) error{
		jobStore.EnsureSchema, recordStore.EnsureSchema, deletionStore.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	broker := jobqueue.NewBroker()
	queue := jobqueue.New(jobStore, rabbitClient, broker, appLogger.Logger)

	// the reconciler mirrors this process's job events into the catalog
	rec := reconciler.New(broker, recordStore, appLogger.Logger)
	go rec.Run(ctx)

	// the deferred deletion sweeper reclaims expired staged inputs
	scheduler := deferdelete.NewScheduler(deletionStore, blobs, &cfg.Cleanup, appLogger.Logger)
	go scheduler.Run(ctx)

	workerService := worker.NewService(&worker.Config{
		Logger:       appLogger.Logger,
		Queue:        queue,
		RabbitClient: rabbitClient,
		Deps: pipeline.Deps{
			Blobs:  blobs,
			Tools:  &cfg.Tools,
			Logger: appLogger.Logger,
		},
		Worker: &cfg.Worker,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := workerService.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()
	workerService.Stop()

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

// initRabbitMQ initializes the RabbitMQ client with one queue per kind
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	var queues []rabbitmq.QueueBinding
	for _, kind := range jobqueue.Kinds() {
		queues = append(queues, rabbitmq.QueueBinding{
			Name:       kind.QueueName(),
			RoutingKey: kind.RoutingKey(),
		})
	}

	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		Queues:            queues,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
