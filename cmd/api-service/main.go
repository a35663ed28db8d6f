package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mklotz/geoconvert/internal/api/handler"
	"github.com/mklotz/geoconvert/internal/api/router"
	"github.com/mklotz/geoconvert/internal/blobstore"
	"github.com/mklotz/geoconvert/internal/config"
	"github.com/mklotz/geoconvert/internal/deferdelete"
	"github.com/mklotz/geoconvert/internal/gate"
	"github.com/mklotz/geoconvert/internal/jobqueue"
	"github.com/mklotz/geoconvert/internal/reconciler"
	"github.com/mklotz/geoconvert/shared/logger"
	"github.com/mklotz/geoconvert/shared/postgresql"
	"github.com/mklotz/geoconvert/shared/rabbitmq"
	"github.com/mklotz/geoconvert/shared/redis"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
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

	ctx := context.Background()

	blobs, err := blobstore.NewStore(ctx, &cfg.BlobStore, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	// schema setup is idempotent; whichever service starts first wins
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

	queue := jobqueue.New(jobStore, rabbitClient, jobqueue.NewBroker(), appLogger.Logger)
	scheduler := deferdelete.NewScheduler(deletionStore, blobs, &cfg.Cleanup, appLogger.Logger)
	accessGate := gate.New(queue, blobs, initStatusCache(&cfg.Redis, appLogger.Logger), appLogger.Logger)

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:   appLogger.Logger,
		Queue:    queue,
		Gate:     accessGate,
		Uploads:  blobs,
		Records:  recordStore,
		Deferred: scheduler,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initStatusCache connects Redis for the terminal status cache. The cache is
// optional; the service runs without it when Redis is unreachable.
func initStatusCache(cfg *config.RedisConfig, logger *slog.Logger) *gate.StatusCache {
	if cfg.Addr == "" {
		return nil
	}

	redisClient, err := redis.NewClient(&redis.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, logger)
	if err != nil {
		logger.Warn("Redis unavailable, status caching disabled",
			slog.String("addr", cfg.Addr),
			slog.String("error", err.Error()),
		)
		return nil
	}

	return gate.NewStatusCache(redisClient.GetRedis(), logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
