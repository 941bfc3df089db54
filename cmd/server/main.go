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

	"github.com/nearzoom/image-processor/internal/api/handler"
	"github.com/nearzoom/image-processor/internal/api/router"
	"github.com/nearzoom/image-processor/internal/config"
	"github.com/nearzoom/image-processor/internal/events"
	"github.com/nearzoom/image-processor/internal/executor"
	"github.com/nearzoom/image-processor/internal/media"
	"github.com/nearzoom/image-processor/internal/pipeline"
	"github.com/nearzoom/image-processor/internal/provider"
	"github.com/nearzoom/image-processor/internal/service"
	"github.com/nearzoom/image-processor/internal/store"
	"github.com/nearzoom/image-processor/internal/webhook"
	"github.com/nearzoom/image-processor/shared/logger"
	"github.com/nearzoom/image-processor/shared/postgresql"
	"github.com/nearzoom/image-processor/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("IMAGE_PROCESSOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting image processor",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize the job store. Without a database host jobs live in
	// memory only.
	var (
		jobStore store.Store
		dbClient *postgresql.Client
	)
	if cfg.Database.Host != "" {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		pgStore := store.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)
		if err := pgStore.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		jobStore = pgStore
		appLogger.Info("Database connection established")
	} else {
		jobStore = store.NewMemoryStore()
		appLogger.Warn("No database configured, using in-memory job store")
	}

	// Initialize the optional lifecycle event broker.
	var (
		rabbitClient *rabbitmq.Client
		publisher    *events.Publisher
	)
	if cfg.RabbitMQ.Host != "" {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		publisher = events.NewPublisher(rabbitClient, appLogger.Logger)
		appLogger.Info("RabbitMQ connection established")
	} else {
		appLogger.Warn("No broker configured, lifecycle events disabled")
	}

	// Media storage
	mediaStorage := media.NewStorage(media.Config{
		Root:          cfg.Media.Root,
		PublicBase:    cfg.Media.PublicBase,
		DomainBaseURL: cfg.Media.DomainBaseURL,
		HTTPTimeout:   cfg.Media.HTTPTimeout,
	})

	// Stage executors
	editClient := provider.NewOpenAIClient(provider.OpenAIConfig{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
		Size:    cfg.OpenAI.Size,
		Timeout: cfg.OpenAI.Timeout,
	}, appLogger.Logger)
	if !editClient.Configured() {
		appLogger.Warn("No OpenAI API key, edit stage runs in degraded pass-through mode")
	}

	swapper := provider.NewFaceFusion(provider.FaceFusionConfig{
		Python:  cfg.FaceFusion.Python,
		Script:  cfg.FaceFusion.Script,
		Model:   cfg.FaceFusion.Model,
		Timeout: cfg.FaceFusion.Timeout,
	}, appLogger.Logger)

	edits := executor.NewEditExecutor(editClient, !editClient.Configured(), cfg.Pipeline.EditConcurrency, appLogger.Logger)
	swaps := executor.NewSwapExecutor(swapper, cfg.Pipeline.SwapQueueCapacity, appLogger.Logger)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	edits.Start(runCtx)
	swaps.Start(runCtx)

	// Pipeline wiring
	notifier := webhook.NewNotifier(jobStore, webhook.Config{
		Secret:     cfg.Webhook.Secret,
		MaxRetries: cfg.Webhook.MaxRetries,
		RetryDelay: cfg.Webhook.RetryDelay,
		Timeout:    cfg.Webhook.Timeout,
	}, appLogger.Logger)

	dispatcher := pipeline.NewDispatcher(cfg.Pipeline.MaxInFlight, appLogger.Logger)
	orch := pipeline.NewOrchestrator(jobStore, mediaStorage, edits, swaps, notifier, publisher, appLogger.Logger)
	svc := service.NewJobService(jobStore, dispatcher, orch, swaps, publisher, appLogger.Logger)

	// Terminal-job reaper
	if cfg.Pipeline.ReaperInterval > 0 {
		go runReaper(runCtx, jobStore, cfg.Pipeline.ReaperInterval, cfg.Pipeline.Retention, appLogger.Logger)
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, svc)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Image processor is running",
		slog.String("address", addr),
		slog.Int("edit_concurrency", cfg.Pipeline.EditConcurrency),
		slog.Int("max_in_flight", cfg.Pipeline.MaxInFlight),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Let in-flight pipelines drain, then stop the executors and close
	// external connections.
	dispatcher.Wait()
	edits.Stop()
	swaps.Stop()
	cancelRun()

	if rabbitClient != nil {
		rabbitClient.Close()
	}
	if dbClient != nil {
		dbClient.Close()
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

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, svc *service.JobService) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger: logger,
		Jobs:   svc,
	}

	return router.SetupRouter(handlerDeps, router.Options{
		MediaRoot: cfg.Media.Root,
		MediaBase: cfg.Media.PublicBase,
	})
}

// runReaper periodically removes terminal jobs older than the
// retention window.
func runReaper(ctx context.Context, st store.Store, interval, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Job reaper started",
		slog.Duration("interval", interval),
		slog.Duration("retention", retention),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := st.PurgeOlderThan(ctx, retention)
			if err != nil {
				logger.Error("Job reaper sweep failed",
					slog.Any("error", err),
				)
				continue
			}
			if removed > 0 {
				logger.Info("Job reaper removed terminal jobs",
					slog.Int("removed", removed),
				)
			}
		}
	}
}
