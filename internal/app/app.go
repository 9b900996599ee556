package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/internal/database"
	"github.com/tessira/cartwright/internal/handlers"
	"github.com/tessira/cartwright/internal/messaging"
	"github.com/tessira/cartwright/internal/middleware"
	"github.com/tessira/cartwright/internal/services"
)

type App struct {
	config   *config.Config
	logger   *logrus.Logger
	db       *database.Database
	services *services.Services
	handlers *handlers.Handlers
	router   *gin.Engine

	consumer       *messaging.CatalogConsumer
	cancelConsumer context.CancelFunc
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config: cfg,
		logger: setupLogger(cfg),
	}

	// Initialize database connections
	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	// Initialize services
	services, err := services.New(cfg, app.logger, db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = services

	// Initialize handlers
	app.handlers = handlers.New(app.logger, services)

	// Setup router
	app.setupRouter()

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func (a *App) Logger() *logrus.Logger {
	return a.logger
}

func (a *App) Services() *services.Services {
	return a.services
}

// Preload warms the read paths before traffic arrives. Failures are
// recorded per component and the server still starts; the affected
// stages degrade individually.
func (a *App) Preload(ctx context.Context) {
	a.services.Preload(ctx)
}

// StartConsumer launches the catalog-events consumer when brokers are
// configured. Without brokers, search caches rely on TTL expiry alone.
func (a *App) StartConsumer() {
	if len(a.config.Kafka.Brokers) == 0 {
		a.logger.Info("No Kafka brokers configured, catalog invalidation consumer disabled")
		return
	}

	a.consumer = messaging.NewCatalogConsumer(&a.config.Kafka, a.services.Catalog, a.logger)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancelConsumer = cancel

	go func() {
		if err := a.consumer.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Error("Catalog consumer stopped")
		}
	}()

	a.logger.WithField("topic", a.config.Kafka.Topics.CatalogEvents).Info("Catalog invalidation consumer started")
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	if a.cancelConsumer != nil {
		a.cancelConsumer()
	}
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.WithError(err).Error("Error closing catalog consumer")
		}
	}

	a.services.Stop()

	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		return err
	}

	return nil
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(a.config))
	router.Use(middleware.Security())
	router.Use(middleware.Compression())

	// Operational endpoints (no auth required)
	router.GET("/health", a.handlers.Health.Check)
	router.GET("/status", a.handlers.Health.Status)

	if a.config.Monitoring.Enabled {
		metricsPath := a.config.Monitoring.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		router.GET(metricsPath, gin.WrapH(promhttp.Handler()))
	}

	// API routes
	api := router.Group("/api/v1")
	{
		api.Use(middleware.Auth(a.services.Auth, a.logger))
		api.Use(middleware.RateLimit(a.services.RateLimit, a.logger))

		api.POST("/chat", a.handlers.Chat.Chat)
		api.POST("/search", a.handlers.Search.Search)

		session := api.Group("/session")
		{
			session.GET("/:id", a.handlers.Session.Get)
			session.POST("/reset", a.handlers.Session.Reset)
			session.POST("/favorite", a.handlers.Session.Favorite)
		}

		recommend := api.Group("/recommend")
		{
			recommend.POST("", a.handlers.Recommend.Recommend)
			recommend.POST("/compare", a.handlers.Recommend.Compare)
		}
	}

	a.router = router
}
