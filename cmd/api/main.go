package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/call-dispatcher/internal/config"
	"github.com/kursadbilgin/call-dispatcher/internal/handler"
	"github.com/kursadbilgin/call-dispatcher/internal/infra/postgresql"
	"github.com/kursadbilgin/call-dispatcher/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/call-dispatcher/internal/infra/redis"
	"github.com/kursadbilgin/call-dispatcher/internal/observability"
	"github.com/kursadbilgin/call-dispatcher/internal/queue"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"github.com/kursadbilgin/call-dispatcher/internal/service"
	"github.com/kursadbilgin/call-dispatcher/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewBroker(ctx, queue.BrokerConfig{
		URL:        cfg.RabbitMQURL,
		ReceiptTTL: cfg.ReceiptTTLDuration(),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	metrics := observability.NewMetrics()

	attempts := repository.NewGormCallAttemptRepo(db)
	queries, err := service.NewQueryService(attempts, repository.NewGormDeliveryLogRepo(db), repository.NewGormScheduleRepo(db))
	if err != nil {
		logger.Fatal("query service initialization failed", zap.Error(err))
	}
	acks, err := service.NewAckReceiver(attempts, repository.NewGormReceiptRepo(db), logger)
	if err != nil {
		logger.Fatal("ack receiver initialization failed", zap.Error(err))
	}
	acks.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:               "call-dispatcher",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, map[string]handler.HealthCheck{
		"postgres": sqlDB.PingContext,
		"redis": func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		"rabbitmq": rabbit.Ping,
	})
	if err := handler.RegisterCallRoutes(app, queries, acks, publisher); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()
	logger.Info("call-dispatcher api started", zap.Int("port", cfg.APIPort))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("api server stopped", zap.Error(err))
		}
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
	logger.Info("call-dispatcher api stopped")
}
