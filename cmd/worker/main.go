package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/call-dispatcher/internal/config"
	"github.com/kursadbilgin/call-dispatcher/internal/content"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"github.com/kursadbilgin/call-dispatcher/internal/infra/postgresql"
	"github.com/kursadbilgin/call-dispatcher/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/call-dispatcher/internal/infra/redis"
	"github.com/kursadbilgin/call-dispatcher/internal/observability"
	"github.com/kursadbilgin/call-dispatcher/internal/push"
	"github.com/kursadbilgin/call-dispatcher/internal/queue"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"github.com/kursadbilgin/call-dispatcher/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 5 * time.Second

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

	metrics := observability.NewMetrics()
	policy := cfg.RetryPolicy()

	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		logger.Fatal("push gateway initialization failed", zap.Error(err))
	}

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec, nil)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	generator, err := buildGenerator(cfg, repository.NewGormUserProfileRepo(db), logger)
	if err != nil {
		logger.Fatal("content generator initialization failed", zap.Error(err))
	}

	attempts := repository.NewGormCallAttemptRepo(db)
	schedules := repository.NewGormScheduleRepo(db)

	delivery, err := service.NewDeliveryHandler(
		attempts,
		repository.NewGormDeliveryLogRepo(db),
		repository.NewGormCredentialRepo(db),
		gateway,
		limiter,
		policy,
		cfg.DeliveryTimeoutDuration(),
		logger,
	)
	if err != nil {
		logger.Fatal("delivery handler initialization failed", zap.Error(err))
	}
	delivery.SetMetrics(metrics)

	dispatcher, err := service.NewDispatcher(attempts, schedules, generator, delivery, policy, logger)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	scheduler, err := service.NewScheduler(schedules, attempts, dispatcher, cfg.SchedulerIntervalDuration(), cfg.DispatchConcurrency, logger)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}
	scheduler.SetMetrics(metrics)

	retries, err := service.NewRetryProcessor(attempts, delivery, policy, cfg.RetryIntervalDuration(), cfg.RetryScanLimit, logger)
	if err != nil {
		logger.Fatal("retry processor initialization failed", zap.Error(err))
	}
	retries.SetMetrics(metrics)

	acks, err := service.NewAckReceiver(attempts, repository.NewGormReceiptRepo(db), logger)
	if err != nil {
		logger.Fatal("ack receiver initialization failed", zap.Error(err))
	}
	acks.SetMetrics(metrics)

	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.ReceiptPrefetch, logger)
	receipts, err := service.NewReceiptWorker(consumer, acks, cfg.ReceiptWorkers, logger)
	if err != nil {
		logger.Fatal("receipt worker initialization failed", zap.Error(err))
	}

	logger.Info("call-dispatcher worker started",
		zap.Int("maxAttempts", policy.MaxAttempts),
		zap.Duration("ackTimeout", policy.AckTimeout),
		zap.Bool("apnsEnabled", cfg.APNsEnabled()),
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Start(groupCtx) })
	g.Go(func() error { return retries.Start(groupCtx) })
	g.Go(func() error { return receipts.Start(groupCtx) })
	g.Go(func() error { return serveMetrics(groupCtx, metrics, cfg.WorkerMetricsPort) })

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("call-dispatcher worker stopped")
}

// serveMetrics exposes the worker's collectors until ctx is done.
func serveMetrics(ctx context.Context, metrics *observability.Metrics, port int) error {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(metricsShutdownTimeout)
	}()
	return app.Listen(fmt.Sprintf(":%d", port))
}

// buildGateway routes each platform to its push service behind a circuit breaker.
func buildGateway(cfg *config.Config, logger *zap.Logger) (push.Gateway, error) {
	gateways := make(map[domain.Platform]push.Gateway, 2)

	expo, err := push.NewExpoGateway(cfg.ExpoPushURL, cfg.ExpoAccessToken)
	if err != nil {
		return nil, err
	}
	gateways[domain.PlatformExpo] = push.NewBreakerGateway(expo, push.BreakerSettings{Name: "expo", Logger: logger})

	if cfg.APNsEnabled() {
		key, err := cfg.APNsKeyBytes()
		if err != nil {
			return nil, err
		}
		apns, err := push.NewAPNsGateway(push.APNsConfig{
			KeyID:      cfg.APNsKeyID,
			TeamID:     cfg.APNsTeamID,
			Topic:      cfg.APNsTopic,
			PrivateKey: key,
			Production: cfg.APNsProduction,
		})
		if err != nil {
			return nil, err
		}
		gateways[domain.PlatformIOSVoIP] = push.NewBreakerGateway(apns, push.BreakerSettings{Name: "apns", Logger: logger})
	} else {
		logger.Warn("apns is not configured, ios voip calls will fail")
	}

	return push.NewRouter(gateways), nil
}

// buildGenerator prefers the remote content service and falls back to templates.
func buildGenerator(cfg *config.Config, profiles content.ProfileReader, logger *zap.Logger) (content.Generator, error) {
	templates, err := content.NewTemplateGenerator(
		content.WithUserContextLoader(content.ProfileLoader(profiles)),
	)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ContentServiceURL) == "" {
		return templates, nil
	}

	remote, err := content.NewHTTPGenerator(cfg.ContentServiceURL)
	if err != nil {
		return nil, err
	}
	return content.NewFallbackGenerator(remote, templates, logger), nil
}
