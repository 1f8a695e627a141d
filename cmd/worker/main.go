package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/kursadbilgin/sms-dispatch/internal/config"
	"github.com/kursadbilgin/sms-dispatch/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/sms-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"github.com/kursadbilgin/sms-dispatch/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.Options{})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.SendRatePerSec, nil)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	metrics := observability.NewMetrics()
	messages := repository.NewGormMessageRepo(db)
	drivers := provider.NewManager(cfg.ManagerConfig(), logger)
	publisher := queue.NewRabbitMQPublisher(rabbit)

	// The worker always sends in-line; only the API defers.
	sendCfg := cfg.SendConfig()
	sendCfg.QueueEnabled = false
	messaging, err := service.NewMessagingService(drivers, messages, publisher, limiter, sendCfg, logger)
	if err != nil {
		return fmt.Errorf("messaging service initialization failed: %w", err)
	}
	messaging.SetMetrics(metrics)

	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)
	worker, err := service.NewWorkerService(consumer, messaging, cfg.WorkerConcurrency, logger)
	if err != nil {
		return fmt.Errorf("worker service initialization failed: %w", err)
	}
	worker.SetMetrics(metrics)

	poller, err := service.NewStatusPollJob(messages, drivers, provider.NewPollingParameterResolver(), cfg.PollConfig(), logger)
	if err != nil {
		return fmt.Errorf("status poll job initialization failed: %w", err)
	}
	poller.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sms-dispatch worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Bool("polling", cfg.PollEnabled),
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Start(groupCtx)
	})
	g.Go(func() error {
		return poller.Start(groupCtx)
	})
	g.Go(func() error {
		return serveMetrics(groupCtx, cfg.WorkerMetricsPort, metrics, logger)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("sms-dispatch worker stopped")
	return nil
}

// serveMetrics exposes /metrics until ctx is done.
func serveMetrics(ctx context.Context, port int, metrics *observability.Metrics, logger *zap.Logger) error {
	app := fiber.New(fiber.Config{
		AppName:               "sms-dispatch-worker",
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
	})
	app.Use(recover.New())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn("worker metrics shutdown failed", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf(":%d", port)
	logger.Info("worker metrics listening", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
