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
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/sms-dispatch/internal/config"
	"github.com/kursadbilgin/sms-dispatch/internal/handler"
	"github.com/kursadbilgin/sms-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/sms-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/sms-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"github.com/kursadbilgin/sms-dispatch/internal/service"
	"github.com/kursadbilgin/sms-dispatch/internal/transport"
	"github.com/kursadbilgin/sms-dispatch/internal/webhook"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	webhookBodyMax  = 512 * 1024
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.Options{})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
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
	publisher := queue.NewRabbitMQPublisher(rabbit)

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.SendRatePerSec, nil)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	metrics := observability.NewMetrics()
	messages := repository.NewGormMessageRepo(db)
	drivers := provider.NewManager(cfg.ManagerConfig(), logger)

	messaging, err := service.NewMessagingService(drivers, messages, publisher, limiter, cfg.SendConfig(), logger)
	if err != nil {
		return fmt.Errorf("messaging service initialization failed: %w", err)
	}
	messaging.SetMetrics(metrics)

	webhooks, err := service.NewWebhookService(messages, publisher, cfg.SMSStoreMessages, logger)
	if err != nil {
		return fmt.Errorf("webhook service initialization failed: %w", err)
	}
	webhooks.SetMetrics(metrics)

	telnyxParser, err := webhook.NewTelnyxParser(cfg.TelnyxPublicKey)
	if err != nil {
		return fmt.Errorf("telnyx webhook parser initialization failed: %w", err)
	}
	webhookHandler, err := handler.NewWebhookHandler(
		webhooks,
		webhook.NewTwilioParser(cfg.TwilioAuthToken, cfg.TwilioFromNumber),
		telnyxParser,
		handler.WebhookConfig{
			Secret:           cfg.WebhookSecret,
			RateLimitPerMin:  cfg.WebhookRateLimitPerMin,
			VerifySignatures: cfg.WebhookVerifySignatures,
			PublicBaseURL:    cfg.WebhookPublicBaseURL,
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("webhook handler initialization failed: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "sms-dispatch",
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
		BodyLimit:             webhookBodyMax,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, handler.HealthDeps{DB: sqlDB, Redis: rdb, Broker: rabbit})
	if err := handler.RegisterMessageRoutes(app, messaging, messages); err != nil {
		return err
	}
	handler.RegisterWebhookRoutes(app, webhookHandler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("sms-dispatch api started",
			zap.String("addr", addr),
			zap.String("driver", cfg.SMSDriver),
			zap.Bool("queue", cfg.SMSQueue),
		)
		if err := app.Listen(addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown gracefully: %w", err)
	}

	logger.Info("sms-dispatch api stopped")
	return nil
}
