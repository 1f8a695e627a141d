package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"github.com/kursadbilgin/sms-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultFailureCode = "send_failed"
	metaSendError      = "send_error"
)

// DriverResolver is the subset of provider.Manager the services rely on.
type DriverResolver interface {
	ResolveName(name string) string
	Config(name string) provider.DriverConfig
	SenderFor(name string, override provider.DriverConfig) (provider.Sender, error)
	SenderWithConfig(name string, cfg provider.DriverConfig) (provider.Sender, error)
	Supports(name string) bool
}

// SendConfig selects the send mode and whether outcomes are persisted.
type SendConfig struct {
	QueueEnabled  bool
	StoreMessages bool
}

func DefaultSendConfig() SendConfig {
	return SendConfig{StoreMessages: true}
}

// SendOptions are the optional parts of a send call.
type SendOptions struct {
	From      string
	MediaURLs []string
	Metadata  domain.Metadata
	Driver    string
	// DriverConfig is merged over the driver's configuration for this call
	// only. For a queued completion it is the enqueue-time snapshot and
	// replaces the configuration entirely.
	DriverConfig provider.DriverConfig

	// Queued is set when the call runs inside the deferred worker. Such calls
	// never re-defer and complete MessageID instead of inserting a new row.
	Queued    bool
	MessageID string
}

// SendOutcome is the result of a send call. MessageID is empty when the
// outcome was not persisted.
type SendOutcome struct {
	Result    domain.SentMessageResult
	MessageID string
}

// MessagingService is the send entry point. It picks direct or deferred
// execution, persists the outcome and publishes lifecycle events.
type MessagingService struct {
	drivers     DriverResolver
	messages    repository.MessageRepository
	publisher   queue.Publisher
	rateLimiter ratelimit.RateLimiter
	cfg         SendConfig
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewMessagingService(
	drivers DriverResolver,
	messages repository.MessageRepository,
	publisher queue.Publisher,
	rateLimiter ratelimit.RateLimiter,
	cfg SendConfig,
	logger *zap.Logger,
) (*MessagingService, error) {
	if drivers == nil {
		return nil, fmt.Errorf("driver resolver is required")
	}
	if messages == nil && cfg.StoreMessages {
		return nil, fmt.Errorf("message repository is required when storing messages")
	}
	if publisher == nil && cfg.QueueEnabled {
		return nil, fmt.Errorf("publisher is required in queue mode")
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MessagingService{
		drivers:     drivers,
		messages:    messages,
		publisher:   publisher,
		rateLimiter: rateLimiter,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (s *MessagingService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Send delivers body to `to`. Expected provider failures come back as a
// Failed result with a nil error; only internal errors are returned.
func (s *MessagingService) Send(ctx context.Context, to string, body string, opts SendOptions) (SendOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(to) == "" {
		return SendOutcome{}, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}

	driver := s.drivers.ResolveName(opts.Driver)
	if !s.drivers.Supports(driver) {
		return SendOutcome{}, fmt.Errorf("%w: %q", provider.ErrUnsupportedDriver, driver)
	}

	if s.cfg.QueueEnabled && !opts.Queued {
		return s.deferSend(ctx, driver, to, body, opts)
	}
	return s.sendNow(ctx, driver, to, body, opts)
}

// CompleteDeferred runs a queued job and completes its provisional row.
func (s *MessagingService) CompleteDeferred(ctx context.Context, job queue.SendJob) (SendOutcome, error) {
	return s.Send(ctx, job.To, job.Body, SendOptions{
		From:         job.From,
		MediaURLs:    job.MediaURLs,
		Metadata:     job.Metadata,
		Driver:       job.Driver,
		DriverConfig: job.DriverConfig,
		Queued:       true,
		MessageID:    job.MessageID,
	})
}

func (s *MessagingService) deferSend(ctx context.Context, driver string, to string, body string, opts SendOptions) (SendOutcome, error) {
	logger := observability.WithContextLogger(s.logger, ctx)
	snapshot := s.drivers.Config(driver).Merge(opts.DriverConfig)
	from := effectiveFrom(opts.From, snapshot)

	result := domain.NewSentMessageResult(driver, to, from, body, opts.MediaURLs, opts.Metadata, domain.StatusQueued, "")

	messageID := ""
	if s.cfg.StoreMessages {
		stored, err := s.messages.StoreSent(ctx, result)
		if err != nil {
			return SendOutcome{}, fmt.Errorf("failed to store queued message: %w", err)
		}
		messageID = stored.ID
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	job := queue.SendJob{
		JobID:         uuid.NewString(),
		MessageID:     messageID,
		CorrelationID: correlationID,
		Driver:        driver,
		To:            to,
		Body:          body,
		From:          from,
		MediaURLs:     result.MediaURLs,
		Metadata:      result.Metadata,
		DriverConfig:  snapshot,
		EnqueuedAt:    s.now().UTC(),
	}
	if err := s.publisher.PublishSendJob(ctx, job); err != nil {
		logger.Error("failed to enqueue send job",
			zap.String("messageId", messageID),
			zap.String("driver", driver),
			zap.Error(err),
		)
		return SendOutcome{}, fmt.Errorf("failed to enqueue send job: %w", err)
	}

	s.metrics.IncMessageQueued(driver)
	logger.Info("message queued",
		zap.String("messageId", messageID),
		zap.String("jobId", job.JobID),
		zap.String("driver", driver),
	)

	return SendOutcome{Result: result, MessageID: messageID}, nil
}

func (s *MessagingService) sendNow(ctx context.Context, driver string, to string, body string, opts SendOptions) (SendOutcome, error) {
	sender, cfg, err := s.senderFor(driver, opts)
	from := effectiveFrom(opts.From, cfg)
	if err != nil {
		if errors.Is(err, provider.ErrSendFailed) {
			return s.fail(ctx, driver, to, from, body, opts, err)
		}
		return SendOutcome{}, err
	}

	if err := s.rateLimiter.Wait(ctx, driver); err != nil {
		return SendOutcome{}, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	start := s.now()
	result, err := sender.Send(ctx, provider.SendRequest{
		To:        to,
		Body:      body,
		From:      from,
		MediaURLs: opts.MediaURLs,
		Metadata:  opts.Metadata,
	})
	s.metrics.ObserveSendDuration(driver, s.now().Sub(start))

	if err != nil {
		if errors.Is(err, provider.ErrSendFailed) {
			return s.fail(ctx, driver, to, from, body, opts, err)
		}
		return SendOutcome{}, fmt.Errorf("send via %s: %w", driver, err)
	}

	messageID, err := s.persist(ctx, result, opts)
	if err != nil {
		return SendOutcome{}, err
	}

	s.metrics.IncMessageSent(driver)
	s.emit(ctx, queue.NewResultEvent(queue.EventMessageSent, messageID, result, s.now()))

	return SendOutcome{Result: result, MessageID: messageID}, nil
}

// senderFor resolves the sender and the config it runs with. A deferred
// completion uses its enqueue-time snapshot as the whole config; direct sends
// merge the override over the driver's current config.
func (s *MessagingService) senderFor(driver string, opts SendOptions) (provider.Sender, provider.DriverConfig, error) {
	if opts.Queued && !opts.DriverConfig.IsZero() {
		sender, err := s.drivers.SenderWithConfig(driver, opts.DriverConfig)
		return sender, opts.DriverConfig, err
	}

	sender, err := s.drivers.SenderFor(driver, opts.DriverConfig)
	return sender, s.drivers.Config(driver).Merge(opts.DriverConfig), err
}

// fail turns an expected provider failure into a persisted Failed result.
func (s *MessagingService) fail(
	ctx context.Context,
	driver string,
	to string,
	from string,
	body string,
	opts SendOptions,
	sendErr error,
) (SendOutcome, error) {
	code := provider.ErrorCode(sendErr)
	if code == "" {
		code = defaultFailureCode
	}

	observability.WithContextLogger(s.logger, ctx).Error("message send failed",
		zap.String("driver", driver),
		zap.String("to", to),
		zap.String("errorCode", code),
		zap.Error(sendErr),
	)

	metadata := opts.Metadata.Merge(domain.Metadata{metaSendError: sendErr.Error()})
	result := domain.NewSentMessageResult(driver, to, from, body, opts.MediaURLs, metadata, domain.StatusFailed, "").
		WithFailure(code)

	messageID, err := s.persist(ctx, result, opts)
	if err != nil {
		return SendOutcome{}, err
	}

	s.metrics.IncMessageFailed(driver, code)
	s.emit(ctx, queue.NewResultEvent(queue.EventMessageFailed, messageID, result, s.now()))

	return SendOutcome{Result: result, MessageID: messageID}, nil
}

// persist completes the provisional row of a deferred send, or inserts a new
// row. A provisional row that can no longer be upgraded gets an audit row.
func (s *MessagingService) persist(ctx context.Context, result domain.SentMessageResult, opts SendOptions) (string, error) {
	if !s.cfg.StoreMessages {
		return "", nil
	}

	if opts.Queued && opts.MessageID != "" {
		upgraded, err := s.messages.UpgradeQueued(ctx, opts.MessageID, result)
		if err != nil {
			return "", fmt.Errorf("failed to upgrade queued message: %w", err)
		}
		if upgraded != nil {
			return upgraded.ID, nil
		}

		s.logger.Debug("queued message not upgradable, storing audit row",
			zap.String("messageId", opts.MessageID),
			zap.String("driver", result.Driver),
		)
		s.metrics.IncUpgradeFallback(result.Driver)
	}

	stored, err := s.messages.StoreSent(ctx, result)
	if err != nil {
		return "", fmt.Errorf("failed to store sent message: %w", err)
	}
	return stored.ID, nil
}

func (s *MessagingService) emit(ctx context.Context, event queue.MessageEvent) {
	publishEvent(ctx, s.publisher, s.logger, event)
}

func publishEvent(ctx context.Context, publisher queue.Publisher, logger *zap.Logger, event queue.MessageEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.PublishEvent(ctx, event); err != nil {
		logger.Warn("failed to publish message event",
			zap.String("event", string(event.Type)),
			zap.String("messageId", event.MessageID),
			zap.Error(err),
		)
	}
}

func effectiveFrom(explicit string, cfg provider.DriverConfig) string {
	if from := strings.TrimSpace(explicit); from != "" {
		return from
	}
	return strings.TrimSpace(cfg.FromNumber)
}
