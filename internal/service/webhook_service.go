package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	webhookKindInbound = "inbound"
	webhookKindStatus  = "status"

	webhookResultStored   = "stored"
	webhookResultUnstored = "unstored"
	webhookResultUnknown  = "unknown_message"
	webhookResultFailed   = "failed"
)

// WebhookService applies parsed provider callbacks: inbound messages are
// stored and status callbacks update the matching sent message.
type WebhookService struct {
	messages      repository.MessageRepository
	publisher     queue.Publisher
	storeMessages bool
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewWebhookService(
	messages repository.MessageRepository,
	publisher queue.Publisher,
	storeMessages bool,
	logger *zap.Logger,
) (*WebhookService, error) {
	if messages == nil && storeMessages {
		return nil, fmt.Errorf("message repository is required when storing messages")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookService{
		messages:      messages,
		publisher:     publisher,
		storeMessages: storeMessages,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *WebhookService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Handle applies result and returns the stored message. A nil message with a
// nil error means nothing was stored: storage is disabled or the status
// callback did not match a known message.
func (s *WebhookService) Handle(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
	if err := result.Validate(); err != nil {
		return nil, err
	}

	if result.IsInbound() {
		return s.handleInbound(ctx, result)
	}
	return s.handleStatus(ctx, result)
}

func (s *WebhookService) handleInbound(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
	if !s.storeMessages {
		s.metrics.IncWebhookEvent(result.Driver, webhookKindInbound, webhookResultUnstored)
		s.emit(ctx, queue.NewInboundEvent(result, s.now()))
		return nil, nil
	}

	msg, err := s.messages.StoreInbound(ctx, result)
	if err != nil {
		s.metrics.IncWebhookEvent(result.Driver, webhookKindInbound, webhookResultFailed)
		return nil, fmt.Errorf("failed to store inbound message: %w", err)
	}

	s.logger.Info("inbound message stored",
		zap.String("messageId", msg.ID),
		zap.String("driver", msg.Driver),
	)
	s.metrics.IncWebhookEvent(result.Driver, webhookKindInbound, webhookResultStored)
	s.emit(ctx, queue.NewStoredMessageEvent(queue.EventMessageReceived, msg, s.now()))

	return msg, nil
}

func (s *WebhookService) handleStatus(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
	if !s.storeMessages {
		s.metrics.IncWebhookEvent(result.Driver, webhookKindStatus, webhookResultUnstored)
		return nil, nil
	}

	msg, err := s.messages.StoreStatus(ctx, result)
	if err != nil {
		s.metrics.IncWebhookEvent(result.Driver, webhookKindStatus, webhookResultFailed)
		return nil, fmt.Errorf("failed to store status update: %w", err)
	}
	if msg == nil {
		s.logger.Info("status callback for unknown message ignored",
			zap.String("driver", result.Driver),
			zap.String("providerMessageId", result.ProviderMessageID),
			zap.String("status", result.Status.String()),
		)
		s.metrics.IncWebhookEvent(result.Driver, webhookKindStatus, webhookResultUnknown)
		return nil, nil
	}

	s.metrics.IncWebhookEvent(result.Driver, webhookKindStatus, webhookResultStored)
	s.emit(ctx, queue.NewStoredMessageEvent(queue.EventMessageStatusUpdated, msg, s.now()))

	return msg, nil
}

func (s *WebhookService) emit(ctx context.Context, event queue.MessageEvent) {
	publishEvent(ctx, s.publisher, s.logger, event)
}
