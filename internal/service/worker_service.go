package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// DeferredSender completes queued send jobs.
type DeferredSender interface {
	CompleteDeferred(ctx context.Context, job queue.SendJob) (SendOutcome, error)
}

// WorkerService consumes deferred send jobs and runs them through the
// direct send path.
type WorkerService struct {
	consumer    queue.Consumer
	sender      DeferredSender
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
}

func NewWorkerService(
	consumer queue.Consumer,
	sender DeferredSender,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("deferred sender is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		sender:      sender,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes the work queues until context cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, s.processJob)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// processJob returns queue.ErrDiscard for jobs that can never succeed so the
// consumer dead-letters them instead of requeueing.
func (s *WorkerService) processJob(ctx context.Context, job queue.SendJob) error {
	if err := job.Validate(); err != nil {
		s.logger.Warn("invalid send job discarded",
			zap.String("jobId", job.JobID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", queue.ErrDiscard, err)
	}

	driver := domain.NormalizeDriver(job.Driver)
	s.metrics.IncWorkerInFlight(driver)
	defer s.metrics.DecWorkerInFlight(driver)

	ctx = observability.WithJobID(ctx, job.JobID)
	if job.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, job.CorrelationID)
	}

	outcome, err := s.sender.CompleteDeferred(ctx, job)
	if err != nil {
		if errors.Is(err, provider.ErrUnsupportedDriver) || errors.Is(err, domain.ErrValidation) {
			s.logger.Warn("send job discarded",
				zap.String("jobId", job.JobID),
				zap.String("messageId", job.MessageID),
				zap.String("driver", driver),
				zap.Error(err),
			)
			return fmt.Errorf("%w: %v", queue.ErrDiscard, err)
		}
		return fmt.Errorf("failed to complete send job: %w", err)
	}

	s.logger.Info("send job completed",
		zap.String("jobId", job.JobID),
		zap.String("messageId", outcome.MessageID),
		zap.String("driver", driver),
		zap.String("status", outcome.Result.Status.String()),
	)
	return nil
}
