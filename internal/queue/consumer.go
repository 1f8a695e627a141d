package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler JobHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	wait := newReconnectBackOff()
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			wait.Reset()
			continue
		}

		delay := wait.NextBackOff()
		c.logger.Warn("consumer interrupted, reconnecting",
			zap.String("queue", queue),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler JobHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// deliveryAction is how a consumed delivery is settled with the broker.
type deliveryAction int

const (
	actionAck deliveryAction = iota
	actionRequeue
	actionDeadLetter
)

func (a deliveryAction) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionRequeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// settleAction decides what to do with a delivery after the handler ran.
// A job that already failed once on redelivery is dead-lettered rather than
// requeued again, so a provider outage cannot spin one job forever and
// repeatedly hit the provider with the same send.
func settleAction(handlerErr error, redelivered bool) deliveryAction {
	switch {
	case handlerErr == nil:
		return actionAck
	case errors.Is(handlerErr, ErrDiscard):
		return actionDeadLetter
	case redelivered:
		return actionDeadLetter
	default:
		return actionRequeue
	}
}

// decodeSendJob parses and validates a delivery body.
func decodeSendJob(body []byte) (SendJob, error) {
	var job SendJob
	if err := json.Unmarshal(body, &job); err != nil {
		return SendJob{}, fmt.Errorf("%w: invalid JSON: %v", ErrDiscard, err)
	}
	if err := job.Validate(); err != nil {
		return job, fmt.Errorf("%w: %v", ErrDiscard, err)
	}
	return job, nil
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler JobHandler) error {
	job, err := decodeSendJob(d.Body)
	if err == nil {
		err = handler(ctx, job)
	}

	action := settleAction(err, d.Redelivered)
	if action != actionAck {
		c.logger.Warn("send job not completed",
			zap.String("jobId", job.JobID),
			zap.String("messageId", job.MessageID),
			zap.String("driver", job.Driver),
			zap.Bool("redelivered", d.Redelivered),
			zap.Stringer("action", action),
			zap.Error(err),
		)
	}

	switch action {
	case actionAck:
		if ackErr := d.Ack(false); ackErr != nil {
			return fmt.Errorf("failed to ack delivery: %w", ackErr)
		}
	case actionRequeue:
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("failed to requeue delivery: %w", nackErr)
		}
	case actionDeadLetter:
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to dead-letter delivery: %w", rejectErr)
		}
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
