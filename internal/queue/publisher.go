package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) PublishSendJob(ctx context.Context, job SendJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid send job: %w", err)
	}
	correlationID := job.CorrelationID
	if correlationID == "" {
		correlationID = job.MessageID
	}
	return p.publish(ctx, SendQueueName, job.JobID, correlationID, job)
}

func (p *RabbitMQPublisher) PublishEvent(ctx context.Context, event MessageEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid message event: %w", err)
	}
	return p.publish(ctx, EventsQueueName, event.ID, event.MessageID, event)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, messageID string, correlationID string, body any) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for queue %q: %w", queue, err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     messageID,
		CorrelationId: correlationID,
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
