package queue

import (
	"context"
	"errors"
	"fmt"
)

const (
	// SendQueueName carries deferred send jobs.
	SendQueueName = "sms.send"
	// EventsQueueName carries message lifecycle events for downstream consumers.
	EventsQueueName = "sms.events"
)

// ErrDiscard marks a job that must not be redelivered. The consumer rejects
// it to the dead-letter queue instead of requeueing.
var ErrDiscard = errors.New("discard job")

// Publisher publishes send jobs and message events.
type Publisher interface {
	PublishSendJob(ctx context.Context, job SendJob) error
	PublishEvent(ctx context.Context, event MessageEvent) error
	Close() error
}

// JobHandler handles a consumed send job.
type JobHandler func(ctx context.Context, job SendJob) error

// Consumer consumes send jobs from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler JobHandler) error
	Close() error
}

// DLQName returns the dead-letter queue for a work queue, e.g. dlq.sms.send.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns the queues workers consume from.
func WorkQueueNames() []string {
	return []string{SendQueueName}
}
