package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
)

// SendJob is the broker payload for a deferred send. DriverConfig is the
// driver's configuration captured at enqueue time.
type SendJob struct {
	JobID         string                `json:"jobId"`
	MessageID     string                `json:"messageId,omitempty"`
	CorrelationID string                `json:"correlationId,omitempty"`
	Driver        string                `json:"driver"`
	To            string                `json:"to"`
	Body          string                `json:"body"`
	From          string                `json:"from,omitempty"`
	MediaURLs     []string              `json:"mediaUrls,omitempty"`
	Metadata      domain.Metadata       `json:"metadata,omitempty"`
	DriverConfig  provider.DriverConfig `json:"driverConfig"`
	EnqueuedAt    time.Time             `json:"enqueuedAt"`
}

func (j SendJob) Validate() error {
	if strings.TrimSpace(j.Driver) == "" {
		return fmt.Errorf("driver is required")
	}
	if strings.TrimSpace(j.To) == "" {
		return fmt.Errorf("to is required")
	}
	return nil
}

type EventType string

const (
	EventMessageSent          EventType = "message.sent"
	EventMessageFailed        EventType = "message.failed"
	EventMessageReceived      EventType = "message.received"
	EventMessageStatusUpdated EventType = "message.status_updated"
)

// MessageEvent is published after a message is sent, fails, arrives, or
// changes status.
type MessageEvent struct {
	ID                string           `json:"id"`
	Type              EventType        `json:"type"`
	MessageID         string           `json:"messageId,omitempty"`
	Driver            string           `json:"driver"`
	Direction         domain.Direction `json:"direction"`
	Status            domain.Status    `json:"status"`
	ProviderMessageID string           `json:"providerMessageId,omitempty"`
	To                string           `json:"to,omitempty"`
	From              string           `json:"from,omitempty"`
	ErrorCode         string           `json:"errorCode,omitempty"`
	Metadata          domain.Metadata  `json:"metadata,omitempty"`
	OccurredAt        time.Time        `json:"occurredAt"`
}

// NewResultEvent describes a send outcome. messageID is empty when the
// result was not persisted.
func NewResultEvent(eventType EventType, messageID string, result domain.SentMessageResult, now time.Time) MessageEvent {
	return MessageEvent{
		ID:                uuid.NewString(),
		Type:              eventType,
		MessageID:         messageID,
		Driver:            result.Driver,
		Direction:         result.Direction,
		Status:            result.Status,
		ProviderMessageID: result.ProviderMessageID,
		To:                result.To,
		From:              result.From,
		ErrorCode:         result.ErrorCode,
		Metadata:          result.Metadata.Clone(),
		OccurredAt:        now.UTC(),
	}
}

// NewStoredMessageEvent describes a persisted message.
func NewStoredMessageEvent(eventType EventType, msg *domain.Message, now time.Time) MessageEvent {
	event := MessageEvent{
		ID:                uuid.NewString(),
		Type:              eventType,
		MessageID:         msg.ID,
		Driver:            msg.Driver,
		Direction:         msg.Direction,
		Status:            msg.Status,
		ProviderMessageID: msg.ProviderID(),
		To:                msg.To,
		From:              msg.From,
		Metadata:          msg.Metadata.Clone(),
		OccurredAt:        now.UTC(),
	}
	if msg.ErrorCode != nil {
		event.ErrorCode = *msg.ErrorCode
	}
	return event
}

// NewInboundEvent describes an inbound message that was not persisted.
func NewInboundEvent(result domain.WebhookResult, now time.Time) MessageEvent {
	return MessageEvent{
		ID:                uuid.NewString(),
		Type:              EventMessageReceived,
		Driver:            result.Driver,
		Direction:         domain.DirectionReceived,
		Status:            domain.StatusReceived,
		ProviderMessageID: result.ProviderMessageID,
		To:                result.To,
		From:              result.From,
		Metadata:          result.Metadata.Clone(),
		OccurredAt:        now.UTC(),
	}
}

func (e MessageEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	switch e.Type {
	case EventMessageSent, EventMessageFailed, EventMessageReceived, EventMessageStatusUpdated:
	default:
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	return nil
}
