package domain

import (
	"fmt"
	"strings"
	"time"
)

// Message is the persisted record of one sent or received SMS/MMS.
type Message struct {
	ID                string
	Direction         Direction
	Driver            string
	From              string
	To                string
	Body              string
	MediaURLs         []string
	Status            Status
	ProviderMessageID *string
	ErrorCode         *string
	SegmentsCount     *int
	CostEstimate      *float64
	Metadata          Metadata
	SentAt            *time.Time
	ReceivedAt        *time.Time
	StatusUpdatedAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasProviderMessageID reports whether the provider correlation id is set.
func (m *Message) HasProviderMessageID() bool {
	return m != nil && m.ProviderMessageID != nil && strings.TrimSpace(*m.ProviderMessageID) != ""
}

func (m *Message) ProviderID() string {
	if !m.HasProviderMessageID() {
		return ""
	}
	return strings.TrimSpace(*m.ProviderMessageID)
}

// SentMessageResult is the outcome of one send attempt.
type SentMessageResult struct {
	Driver            string    `json:"driver"`
	Direction         Direction `json:"direction"`
	To                string    `json:"to"`
	From              string    `json:"from"`
	Body              string    `json:"body"`
	MediaURLs         []string  `json:"mediaUrls,omitempty"`
	Metadata          Metadata  `json:"metadata,omitempty"`
	Status            Status    `json:"status"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	ErrorCode         string    `json:"errorCode,omitempty"`
}

// NewSentMessageResult copies slices and metadata so the result cannot be
// mutated through the caller's references.
func NewSentMessageResult(
	driver string,
	to string,
	from string,
	body string,
	mediaURLs []string,
	metadata Metadata,
	status Status,
	providerMessageID string,
) SentMessageResult {
	return SentMessageResult{
		Driver:            NormalizeDriver(driver),
		Direction:         DirectionSent,
		To:                to,
		From:              from,
		Body:              body,
		MediaURLs:         append([]string(nil), mediaURLs...),
		Metadata:          metadata.Clone(),
		Status:            status,
		ProviderMessageID: strings.TrimSpace(providerMessageID),
	}
}

// WithFailure returns a Failed copy carrying errorCode.
func (r SentMessageResult) WithFailure(errorCode string) SentMessageResult {
	out := r
	out.MediaURLs = append([]string(nil), r.MediaURLs...)
	out.Metadata = r.Metadata.Clone()
	out.Status = StatusFailed
	out.ProviderMessageID = ""
	out.ErrorCode = errorCode
	return out
}

func (r SentMessageResult) HasProviderMessageID() bool {
	return strings.TrimSpace(r.ProviderMessageID) != ""
}

// WebhookKind separates inbound messages from status updates.
type WebhookKind string

const (
	WebhookInbound WebhookKind = "inbound"
	WebhookStatus  WebhookKind = "status"
)

// WebhookResult is the parsed outcome of a provider webhook. It is either an
// inbound message or a status update, never both.
type WebhookResult struct {
	Kind              WebhookKind
	Driver            string
	Direction         Direction
	From              string
	To                string
	Body              string
	MediaURLs         []string
	Metadata          Metadata
	ProviderMessageID string
	Status            Status
}

func NewInboundWebhookResult(
	driver string,
	from string,
	to string,
	body string,
	mediaURLs []string,
	metadata Metadata,
	providerMessageID string,
) WebhookResult {
	return WebhookResult{
		Kind:              WebhookInbound,
		Driver:            NormalizeDriver(driver),
		Direction:         DirectionReceived,
		From:              from,
		To:                to,
		Body:              body,
		MediaURLs:         append([]string(nil), mediaURLs...),
		Metadata:          metadata.Clone(),
		ProviderMessageID: strings.TrimSpace(providerMessageID),
		Status:            StatusReceived,
	}
}

func NewStatusWebhookResult(driver string, providerMessageID string, status Status, metadata Metadata) WebhookResult {
	return WebhookResult{
		Kind:              WebhookStatus,
		Driver:            NormalizeDriver(driver),
		Direction:         DirectionSent,
		Metadata:          metadata.Clone(),
		ProviderMessageID: strings.TrimSpace(providerMessageID),
		Status:            status,
	}
}

func (r WebhookResult) IsInbound() bool { return r.Kind == WebhookInbound }

func (r WebhookResult) Validate() error {
	switch r.Kind {
	case WebhookInbound:
		if strings.TrimSpace(r.From) == "" {
			return fmt.Errorf("%w: inbound from number is required", ErrValidation)
		}
		if strings.TrimSpace(r.To) == "" {
			return fmt.Errorf("%w: inbound to number is required", ErrValidation)
		}
	case WebhookStatus:
		if r.ProviderMessageID == "" {
			return fmt.Errorf("%w: provider message id is required", ErrValidation)
		}
		if !r.Status.IsValid() {
			return fmt.Errorf("%w: invalid status %q", ErrValidation, r.Status)
		}
	default:
		return fmt.Errorf("%w: unknown webhook kind %q", ErrValidation, r.Kind)
	}
	return nil
}
