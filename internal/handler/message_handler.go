package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/service"
)

type MessageSender interface {
	Send(ctx context.Context, to string, body string, opts service.SendOptions) (service.SendOutcome, error)
}

type MessageReader interface {
	GetByID(ctx context.Context, id string) (*domain.Message, error)
}

type MessageHandler struct {
	sender   MessageSender
	messages MessageReader
}

func NewMessageHandler(sender MessageSender, messages MessageReader) (*MessageHandler, error) {
	if sender == nil {
		return nil, fmt.Errorf("message sender is required")
	}
	if messages == nil {
		return nil, fmt.Errorf("message reader is required")
	}
	return &MessageHandler{sender: sender, messages: messages}, nil
}

func RegisterMessageRoutes(router fiber.Router, sender MessageSender, messages MessageReader) error {
	h, err := NewMessageHandler(sender, messages)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages", h.SendMessage)
	v1.Get("/messages/:id", h.GetMessage)

	return nil
}

type sendMessageRequest struct {
	To        string          `json:"to"`
	Body      string          `json:"body"`
	From      string          `json:"from"`
	MediaURLs []string        `json:"mediaUrls"`
	Metadata  domain.Metadata `json:"metadata"`
	Driver    string          `json:"driver"`
}

type sendMessageResponse struct {
	ID                string          `json:"id,omitempty"`
	Driver            string          `json:"driver"`
	Direction         string          `json:"direction"`
	To                string          `json:"to"`
	From              string          `json:"from,omitempty"`
	Body              string          `json:"body"`
	MediaURLs         []string        `json:"mediaUrls,omitempty"`
	Status            string          `json:"status"`
	ProviderMessageID string          `json:"providerMessageId,omitempty"`
	ErrorCode         string          `json:"errorCode,omitempty"`
	Metadata          domain.Metadata `json:"metadata,omitempty"`
}

type messageResponse struct {
	ID                string          `json:"id"`
	Driver            string          `json:"driver"`
	Direction         string          `json:"direction"`
	To                string          `json:"to"`
	From              string          `json:"from,omitempty"`
	Body              string          `json:"body"`
	MediaURLs         []string        `json:"mediaUrls,omitempty"`
	Status            string          `json:"status"`
	ProviderMessageID *string         `json:"providerMessageId,omitempty"`
	ErrorCode         *string         `json:"errorCode,omitempty"`
	SegmentsCount     *int            `json:"segmentsCount,omitempty"`
	CostEstimate      *float64        `json:"costEstimate,omitempty"`
	Metadata          domain.Metadata `json:"metadata,omitempty"`
	SentAt            *time.Time      `json:"sentAt,omitempty"`
	ReceivedAt        *time.Time      `json:"receivedAt,omitempty"`
	StatusUpdatedAt   *time.Time      `json:"statusUpdatedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// SendMessage answers 202 when the message was deferred to the worker and
// 200 when the provider was called in-line.
func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return toHTTPError(err)
	}

	ctx := observability.WithCorrelationID(c.UserContext(), requestCorrelationID(c))
	outcome, err := h.sender.Send(ctx, strings.TrimSpace(req.To), req.Body, service.SendOptions{
		From:      req.From,
		MediaURLs: req.MediaURLs,
		Metadata:  req.Metadata,
		Driver:    req.Driver,
	})
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusOK
	if outcome.Result.Status == domain.StatusQueued && !outcome.Result.HasProviderMessageID() {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(toSendMessageResponse(outcome))
}

func (h *MessageHandler) GetMessage(c *fiber.Ctx) error {
	msg, err := h.messages.GetByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toMessageResponse(msg))
}

func (r sendMessageRequest) validate() error {
	if strings.TrimSpace(r.To) == "" {
		return fmt.Errorf("%w: to is required", domain.ErrValidation)
	}
	if strings.TrimSpace(r.Body) == "" && len(r.MediaURLs) == 0 {
		return fmt.Errorf("%w: body or mediaUrls is required", domain.ErrValidation)
	}
	for _, u := range r.MediaURLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("%w: mediaUrls must not contain empty values", domain.ErrValidation)
		}
	}
	return nil
}

func toSendMessageResponse(outcome service.SendOutcome) sendMessageResponse {
	result := outcome.Result
	return sendMessageResponse{
		ID:                outcome.MessageID,
		Driver:            result.Driver,
		Direction:         result.Direction.String(),
		To:                result.To,
		From:              result.From,
		Body:              result.Body,
		MediaURLs:         result.MediaURLs,
		Status:            result.Status.String(),
		ProviderMessageID: result.ProviderMessageID,
		ErrorCode:         result.ErrorCode,
		Metadata:          result.Metadata,
	}
}

func toMessageResponse(m *domain.Message) messageResponse {
	return messageResponse{
		ID:                m.ID,
		Driver:            m.Driver,
		Direction:         m.Direction.String(),
		To:                m.To,
		From:              m.From,
		Body:              m.Body,
		MediaURLs:         m.MediaURLs,
		Status:            m.Status.String(),
		ProviderMessageID: m.ProviderMessageID,
		ErrorCode:         m.ErrorCode,
		SegmentsCount:     m.SegmentsCount,
		CostEstimate:      m.CostEstimate,
		Metadata:          m.Metadata,
		SentAt:            m.SentAt,
		ReceivedAt:        m.ReceivedAt,
		StatusUpdatedAt:   m.StatusUpdatedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
