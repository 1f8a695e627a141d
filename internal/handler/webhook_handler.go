package handler

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/webhook"
	"go.uber.org/zap"
)

// WebhookSecretHeader carries the optional shared secret on provider callbacks.
const WebhookSecretHeader = "X-Sms-Webhook-Secret"

const defaultWebhookRateLimitPerMin = 60

type WebhookProcessor interface {
	Handle(ctx context.Context, result domain.WebhookResult) (*domain.Message, error)
}

type WebhookConfig struct {
	Secret           string
	RateLimitPerMin  int
	VerifySignatures bool
	// PublicBaseURL replaces the request's scheme and host when rebuilding
	// the URL Twilio signed, e.g. behind a TLS-terminating proxy.
	PublicBaseURL    string
}

type WebhookHandler struct {
	processor WebhookProcessor
	twilio    *webhook.TwilioParser
	telnyx    *webhook.TelnyxParser
	cfg       WebhookConfig
	logger    *zap.Logger
}

func NewWebhookHandler(
	processor WebhookProcessor,
	twilio *webhook.TwilioParser,
	telnyx *webhook.TelnyxParser,
	cfg WebhookConfig,
	logger *zap.Logger,
) (*WebhookHandler, error) {
	if processor == nil {
		return nil, fmt.Errorf("webhook processor is required")
	}
	if twilio == nil || telnyx == nil {
		return nil, fmt.Errorf("webhook parsers are required")
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = defaultWebhookRateLimitPerMin
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookHandler{
		processor: processor,
		twilio:    twilio,
		telnyx:    telnyx,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

func RegisterWebhookRoutes(router fiber.Router, h *WebhookHandler) {
	hooks := router.Group("/v1/webhooks", h.rateLimit(), h.requireSecret)
	hooks.Post("/twilio", h.Twilio)
	hooks.Post("/telnyx", h.Telnyx)
}

func (h *WebhookHandler) rateLimit() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        h.cfg.RateLimitPerMin,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests",
			})
		},
	})
}

func (h *WebhookHandler) requireSecret(c *fiber.Ctx) error {
	if h.cfg.Secret == "" {
		return c.Next()
	}
	provided := c.Get(WebhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.cfg.Secret)) != 1 {
		return fiber.NewError(fiber.StatusForbidden, "invalid webhook secret")
	}
	return c.Next()
}

func (h *WebhookHandler) Twilio(c *fiber.Ctx) error {
	params, err := url.ParseQuery(string(c.Body()))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid form body")
	}

	if h.cfg.VerifySignatures {
		if err := h.twilio.Verify(h.signedURL(c), params, c.Get(webhook.TwilioSignatureHeader)); err != nil {
			h.logger.Warn("twilio webhook signature rejected", zap.String("ip", c.IP()), zap.Error(err))
			return toHTTPError(err)
		}
	}

	result, err := h.twilio.Parse(params)
	if err != nil {
		return toHTTPError(err)
	}
	return h.process(c, result)
}

func (h *WebhookHandler) Telnyx(c *fiber.Ctx) error {
	body := c.Body()

	if h.cfg.VerifySignatures {
		err := h.telnyx.Verify(body, c.Get(webhook.TelnyxSignatureHeader), c.Get(webhook.TelnyxTimestampHeader))
		if err != nil {
			h.logger.Warn("telnyx webhook signature rejected", zap.String("ip", c.IP()), zap.Error(err))
			return toHTTPError(err)
		}
	}

	result, err := h.telnyx.Parse(body)
	if err != nil {
		return toHTTPError(err)
	}
	return h.process(c, result)
}

func (h *WebhookHandler) process(c *fiber.Ctx, result domain.WebhookResult) error {
	msg, err := h.processor.Handle(c.UserContext(), result)
	if err != nil {
		return toHTTPError(err)
	}

	resp := fiber.Map{
		"status": "processed",
		"kind":   string(result.Kind),
	}
	if msg != nil {
		resp["messageId"] = msg.ID
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *WebhookHandler) signedURL(c *fiber.Ctx) string {
	if base := strings.TrimRight(strings.TrimSpace(h.cfg.PublicBaseURL), "/"); base != "" {
		return base + c.OriginalURL()
	}
	return c.BaseURL() + c.OriginalURL()
}
