package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/retry"
	"github.com/kursadbilgin/sms-dispatch/internal/statusmap"
	"go.uber.org/zap"
)

const DefaultTelnyxBaseURL = "https://api.telnyx.com/v2"

type telnyxSendRequest struct {
	To                 string   `json:"to"`
	From               string   `json:"from"`
	Text               string   `json:"text"`
	MessagingProfileID string   `json:"messaging_profile_id,omitempty"`
	MediaURLs          []string `json:"media_urls,omitempty"`
	WebhookURL         string   `json:"webhook_url,omitempty"`
}

type telnyxEnvelope struct {
	Data *telnyxMessage `json:"data"`
}

type telnyxMessage struct {
	ID    string          `json:"id"`
	To    json.RawMessage `json:"to"`
	Parts *int            `json:"parts"`
	Cost  *struct {
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
	} `json:"cost"`
}

// TelnyxSender sends through the Telnyx v2 messaging API.
type TelnyxSender struct {
	cfg    DriverConfig
	api    restCaller
	logger *zap.Logger
}

func NewTelnyxSender(cfg DriverConfig, policy retry.Policy, breaker *Breaker, logger *zap.Logger) (*TelnyxSender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, sendFailed(domain.DriverTelnyx, errors.New("telnyx api key missing"))
	}
	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TelnyxSender{
		cfg: cfg,
		api: restCaller{
			client:  newRestyClient(firstNonEmpty(cfg.BaseURL, DefaultTelnyxBaseURL), cfg.Timeout),
			policy:  policy,
			breaker: breaker,
		},
		logger: logger.With(zap.String("driver", domain.DriverTelnyx)),
	}, nil
}

func (s *TelnyxSender) Name() string { return domain.DriverTelnyx }

func (s *TelnyxSender) Send(ctx context.Context, req SendRequest) (domain.SentMessageResult, error) {
	from := firstNonEmpty(req.From, s.cfg.FromNumber)
	profileID := strings.TrimSpace(s.cfg.MessagingProfileID)
	if from == "" || profileID == "" {
		return domain.SentMessageResult{}, sendFailed(domain.DriverTelnyx, errors.New("telnyx from number or messaging profile not configured"))
	}

	payload := telnyxSendRequest{
		To:                 req.To,
		From:               from,
		Text:               req.Body,
		MessagingProfileID: profileID,
		MediaURLs:          req.MediaURLs,
		WebhookURL:         firstNonEmpty(req.Metadata.String(domain.MetaWebhookURL), s.cfg.WebhookURL),
	}

	body, err := s.api.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetAuthToken(s.cfg.APIKey).
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			Post("/messages")
	})
	if err != nil {
		s.logger.Error("telnyx send failed", zap.String("to", req.To), zap.Error(err))
		return domain.SentMessageResult{}, sendFailed(domain.DriverTelnyx, err)
	}

	var envelope telnyxEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.SentMessageResult{}, sendFailed(domain.DriverTelnyx, fmt.Errorf("decode telnyx response: %w", err))
	}

	metadata := req.Metadata.Clone()
	var providerID, rawStatus string
	if data := envelope.Data; data != nil {
		providerID = data.ID
		rawStatus = recipientStatus(data.To)
		if rawStatus != "" {
			metadata[domain.MetaTelnyxRawStatus] = rawStatus
		}
		if data.Parts != nil {
			metadata[domain.MetaTelnyxParts] = *data.Parts
		}
		if data.Cost != nil && data.Cost.Amount != "" {
			metadata[domain.MetaTelnyxCostAmount] = data.Cost.Amount.String()
			metadata[domain.MetaTelnyxCostCurrency] = firstNonEmpty(data.Cost.Currency, "USD")
		}
	}

	status := statusmap.Map(domain.DriverTelnyx, rawStatus, "")
	result := domain.NewSentMessageResult(domain.DriverTelnyx, req.To, from, req.Body, req.MediaURLs, metadata, status, providerID)
	s.logger.Info("telnyx message sent",
		zap.String("id", result.ProviderMessageID),
		zap.String("status", status.String()),
		zap.String("to", req.To),
	)
	return result, nil
}

func (s *TelnyxSender) FetchStatus(ctx context.Context, providerMessageID string, _ ...string) (domain.Status, bool, error) {
	body, err := s.api.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetAuthToken(s.cfg.APIKey).
			SetPathParam("id", providerMessageID).
			Get("/messages/{id}")
	})
	if err != nil {
		return "", false, fmt.Errorf("telnyx fetch status: %w", err)
	}

	var envelope telnyxEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", false, fmt.Errorf("decode telnyx message: %w", err)
	}
	if envelope.Data == nil {
		return "", false, nil
	}

	raw := recipientStatus(envelope.Data.To)
	if raw == "" {
		return "", false, nil
	}
	return statusmap.Map(domain.DriverTelnyx, raw, ""), true, nil
}

// recipientStatus reads the status from either a recipient object or the
// first element of a recipient list.
func recipientStatus(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var single struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.Status != "" {
		return strings.TrimSpace(single.Status)
	}

	var list []struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Status)
	}
	return ""
}
