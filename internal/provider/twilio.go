package provider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/retry"
	"github.com/kursadbilgin/sms-dispatch/internal/statusmap"
	"go.uber.org/zap"
)

const (
	DefaultTwilioBaseURL              = "https://api.twilio.com/2010-04-01"
	DefaultTwilioConversationsBaseURL = "https://conversations.twilio.com/v1"

	defaultConversationPrefix  = "sms"
	twilioDuplicateParticipant = "50416"
)

var conversationSIDPattern = regexp.MustCompile(`CH[0-9a-fA-F]{32}`)

type twilioMessage struct {
	SID         string `json:"sid"`
	Status      string `json:"status"`
	NumSegments string `json:"num_segments"`
	ErrorCode   *int   `json:"error_code"`
}

type twilioConversationMessage struct {
	SID      string          `json:"sid"`
	Status   string          `json:"status"`
	Delivery json.RawMessage `json:"delivery"`
}

// TwilioSender sends through the Programmable Messaging API, or through the
// Conversations API when UseConversations is set.
type TwilioSender struct {
	cfg           DriverConfig
	messaging     restCaller
	conversations restCaller
	logger        *zap.Logger
}

func NewTwilioSender(cfg DriverConfig, policy retry.Policy, breaker *Breaker, logger *zap.Logger) (*TwilioSender, error) {
	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return nil, err
	}
	if err := validateBaseURL(cfg.ConversationsBaseURL); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TwilioSender{
		cfg: cfg,
		messaging: restCaller{
			client:  newRestyClient(firstNonEmpty(cfg.BaseURL, DefaultTwilioBaseURL), cfg.Timeout),
			policy:  policy,
			breaker: breaker,
		},
		conversations: restCaller{
			client:  newRestyClient(firstNonEmpty(cfg.ConversationsBaseURL, DefaultTwilioConversationsBaseURL), cfg.Timeout),
			policy:  policy,
			breaker: breaker,
		},
		logger: logger.With(zap.String("driver", domain.DriverTwilio)),
	}, nil
}

func (s *TwilioSender) Name() string { return domain.DriverTwilio }

func (s *TwilioSender) Send(ctx context.Context, req SendRequest) (domain.SentMessageResult, error) {
	accountSID := strings.TrimSpace(s.cfg.AccountSID)
	authToken := strings.TrimSpace(s.cfg.AuthToken)
	if accountSID == "" || authToken == "" {
		return domain.SentMessageResult{}, sendFailed(domain.DriverTwilio, errors.New("twilio credentials not configured"))
	}

	from := firstNonEmpty(req.From, s.cfg.FromNumber)
	if from == "" {
		return domain.SentMessageResult{}, sendFailed(domain.DriverTwilio, errors.New("twilio from number not configured"))
	}

	if s.cfg.ConversationsEnabled() {
		return s.sendViaConversations(ctx, req, from)
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", from)
	form.Set("Body", req.Body)
	for _, mediaURL := range req.MediaURLs {
		form.Add("MediaUrl", mediaURL)
	}
	if sid := strings.TrimSpace(s.cfg.MessagingServiceSID); sid != "" {
		form.Set("MessagingServiceSid", sid)
	}
	if callback := firstNonEmpty(req.Metadata.String(domain.MetaWebhookURL), s.cfg.StatusCallbackURL); callback != "" {
		form.Set("StatusCallback", callback)
	}

	body, err := s.messaging.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBasicAuth(accountSID, authToken).
			SetFormDataFromValues(form).
			SetPathParam("accountSid", accountSID).
			Post("/Accounts/{accountSid}/Messages.json")
	})
	if err != nil {
		s.logger.Error("twilio send failed", zap.String("to", req.To), zap.Error(err))
		return domain.SentMessageResult{}, sendFailed(domain.DriverTwilio, err)
	}

	var message twilioMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return domain.SentMessageResult{}, sendFailed(domain.DriverTwilio, fmt.Errorf("decode twilio response: %w", err))
	}

	metadata := req.Metadata.Clone()
	if message.Status != "" {
		metadata[domain.MetaTwilioStatus] = message.Status
	}
	if message.NumSegments != "" {
		metadata[domain.MetaTwilioNumSegments] = message.NumSegments
	}

	result := domain.NewSentMessageResult(domain.DriverTwilio, req.To, from, req.Body, req.MediaURLs, metadata, domain.StatusSent, message.SID)
	s.logger.Info("twilio message sent", zap.String("sid", result.ProviderMessageID), zap.String("to", req.To))
	return result, nil
}

func (s *TwilioSender) sendViaConversations(ctx context.Context, req SendRequest, from string) (domain.SentMessageResult, error) {
	conversationSID, err := s.createConversation(ctx, req.To)
	if err != nil {
		return domain.SentMessageResult{}, sendFailed(domain.DriverTwilio, fmt.Errorf("create conversation: %w", err))
	}

	reused := false
	if err := s.addParticipant(ctx, conversationSID, req.To, from); err != nil {
		existing := duplicateConversationSID(err)
		if existing == "" {
			return domain.SentMessageResult{}, sendFailed(domain.DriverTwilio, fmt.Errorf("add participant: %w", err))
		}
		if existing != conversationSID {
			if delErr := s.deleteConversation(ctx, conversationSID); delErr != nil {
				s.logger.Warn("failed to delete unused conversation",
					zap.String("conversationSid", conversationSID),
					zap.Error(delErr),
				)
			}
			conversationSID = existing
			reused = true
		}
	}

	form := url.Values{}
	form.Set("Author", from)
	form.Set("Body", req.Body)

	body, err := s.conversations.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken).
			SetFormDataFromValues(form).
			SetPathParam("conversationSid", conversationSID).
			Post("/Conversations/{conversationSid}/Messages")
	})
	if err != nil {
		s.logger.Error("twilio conversation send failed", zap.String("conversationSid", conversationSID), zap.Error(err))
		return domain.SentMessageResult{}, sendFailed(domain.DriverTwilio, err)
	}

	var message twilioConversationMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return domain.SentMessageResult{}, sendFailed(domain.DriverTwilio, fmt.Errorf("decode conversation message: %w", err))
	}

	metadata := req.Metadata.Merge(domain.Metadata{
		domain.MetaConversationSID: conversationSID,
		"conversation_reused":      reused,
	})

	result := domain.NewSentMessageResult(domain.DriverTwilio, req.To, from, req.Body, req.MediaURLs, metadata, domain.StatusSent, message.SID)
	s.logger.Info("twilio conversation message sent",
		zap.String("sid", result.ProviderMessageID),
		zap.String("conversationSid", conversationSID),
		zap.Bool("reused", reused),
	)
	return result, nil
}

func (s *TwilioSender) createConversation(ctx context.Context, to string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate conversation name: %w", err)
	}
	prefix := firstNonEmpty(s.cfg.ConversationPrefix, defaultConversationPrefix)
	friendlyName := fmt.Sprintf("%s-%s-%s", prefix, to, hex.EncodeToString(suffix))

	body, err := s.conversations.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken).
			SetFormData(map[string]string{"FriendlyName": friendlyName}).
			Post("/Conversations")
	})
	if err != nil {
		return "", err
	}

	var created struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("decode conversation: %w", err)
	}
	if created.SID == "" {
		return "", errors.New("conversation created without sid")
	}
	return created.SID, nil
}

func (s *TwilioSender) addParticipant(ctx context.Context, conversationSID string, address string, proxy string) error {
	_, err := s.conversations.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken).
			SetFormData(map[string]string{
				"MessagingBinding.Address":      address,
				"MessagingBinding.ProxyAddress": proxy,
			}).
			SetPathParam("conversationSid", conversationSID).
			Post("/Conversations/{conversationSid}/Participants")
	})
	return err
}

func (s *TwilioSender) deleteConversation(ctx context.Context, conversationSID string) error {
	_, err := s.conversations.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken).
			SetPathParam("conversationSid", conversationSID).
			Delete("/Conversations/{conversationSid}")
	})
	return err
}

// duplicateConversationSID extracts the existing conversation from Twilio's
// duplicate participant error, or returns "".
func duplicateConversationSID(err error) string {
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || providerErr.Code != twilioDuplicateParticipant {
		return ""
	}
	return conversationSIDPattern.FindString(providerErr.Message)
}

// FetchStatus reads the current status. When a conversation sid is passed and
// conversations are enabled, the conversation message is consulted first.
func (s *TwilioSender) FetchStatus(ctx context.Context, providerMessageID string, extra ...string) (domain.Status, bool, error) {
	if len(extra) > 0 && s.cfg.ConversationsEnabled() {
		if conversationSID := strings.TrimSpace(extra[0]); conversationSID != "" {
			raw, err := s.fetchConversationStatus(ctx, conversationSID, providerMessageID)
			if err != nil {
				s.logger.Warn("twilio conversation status lookup failed, falling back",
					zap.String("sid", providerMessageID),
					zap.String("conversationSid", conversationSID),
					zap.Error(err),
				)
			}
			if raw != "" {
				return statusmap.Map(domain.DriverTwilio, raw, ""), true, nil
			}
		}
	}

	body, err := s.messaging.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken).
			SetPathParams(map[string]string{
				"accountSid": s.cfg.AccountSID,
				"messageSid": providerMessageID,
			}).
			Get("/Accounts/{accountSid}/Messages/{messageSid}.json")
	})
	if err != nil {
		return "", false, fmt.Errorf("twilio fetch status: %w", err)
	}

	var message twilioMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return "", false, fmt.Errorf("decode twilio message: %w", err)
	}
	if strings.TrimSpace(message.Status) == "" {
		return "", false, nil
	}
	return statusmap.Map(domain.DriverTwilio, message.Status, ""), true, nil
}

func (s *TwilioSender) fetchConversationStatus(ctx context.Context, conversationSID string, messageSID string) (string, error) {
	body, err := s.conversations.call(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken).
			SetPathParams(map[string]string{
				"conversationSid": conversationSID,
				"messageSid":      messageSID,
			}).
			Get("/Conversations/{conversationSid}/Messages/{messageSid}")
	})
	if err != nil {
		return "", err
	}

	var message twilioConversationMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return "", fmt.Errorf("decode conversation message: %w", err)
	}
	return conversationRawStatus(message), nil
}

func conversationRawStatus(message twilioConversationMessage) string {
	if status := strings.TrimSpace(message.Status); status != "" {
		return status
	}
	if len(message.Delivery) == 0 {
		return ""
	}

	var delivery struct {
		DeliveryStatus string `json:"deliveryStatus"`
		Status         string `json:"status"`
		State          string `json:"state"`
		Receipts       []struct {
			Status string `json:"status"`
		} `json:"receipts"`
	}
	if err := json.Unmarshal(message.Delivery, &delivery); err != nil {
		return ""
	}
	if status := firstNonEmpty(delivery.DeliveryStatus, delivery.Status, delivery.State); status != "" {
		return status
	}
	for _, receipt := range delivery.Receipts {
		if status := strings.TrimSpace(receipt.Status); status != "" {
			return status
		}
	}
	return ""
}
