package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/statusmap"
)

// TwilioSignatureHeader carries the request signature on Twilio callbacks.
const TwilioSignatureHeader = "X-Twilio-Signature"

const (
	twilioEventMessageAdded   = "onMessageAdded"
	twilioEventMessageUpdated = "onMessageUpdated"
)

// TwilioParser handles Twilio Messaging status callbacks, classic inbound
// messages and Conversations message events.
type TwilioParser struct {
	authToken  string
	fromNumber string
}

func NewTwilioParser(authToken string, fromNumber string) *TwilioParser {
	return &TwilioParser{
		authToken:  strings.TrimSpace(authToken),
		fromNumber: strings.TrimSpace(fromNumber),
	}
}

// Verify checks signature against fullURL and the posted form params.
func (p *TwilioParser) Verify(fullURL string, params url.Values, signature string) error {
	if p.authToken == "" {
		return fmt.Errorf("%w: twilio auth token not configured", ErrInvalidSignature)
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, TwilioSignatureHeader)
	}

	expected := TwilioSignature(p.authToken, fullURL, params)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// TwilioSignature computes base64(HMAC-SHA1(token, url + sorted key/value pairs)).
func TwilioSignature(authToken string, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var data strings.Builder
	data.WriteString(fullURL)
	for _, key := range keys {
		for _, value := range params[key] {
			data.WriteString(key)
			data.WriteString(value)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Parse turns posted form params into a webhook result. Status callbacks are
// checked first, then Conversations events, then classic inbound messages.
func (p *TwilioParser) Parse(params url.Values) (domain.WebhookResult, error) {
	rawStatus := strings.TrimSpace(params.Get("MessageStatus"))
	messageSID := strings.TrimSpace(params.Get("MessageSid"))
	if rawStatus != "" && messageSID != "" {
		return p.parseStatus(params, rawStatus, messageSID), nil
	}

	if eventType := strings.TrimSpace(params.Get("EventType")); eventType != "" {
		return p.parseConversationEvent(params, eventType)
	}

	return p.parseInbound(params)
}

func (p *TwilioParser) parseStatus(params url.Values, rawStatus string, messageSID string) domain.WebhookResult {
	metadata := domain.Metadata{domain.MetaTwilioStatus: rawStatus}
	if code := strings.TrimSpace(params.Get("ErrorCode")); code != "" {
		metadata["error_code"] = code
	}
	if segments := strings.TrimSpace(params.Get("NumSegments")); segments != "" {
		metadata[domain.MetaTwilioNumSegments] = segments
	}

	status := statusmap.Map(domain.DriverTwilio, rawStatus, "")
	return domain.NewStatusWebhookResult(domain.DriverTwilio, messageSID, status, metadata)
}

func (p *TwilioParser) parseConversationEvent(params url.Values, eventType string) (domain.WebhookResult, error) {
	if eventType != twilioEventMessageAdded && eventType != twilioEventMessageUpdated {
		return domain.WebhookResult{}, fmt.Errorf("%w: twilio conversation event %q", ErrUnsupportedEvent, eventType)
	}

	author := strings.TrimSpace(params.Get("Author"))
	if author == "" {
		return domain.WebhookResult{}, invalidPayload("twilio payload missing author phone number")
	}

	// The business number is the recipient; fall back to the author when no
	// number is configured.
	to := p.fromNumber
	if to == "" {
		to = author
	}

	media, err := conversationMedia(params.Get("Media"))
	if err != nil {
		return domain.WebhookResult{}, err
	}

	metadata := domain.Metadata{
		domain.MetaConversationSID: strings.TrimSpace(params.Get("ConversationSid")),
		"event_type":               eventType,
	}

	return domain.NewInboundWebhookResult(
		domain.DriverTwilio,
		author,
		to,
		params.Get("Body"),
		media,
		metadata,
		params.Get("MessageSid"),
	), nil
}

func (p *TwilioParser) parseInbound(params url.Values) (domain.WebhookResult, error) {
	from := strings.TrimSpace(params.Get("From"))
	if from == "" {
		return domain.WebhookResult{}, invalidPayload("twilio payload missing from phone number")
	}
	to := strings.TrimSpace(params.Get("To"))
	if to == "" {
		return domain.WebhookResult{}, invalidPayload("twilio payload missing to phone number")
	}

	numMedia, _ := strconv.Atoi(strings.TrimSpace(params.Get("NumMedia")))
	media := make([]string, 0, numMedia)
	for i := 0; i < numMedia; i++ {
		if mediaURL := strings.TrimSpace(params.Get(fmt.Sprintf("MediaUrl%d", i))); mediaURL != "" {
			media = append(media, mediaURL)
		}
	}

	messageSID := params.Get("MessageSid")
	if messageSID == "" {
		messageSID = params.Get("SmsMessageSid")
	}

	return domain.NewInboundWebhookResult(domain.DriverTwilio, from, to, params.Get("Body"), media, nil, messageSID), nil
}

// conversationMedia reads the JSON Media parameter of Conversations events.
func conversationMedia(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, invalidPayload("twilio media is not valid JSON: %v", err)
	}

	media := make([]string, 0, len(items))
	for _, item := range items {
		if mediaURL, ok := item["Url"].(string); ok && strings.TrimSpace(mediaURL) != "" {
			media = append(media, mediaURL)
		}
	}
	return media, nil
}
