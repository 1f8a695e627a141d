package webhook

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/statusmap"
)

const (
	TelnyxSignatureHeader = "Telnyx-Signature-Ed25519"
	TelnyxTimestampHeader = "Telnyx-Signature-Timestamp"

	telnyxEventReceived = "message.received"
	telnyxInbound       = "inbound"

	defaultTelnyxTolerance = 5 * time.Minute
)

type telnyxEnvelope struct {
	Data struct {
		EventType  string          `json:"event_type"`
		RecordType string          `json:"record_type"`
		Payload    json.RawMessage `json:"payload"`
	} `json:"data"`
}

type telnyxPayload struct {
	ID         string            `json:"id"`
	MessageID  string            `json:"message_id"`
	RecordType string            `json:"record_type"`
	Direction  string            `json:"direction"`
	Status     string            `json:"status"`
	Text       string            `json:"text"`
	From       telnyxEndpoint    `json:"from"`
	To         telnyxRecipients  `json:"to"`
	Media      []telnyxMedia     `json:"media"`
	Errors     []json.RawMessage `json:"errors"`
}

type telnyxEndpoint struct {
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
	Carrier     string `json:"carrier"`
}

type telnyxMedia struct {
	URL string `json:"url"`
}

// telnyxRecipients accepts `to` as either an array or a single object.
type telnyxRecipients []telnyxEndpoint

func (r *telnyxRecipients) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*r = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var single telnyxEndpoint
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*r = telnyxRecipients{single}
		return nil
	}
	var many []telnyxEndpoint
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*r = many
	return nil
}

// TelnyxParser handles Telnyx messaging webhooks.
type TelnyxParser struct {
	publicKey ed25519.PublicKey
	tolerance time.Duration
	now       func() time.Time
}

// NewTelnyxParser accepts the base64 encoded Ed25519 public key from the
// Telnyx portal. An empty key yields a parser that rejects every signature.
func NewTelnyxParser(publicKey string) (*TelnyxParser, error) {
	p := &TelnyxParser{tolerance: defaultTelnyxTolerance, now: time.Now}

	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return p, nil
	}

	key, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		key = []byte(publicKey)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid telnyx public key length %d", len(key))
	}
	p.publicKey = ed25519.PublicKey(key)
	return p, nil
}

// Verify checks the Ed25519 signature over timestamp + "." + body and
// rejects timestamps outside the replay tolerance.
func (p *TelnyxParser) Verify(body []byte, signature string, timestamp string) error {
	if len(p.publicKey) == 0 {
		return fmt.Errorf("%w: telnyx public key not configured", ErrInvalidSignature)
	}

	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: telnyx signature headers missing", ErrInvalidSignature)
	}

	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	age := p.now().Sub(time.Unix(seconds, 0))
	if age < 0 {
		age = -age
	}
	if p.tolerance > 0 && age > p.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: unable to decode signature", ErrInvalidSignature)
	}

	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, body...)
	if !ed25519.Verify(p.publicKey, signed, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Parse turns a raw JSON webhook body into a webhook result.
func (p *TelnyxParser) Parse(body []byte) (domain.WebhookResult, error) {
	var envelope telnyxEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.WebhookResult{}, invalidPayload("telnyx payload is not valid JSON: %v", err)
	}

	raw := strings.TrimSpace(string(envelope.Data.Payload))
	if raw == "" || raw == "null" || !strings.HasPrefix(raw, "{") {
		return domain.WebhookResult{}, invalidPayload("telnyx payload missing message data")
	}

	var payload telnyxPayload
	if err := json.Unmarshal(envelope.Data.Payload, &payload); err != nil {
		return domain.WebhookResult{}, invalidPayload("telnyx message data malformed: %v", err)
	}

	eventType := strings.ToLower(strings.TrimSpace(envelope.Data.EventType))
	if eventType == telnyxEventReceived || strings.EqualFold(strings.TrimSpace(payload.Direction), telnyxInbound) {
		return parseTelnyxInbound(payload, eventType)
	}
	return parseTelnyxStatus(payload, eventType)
}

func parseTelnyxInbound(payload telnyxPayload, eventType string) (domain.WebhookResult, error) {
	from := strings.TrimSpace(payload.From.PhoneNumber)
	if from == "" {
		return domain.WebhookResult{}, invalidPayload("telnyx payload missing from phone number")
	}
	to := ""
	if len(payload.To) > 0 {
		to = strings.TrimSpace(payload.To[0].PhoneNumber)
	}
	if to == "" {
		return domain.WebhookResult{}, invalidPayload("telnyx payload missing to phone number")
	}

	media := make([]string, 0, len(payload.Media))
	for _, item := range payload.Media {
		if u := strings.TrimSpace(item.URL); u != "" {
			media = append(media, u)
		}
	}

	metadata := domain.Metadata{}
	if eventType != "" {
		metadata["event_type"] = eventType
	}
	if payload.RecordType != "" {
		metadata["record_type"] = payload.RecordType
	}

	return domain.NewInboundWebhookResult(domain.DriverTelnyx, from, to, payload.Text, media, metadata, payload.ID), nil
}

func parseTelnyxStatus(payload telnyxPayload, eventType string) (domain.WebhookResult, error) {
	providerID := strings.TrimSpace(payload.ID)
	if providerID == "" {
		providerID = strings.TrimSpace(payload.MessageID)
	}
	if providerID == "" {
		return domain.WebhookResult{}, invalidPayload("telnyx status payload missing message id")
	}

	rawStatus := strings.TrimSpace(payload.Status)
	if rawStatus == "" && len(payload.To) > 0 {
		rawStatus = strings.TrimSpace(payload.To[0].Status)
	}

	var status domain.Status
	if statusmap.KnownEvent(domain.DriverTelnyx, eventType) {
		status = statusmap.Map(domain.DriverTelnyx, "", eventType)
	} else {
		status = statusmap.Map(domain.DriverTelnyx, rawStatus, "")
	}

	metadata := domain.Metadata{}
	if eventType != "" {
		metadata["event_type"] = eventType
	}
	if rawStatus != "" {
		metadata["raw_status"] = rawStatus
	}
	if len(payload.Errors) > 0 {
		errs := make([]any, 0, len(payload.Errors))
		for _, raw := range payload.Errors {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				errs = append(errs, decoded)
			}
		}
		metadata["errors"] = errs
	}
	if recipients := telnyxRecipientMetadata(payload.To); len(recipients) > 0 {
		metadata["recipients"] = recipients
	}

	return domain.NewStatusWebhookResult(domain.DriverTelnyx, providerID, status, metadata), nil
}

func telnyxRecipientMetadata(to telnyxRecipients) []map[string]string {
	recipients := make([]map[string]string, 0, len(to))
	for _, r := range to {
		entry := map[string]string{}
		if r.PhoneNumber != "" {
			entry["phone_number"] = r.PhoneNumber
		}
		if r.Status != "" {
			entry["status"] = r.Status
		}
		if r.Carrier != "" {
			entry["carrier"] = r.Carrier
		}
		if len(entry) > 0 {
			recipients = append(recipients, entry)
		}
	}
	return recipients
}
