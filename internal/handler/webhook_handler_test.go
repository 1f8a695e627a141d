package handler

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/webhook"
	"go.uber.org/zap"
)

const (
	testTwilioToken   = "twilio-token"
	testPublicBaseURL = "https://sms.example.com"
	formContentType   = "application/x-www-form-urlencoded"
)

type stubWebhookProcessor struct {
	mu       sync.Mutex
	results  []domain.WebhookResult
	handleFn func(ctx context.Context, result domain.WebhookResult) (*domain.Message, error)
}

func (s *stubWebhookProcessor) Handle(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()

	if s.handleFn != nil {
		return s.handleFn(ctx, result)
	}
	return &domain.Message{ID: "msg-1"}, nil
}

func (s *stubWebhookProcessor) handled() []domain.WebhookResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WebhookResult(nil), s.results...)
}

type webhookTestEnv struct {
	app        *fiber.App
	processor  *stubWebhookProcessor
	telnyxPriv ed25519.PrivateKey
}

func newWebhookTestEnv(t *testing.T, cfg WebhookConfig) *webhookTestEnv {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	telnyx, err := webhook.NewTelnyxParser(base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatalf("NewTelnyxParser() error = %v", err)
	}

	processor := &stubWebhookProcessor{}
	h, err := NewWebhookHandler(processor, webhook.NewTwilioParser(testTwilioToken, "+15550001111"), telnyx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWebhookHandler() error = %v", err)
	}

	app := newTestApp()
	RegisterWebhookRoutes(app, h)
	return &webhookTestEnv{app: app, processor: processor, telnyxPriv: priv}
}

func (e *webhookTestEnv) telnyxHeaders(body string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := append([]byte(ts+"."), []byte(body)...)
	return map[string]string{
		fiber.HeaderContentType:       fiber.MIMEApplicationJSON,
		webhook.TelnyxTimestampHeader: ts,
		webhook.TelnyxSignatureHeader: base64.StdEncoding.EncodeToString(ed25519.Sign(e.telnyxPriv, msg)),
	}
}

func TestNewWebhookHandlerValidation(t *testing.T) {
	t.Parallel()

	telnyx, _ := webhook.NewTelnyxParser("")
	twilio := webhook.NewTwilioParser("", "")

	if _, err := NewWebhookHandler(nil, twilio, telnyx, WebhookConfig{}, nil); err == nil {
		t.Fatal("expected error for missing processor")
	}
	if _, err := NewWebhookHandler(&stubWebhookProcessor{}, nil, telnyx, WebhookConfig{}, nil); err == nil {
		t.Fatal("expected error for missing parser")
	}

	h, err := NewWebhookHandler(&stubWebhookProcessor{}, twilio, telnyx, WebhookConfig{}, nil)
	if err != nil {
		t.Fatalf("NewWebhookHandler() error = %v", err)
	}
	if h.cfg.RateLimitPerMin != defaultWebhookRateLimitPerMin {
		t.Fatalf("rate limit = %d, want %d", h.cfg.RateLimitPerMin, defaultWebhookRateLimitPerMin)
	}
}

func TestTwilioWebhook(t *testing.T) {
	t.Parallel()

	statusForm := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}}
	inboundForm := url.Values{"MessageSid": {"SM2"}, "From": {"+15551230000"}, "To": {"+15550001111"}, "Body": {"hi"}}
	signedURL := testPublicBaseURL + "/v1/webhooks/twilio"

	tests := []struct {
		name       string
		form       url.Values
		signature  string
		verify     bool
		wantStatus int
		wantKind   domain.WebhookKind
	}{
		{
			name:       "signed status callback",
			form:       statusForm,
			signature:  webhook.TwilioSignature(testTwilioToken, signedURL, statusForm),
			verify:     true,
			wantStatus: fiber.StatusOK,
			wantKind:   domain.WebhookStatus,
		},
		{
			name:       "signed inbound message",
			form:       inboundForm,
			signature:  webhook.TwilioSignature(testTwilioToken, signedURL, inboundForm),
			verify:     true,
			wantStatus: fiber.StatusOK,
			wantKind:   domain.WebhookInbound,
		},
		{
			name:       "bad signature",
			form:       statusForm,
			signature:  "bogus",
			verify:     true,
			wantStatus: fiber.StatusUnauthorized,
		},
		{
			name:       "signature over another url",
			form:       statusForm,
			signature:  webhook.TwilioSignature(testTwilioToken, "http://example.com/v1/webhooks/twilio", statusForm),
			verify:     true,
			wantStatus: fiber.StatusUnauthorized,
		},
		{
			name:       "verification disabled",
			form:       statusForm,
			wantStatus: fiber.StatusOK,
			wantKind:   domain.WebhookStatus,
		},
		{
			name:       "inbound without sender",
			form:       url.Values{"To": {"+15550001111"}, "Body": {"hi"}},
			wantStatus: fiber.StatusBadRequest,
		},
		{
			name:       "unsupported conversation event",
			form:       url.Values{"EventType": {"onParticipantAdded"}},
			wantStatus: fiber.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newWebhookTestEnv(t, WebhookConfig{VerifySignatures: tt.verify, PublicBaseURL: testPublicBaseURL + "/"})
			headers := map[string]string{fiber.HeaderContentType: formContentType}
			if tt.signature != "" {
				headers[webhook.TwilioSignatureHeader] = tt.signature
			}

			resp, body := performRequestWithHeaders(t, env.app, http.MethodPost, "/v1/webhooks/twilio", tt.form.Encode(), headers)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, string(body))
			}

			handled := env.processor.handled()
			if tt.wantKind == "" {
				if len(handled) != 0 {
					t.Fatalf("processor called %d times, want 0", len(handled))
				}
				return
			}
			if len(handled) != 1 || handled[0].Kind != tt.wantKind {
				t.Fatalf("handled = %+v, want one %s result", handled, tt.wantKind)
			}
		})
	}
}

func TestTelnyxWebhook(t *testing.T) {
	t.Parallel()

	statusBody := `{"data":{"event_type":"message.finalized","payload":{"id":"tx-1","status":"delivered"}}}`

	t.Run("signed status callback", func(t *testing.T) {
		t.Parallel()

		env := newWebhookTestEnv(t, WebhookConfig{VerifySignatures: true})
		resp, body := performRequestWithHeaders(t, env.app, http.MethodPost, "/v1/webhooks/telnyx", statusBody, env.telnyxHeaders(statusBody))
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}

		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if payload["kind"] != "status" || payload["messageId"] != "msg-1" {
			t.Fatalf("payload = %v", payload)
		}

		handled := env.processor.handled()
		if len(handled) != 1 || handled[0].ProviderMessageID != "tx-1" || handled[0].Status != domain.StatusDelivered {
			t.Fatalf("handled = %+v", handled)
		}
	})

	t.Run("tampered body is rejected", func(t *testing.T) {
		t.Parallel()

		env := newWebhookTestEnv(t, WebhookConfig{VerifySignatures: true})
		headers := env.telnyxHeaders(statusBody)
		tampered := `{"data":{"event_type":"message.finalized","payload":{"id":"tx-2","status":"delivered"}}}`

		resp, _ := performRequestWithHeaders(t, env.app, http.MethodPost, "/v1/webhooks/telnyx", tampered, headers)
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		if len(env.processor.handled()) != 0 {
			t.Fatal("processor should not be called")
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()

		env := newWebhookTestEnv(t, WebhookConfig{})
		resp, _ := performRequest(t, env.app, http.MethodPost, "/v1/webhooks/telnyx", `{"data":`)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("processor failure is 500", func(t *testing.T) {
		t.Parallel()

		env := newWebhookTestEnv(t, WebhookConfig{})
		env.processor.handleFn = func(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
			return nil, errors.New("db down")
		}
		resp, _ := performRequest(t, env.app, http.MethodPost, "/v1/webhooks/telnyx", statusBody)
		if resp.StatusCode != fiber.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", resp.StatusCode)
		}
	})

	t.Run("unknown message is still acknowledged", func(t *testing.T) {
		t.Parallel()

		env := newWebhookTestEnv(t, WebhookConfig{})
		env.processor.handleFn = func(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
			return nil, nil
		}
		resp, body := performRequest(t, env.app, http.MethodPost, "/v1/webhooks/telnyx", statusBody)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})
}

func TestWebhookSecretGuard(t *testing.T) {
	t.Parallel()

	body := `{"data":{"event_type":"message.sent","payload":{"id":"tx-1","status":"sent"}}}`

	tests := []struct {
		name       string
		secret     string
		wantStatus int
	}{
		{name: "matching secret", secret: "s3cret", wantStatus: fiber.StatusOK},
		{name: "wrong secret", secret: "nope", wantStatus: fiber.StatusForbidden},
		{name: "missing secret", wantStatus: fiber.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newWebhookTestEnv(t, WebhookConfig{Secret: "s3cret"})
			headers := map[string]string{fiber.HeaderContentType: fiber.MIMEApplicationJSON}
			if tt.secret != "" {
				headers[WebhookSecretHeader] = tt.secret
			}

			resp, respBody := performRequestWithHeaders(t, env.app, http.MethodPost, "/v1/webhooks/telnyx", body, headers)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, string(respBody))
			}
		})
	}
}

func TestWebhookRateLimit(t *testing.T) {
	t.Parallel()

	env := newWebhookTestEnv(t, WebhookConfig{RateLimitPerMin: 2})
	body := `{"data":{"event_type":"message.sent","payload":{"id":"tx-1","status":"sent"}}}`

	for i := 0; i < 2; i++ {
		resp, respBody := performRequest(t, env.app, http.MethodPost, "/v1/webhooks/telnyx", body)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d status = %d, want 200, body=%s", i+1, resp.StatusCode, string(respBody))
		}
	}

	resp, _ := performRequest(t, env.app, http.MethodPost, "/v1/webhooks/telnyx", body)
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}
