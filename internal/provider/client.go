package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sms-dispatch/internal/retry"
)

const defaultHTTPTimeout = 10 * time.Second

// newRestyClient returns a client with resty's own retries disabled;
// retries are driven by retry.Exponential.
func newRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	}
	return client
}

func validateBaseURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return fmt.Errorf("invalid provider base url: %w", err)
	}
	return nil
}

// restCaller runs provider HTTP calls through the retry policy and breaker.
type restCaller struct {
	client  *resty.Client
	policy  retry.Policy
	breaker *Breaker
}

func (c restCaller) call(ctx context.Context, build func(r *resty.Request) (*resty.Response, error)) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("provider client is not initialized")
	}

	return retry.ExponentialWithData(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
		var body []byte
		err := c.breaker.Execute(ctx, func() error {
			response, err := build(c.client.R().SetContext(ctx))
			body, err = classifyResponse(response, err)
			return err
		})
		if err != nil && !IsTransient(err) {
			return nil, retry.Permanent(err)
		}
		return body, err
	})
}

func classifyResponse(response *resty.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	body := response.Body()

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return body, nil
	}

	code, message := providerErrorDetail(body)
	return nil, &ProviderError{
		StatusCode: statusCode,
		Code:       code,
		Message:    providerErrorMessage(statusCode, message),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, detail string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if detail == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, detail)
}

// providerErrorDetail understands Twilio ({code, message}) and Telnyx
// ({errors: [{code, title, detail}]}) error bodies, falling back to raw text.
func providerErrorDetail(body []byte) (string, string) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", ""
	}

	var payload struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
		Errors  []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", trimmed
	}

	if len(payload.Errors) > 0 {
		first := payload.Errors[0]
		return first.Code, firstNonEmpty(first.Detail, first.Title, trimmed)
	}
	return payload.Code.String(), firstNonEmpty(payload.Message, trimmed)
}
