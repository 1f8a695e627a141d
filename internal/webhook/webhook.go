// Package webhook parses provider webhook payloads into domain.WebhookResult
// values and verifies provider signatures.
package webhook

import (
	"errors"
	"fmt"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

var (
	// ErrInvalidSignature is returned when a request fails provider
	// signature verification or the verification key is not configured.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnsupportedEvent marks well-formed callbacks the service does not act on.
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
)

func invalidPayload(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}
