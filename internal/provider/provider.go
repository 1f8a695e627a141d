package provider

import (
	"context"
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

// SendRequest carries one outbound message. From may be empty, in which case
// the driver's configured number is used.
type SendRequest struct {
	To        string
	Body      string
	From      string
	MediaURLs []string
	Metadata  domain.Metadata
}

// Sender is the outbound delivery port implemented by every driver.
type Sender interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (domain.SentMessageResult, error)
}

// StatusFetcher is the optional polling capability. ok is false when the
// provider returned no usable status.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, providerMessageID string, extra ...string) (status domain.Status, ok bool, err error)
}

// Poller returns the polling capability of s, if any.
func Poller(s Sender) (StatusFetcher, bool) {
	if s == nil {
		return nil, false
	}
	fetcher, ok := s.(StatusFetcher)
	return fetcher, ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
