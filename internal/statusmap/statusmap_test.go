package statusmap

import (
	"testing"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestMapTwilio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		event string
		want  domain.Status
	}{
		{name: "queued", raw: "queued", want: domain.StatusQueued},
		{name: "accepted", raw: "accepted", want: domain.StatusSending},
		{name: "receiving", raw: "receiving", want: domain.StatusSending},
		{name: "submitted", raw: "submitted", want: domain.StatusSent},
		{name: "delivery unknown", raw: "delivery_unknown", want: domain.StatusSent},
		{name: "read", raw: "read", want: domain.StatusDelivered},
		{name: "delivery failed", raw: "delivery_failed", want: domain.StatusFailed},
		{name: "undelivered", raw: "undelivered", want: domain.StatusUndelivered},
		{name: "received", raw: "received", want: domain.StatusReceived},
		{name: "case insensitive", raw: " DELIVERED ", want: domain.StatusDelivered},
		{name: "event used when raw empty", event: "failed", want: domain.StatusFailed},
		{name: "raw wins over event", raw: "sent", event: "delivered", want: domain.StatusSent},
		{name: "empty defaults to sent", want: domain.StatusSent},
		{name: "unknown defaults to sent", raw: "scheduled", want: domain.StatusSent},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Map(domain.DriverTwilio, tt.raw, tt.event))
		})
	}
}

func TestMapTelnyx(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		event string
		want  domain.Status
	}{
		{name: "queued event", event: "message.queued", want: domain.StatusQueued},
		{name: "delivery status sending", event: "message.delivery_status.sending", want: domain.StatusSending},
		{name: "sent event", event: "message.sent", want: domain.StatusSent},
		{name: "read event", event: "message.delivery_status.read", want: domain.StatusDelivered},
		{name: "canceled event", event: "message.canceled", want: domain.StatusFailed},
		{name: "undelivered event maps to failed", event: "message.delivery_status.undelivered", want: domain.StatusFailed},
		{name: "received event", event: "message.received", want: domain.StatusReceived},
		{name: "event wins over raw", raw: "queued", event: "message.delivered", want: domain.StatusDelivered},
		{name: "unknown event defaults to sent", raw: "delivered", event: "message.finalized", want: domain.StatusSent},
		{name: "raw accepted", raw: "accepted", want: domain.StatusSending},
		{name: "raw undelivered", raw: "undelivered", want: domain.StatusUndelivered},
		{name: "raw unknown", raw: "gw_timeout", want: domain.StatusSent},
		{name: "no information is queued", want: domain.StatusQueued},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Map(domain.DriverTelnyx, tt.raw, tt.event))
		})
	}
}

func TestMapIsTotal(t *testing.T) {
	t.Parallel()

	inputs := []string{"", "queued", "???", "message.unknown", "DELIVERED", "\t"}
	for _, driver := range []string{domain.DriverTwilio, domain.DriverTelnyx, "unknown-driver", ""} {
		for _, raw := range inputs {
			for _, event := range inputs {
				got := Map(driver, raw, event)
				assert.Truef(t, got.IsValid(), "Map(%q, %q, %q) = %q is not canonical", driver, raw, event, got)
			}
		}
	}
}

func TestKnownEvent(t *testing.T) {
	t.Parallel()

	assert.True(t, KnownEvent(domain.DriverTelnyx, "message.delivered"))
	assert.True(t, KnownEvent("TELNYX", " Message.Sent "))
	assert.False(t, KnownEvent(domain.DriverTelnyx, "message.finalized"))
	assert.False(t, KnownEvent(domain.DriverTwilio, "message.delivered"))
}
