// Package statusmap translates provider status vocabularies into canonical statuses.
package statusmap

import (
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

var twilioStatuses = map[string]domain.Status{
	"queued":           domain.StatusQueued,
	"accepted":         domain.StatusSending,
	"sending":          domain.StatusSending,
	"receiving":        domain.StatusSending,
	"sent":             domain.StatusSent,
	"submitted":        domain.StatusSent,
	"delivery_unknown": domain.StatusSent,
	"delivered":        domain.StatusDelivered,
	"read":             domain.StatusDelivered,
	"failed":           domain.StatusFailed,
	"delivery_failed":  domain.StatusFailed,
	"undelivered":      domain.StatusUndelivered,
	"received":         domain.StatusReceived,
}

var telnyxEvents = map[string]domain.Status{
	"message.queued":                      domain.StatusQueued,
	"message.delivery_status.queued":      domain.StatusQueued,
	"message.sending":                     domain.StatusSending,
	"message.delivery_status.sending":     domain.StatusSending,
	"message.sent":                        domain.StatusSent,
	"message.delivery_status.sent":        domain.StatusSent,
	"message.delivered":                   domain.StatusDelivered,
	"message.delivery_status.delivered":   domain.StatusDelivered,
	"message.delivery_status.read":        domain.StatusDelivered,
	"message.failed":                      domain.StatusFailed,
	"message.canceled":                    domain.StatusFailed,
	"message.delivery_status.failed":      domain.StatusFailed,
	"message.delivery_status.undelivered": domain.StatusFailed,
	"message.received":                    domain.StatusReceived,
}

var telnyxStatuses = map[string]domain.Status{
	"queued":      domain.StatusQueued,
	"sending":     domain.StatusSending,
	"accepted":    domain.StatusSending,
	"sent":        domain.StatusSent,
	"delivered":   domain.StatusDelivered,
	"read":        domain.StatusDelivered,
	"failed":      domain.StatusFailed,
	"undelivered": domain.StatusUndelivered,
}

// Map resolves a provider's raw status or webhook event type to a canonical
// status. It never fails: unrecognized values fall back to Sent.
func Map(driver string, rawStatus string, eventType string) domain.Status {
	raw := normalize(rawStatus)
	event := normalize(eventType)

	switch domain.NormalizeDriver(driver) {
	case domain.DriverTwilio:
		return mapTwilio(raw, event)
	case domain.DriverTelnyx:
		return mapTelnyx(raw, event)
	}

	return domain.StatusSent
}

// KnownEvent reports whether eventType belongs to the driver's webhook event
// vocabulary. Callers use it to decide whether to fall back to a raw status.
func KnownEvent(driver string, eventType string) bool {
	if domain.NormalizeDriver(driver) != domain.DriverTelnyx {
		return false
	}
	_, ok := telnyxEvents[normalize(eventType)]
	return ok
}

func mapTwilio(raw string, event string) domain.Status {
	value := raw
	if value == "" {
		value = event
	}
	if value == "" {
		return domain.StatusSent
	}
	return lookup(twilioStatuses, value)
}

// Telnyx send responses carry no status until the message is accepted, so
// an empty input maps to Queued rather than Sent.
func mapTelnyx(raw string, event string) domain.Status {
	if event != "" {
		return lookup(telnyxEvents, event)
	}
	if raw != "" {
		return lookup(telnyxStatuses, raw)
	}
	return domain.StatusQueued
}

func lookup(table map[string]domain.Status, value string) domain.Status {
	if status, ok := table[value]; ok {
		return status
	}
	return domain.StatusSent
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
