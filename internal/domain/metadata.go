package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reserved metadata keys used for reconciliation bookkeeping.
const (
	MetaPollAttempts    = "poll_attempts"
	MetaLastPollAt      = "last_poll_at"
	MetaConversationSID = "conversation_sid"

	MetaPollTerminal  = "poll_terminal"
	MetaPollPromoted  = "poll_promoted"
	MetaPollTransient = "poll_transient"
	MetaPollNote      = "poll_note"

	MetaProviderIDMissing        = "provider_id_missing"
	MetaProviderIDMissingPending = "provider_id_missing_pending"
	MetaProviderIDMissingSending = "provider_id_missing_sending"
	MetaProviderIDMissingSent    = "provider_id_missing_sent"

	MetaWebhookURL = "webhook_url"

	MetaTelnyxRawStatus    = "telnyx_raw_status"
	MetaTelnyxParts        = "telnyx_parts"
	MetaTelnyxCostAmount   = "telnyx_cost_amount"
	MetaTelnyxCostCurrency = "telnyx_cost_currency"

	MetaTwilioStatus      = "twilio_status"
	MetaTwilioNumSegments = "twilio_num_segments"
)

// Metadata is the open key/value bag stored with each message.
// Values must be JSON-encodable. Merges are shallow key overwrites.
type Metadata map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a new map with other's keys written over m's.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// String returns the value for key as a trimmed string, or "".
func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Int reads integer-like values, including float64 decoded from JSON.
func (m Metadata) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Float reads numeric values, accepting numeric strings.
func (m Metadata) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func (m Metadata) Bool(key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// PollAttempts returns the poll counter, defaulting to zero.
func (m Metadata) PollAttempts() int {
	n, ok := m.Int(MetaPollAttempts)
	if !ok || n < 0 {
		return 0
	}
	return n
}

// LastPollAt parses last_poll_at. Missing or malformed values report false.
func (m Metadata) LastPollAt() (time.Time, bool) {
	switch v := m[MetaLastPollAt].(type) {
	case time.Time:
		return v, !v.IsZero()
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// FormatPollTime renders timestamps the way last_poll_at is stored.
func FormatPollTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return payload, nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}

	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}

	decoded := Metadata{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	*m = decoded
	return nil
}
