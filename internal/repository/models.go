package repository

import (
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/lib/pq"
)

// MessageModel is the persistence model for the messages table.
type MessageModel struct {
	ID                string           `gorm:"type:uuid;primaryKey"`
	Direction         domain.Direction `gorm:"type:varchar(10);not null"`
	Driver            string           `gorm:"type:varchar(32);not null"`
	From              string           `gorm:"column:from_number;type:varchar(64);not null;default:''"`
	To                string           `gorm:"column:to_number;type:varchar(64);not null;default:''"`
	Body              string           `gorm:"type:text;not null;default:''"`
	MediaURLs         pq.StringArray   `gorm:"column:media_urls;type:text[]"`
	Status            domain.Status    `gorm:"type:varchar(20);not null"`
	ProviderMessageID *string          `gorm:"column:provider_message_id;type:varchar(255)"`
	ErrorCode         *string          `gorm:"column:error_code;type:varchar(64)"`
	SegmentsCount     *int             `gorm:"column:segments_count"`
	CostEstimate      *float64         `gorm:"column:cost_estimate;type:numeric(12,6)"`
	Metadata          domain.Metadata  `gorm:"type:jsonb;not null;default:'{}'"`
	SentAt            *time.Time       `gorm:"type:timestamptz"`
	ReceivedAt        *time.Time       `gorm:"type:timestamptz"`
	StatusUpdatedAt   *time.Time       `gorm:"type:timestamptz"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (MessageModel) TableName() string {
	return "messages"
}

func messageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}

	metadata := m.Metadata
	if metadata == nil {
		metadata = domain.Metadata{}
	}

	return &domain.Message{
		ID:                m.ID,
		Direction:         m.Direction,
		Driver:            m.Driver,
		From:              m.From,
		To:                m.To,
		Body:              m.Body,
		MediaURLs:         append([]string(nil), m.MediaURLs...),
		Status:            m.Status,
		ProviderMessageID: m.ProviderMessageID,
		ErrorCode:         m.ErrorCode,
		SegmentsCount:     m.SegmentsCount,
		CostEstimate:      m.CostEstimate,
		Metadata:          metadata,
		SentAt:            m.SentAt,
		ReceivedAt:        m.ReceivedAt,
		StatusUpdatedAt:   m.StatusUpdatedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// sentMessageModel builds the row for a send outcome. Poll bookkeeping is
// reset so the poller treats the row as never examined.
func sentMessageModel(id string, result domain.SentMessageResult, now time.Time) *MessageModel {
	metadata := result.Metadata.Merge(domain.Metadata{
		domain.MetaPollAttempts: 0,
		domain.MetaLastPollAt:   nil,
	})

	model := &MessageModel{
		ID:                id,
		Direction:         domain.DirectionSent,
		Driver:            result.Driver,
		From:              result.From,
		To:                result.To,
		Body:              result.Body,
		MediaURLs:         pq.StringArray(append([]string(nil), result.MediaURLs...)),
		Status:            result.Status,
		ProviderMessageID: optionalString(result.ProviderMessageID),
		ErrorCode:         optionalString(result.ErrorCode),
		SegmentsCount:     segmentsFromMetadata(metadata),
		CostEstimate:      costFromMetadata(metadata),
		Metadata:          metadata,
		StatusUpdatedAt:   &now,
	}
	if result.Status != domain.StatusQueued {
		model.SentAt = &now
	}
	return model
}

func inboundMessageModel(id string, result domain.WebhookResult, now time.Time) *MessageModel {
	return &MessageModel{
		ID:                id,
		Direction:         domain.DirectionReceived,
		Driver:            result.Driver,
		From:              result.From,
		To:                result.To,
		Body:              result.Body,
		MediaURLs:         pq.StringArray(append([]string(nil), result.MediaURLs...)),
		Status:            domain.StatusReceived,
		ProviderMessageID: optionalString(result.ProviderMessageID),
		Metadata:          result.Metadata.Clone(),
		ReceivedAt:        &now,
		StatusUpdatedAt:   &now,
	}
}

// polledUpdates computes the column changes for one poll cycle. The attempt
// counter is derived from the stored row, not the caller's copy. A terminal
// status stored since the candidate was listed is kept; only the poll
// bookkeeping is written then.
func polledUpdates(current *MessageModel, status domain.Status, extra domain.Metadata, now time.Time) map[string]any {
	attempts := current.Metadata.PollAttempts()
	metadata := current.Metadata.Merge(extra)
	metadata[domain.MetaPollAttempts] = attempts + 1
	metadata[domain.MetaLastPollAt] = domain.FormatPollTime(now)

	updates := map[string]any{"metadata": metadata}
	if current.Status.IsTerminal() && !status.IsTerminal() {
		return updates
	}

	updates["status"] = status
	updates["status_updated_at"] = now
	return updates
}

// upgradeUpdates computes the changes that complete a provisional row. It
// returns nil when the row is no longer upgradable.
func upgradeUpdates(current *MessageModel, result domain.SentMessageResult, now time.Time) map[string]any {
	if current.Status != domain.StatusQueued && current.Status != domain.StatusAmbiguous {
		return nil
	}

	metadata := current.Metadata.Merge(result.Metadata)
	updates := map[string]any{
		"status":            result.Status,
		"metadata":          metadata,
		"status_updated_at": now,
	}

	if current.ProviderMessageID == nil && result.HasProviderMessageID() {
		updates["provider_message_id"] = result.ProviderMessageID
	}
	if result.ErrorCode != "" {
		updates["error_code"] = result.ErrorCode
	}
	if current.From == "" && result.From != "" {
		updates["from_number"] = result.From
	}
	if segments := segmentsFromMetadata(metadata); segments != nil {
		updates["segments_count"] = *segments
	}
	if cost := costFromMetadata(metadata); cost != nil {
		updates["cost_estimate"] = *cost
	}
	if current.SentAt == nil {
		updates["sent_at"] = now
	}
	return updates
}

// statusUpdates applies the forward-only rule to a webhook report. A stale
// report only merges its metadata.
func statusUpdates(current *MessageModel, result domain.WebhookResult, now time.Time) map[string]any {
	metadata := current.Metadata.Merge(result.Metadata)
	updates := map[string]any{"metadata": metadata}

	next, transition := domain.ReconcileStatus(current.Status, result.Status)
	if transition == domain.TransitionRetained {
		return updates
	}

	updates["status"] = next
	updates["status_updated_at"] = now
	return updates
}

func segmentsFromMetadata(metadata domain.Metadata) *int {
	for _, key := range []string{domain.MetaTelnyxParts, domain.MetaTwilioNumSegments} {
		if n, ok := metadata.Int(key); ok && n > 0 {
			return &n
		}
	}
	return nil
}

func costFromMetadata(metadata domain.Metadata) *float64 {
	if cost, ok := metadata.Float(domain.MetaTelnyxCostAmount); ok {
		return &cost
	}
	return nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
