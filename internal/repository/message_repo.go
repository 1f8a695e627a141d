package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PollCandidateQuery selects transient outbound rows for status polling.
type PollCandidateQuery struct {
	Statuses       []domain.Status
	CreatedBefore  time.Time
	WithProviderID bool
	Limit          int
}

// MessageRepository persists messages and applies status updates. Methods
// documented as returning an absent row return (nil, nil).
type MessageRepository interface {
	StoreSent(ctx context.Context, result domain.SentMessageResult) (*domain.Message, error)
	StoreInbound(ctx context.Context, result domain.WebhookResult) (*domain.Message, error)
	// StoreStatus is keyed by provider message id; absent when no row matches.
	StoreStatus(ctx context.Context, result domain.WebhookResult) (*domain.Message, error)
	UpdatePolledStatus(ctx context.Context, msg *domain.Message, status domain.Status, extra domain.Metadata) (*domain.Message, error)
	// UpgradeQueued completes a provisional row by primary key; absent when
	// the row is missing or already past queued/ambiguous.
	UpgradeQueued(ctx context.Context, id string, result domain.SentMessageResult) (*domain.Message, error)
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	ListPollCandidates(ctx context.Context, query PollCandidateQuery) ([]domain.Message, error)
}

type GormMessageRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormMessageRepo(db *gorm.DB) *GormMessageRepo {
	return &GormMessageRepo{db: db, now: time.Now}
}

func (r *GormMessageRepo) StoreSent(ctx context.Context, result domain.SentMessageResult) (*domain.Message, error) {
	model := sentMessageModel(uuid.NewString(), result, r.now().UTC())
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return nil, fmt.Errorf("store sent message: %w", err)
	}
	return messageModelToDomain(model), nil
}

func (r *GormMessageRepo) StoreInbound(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
	model := inboundMessageModel(uuid.NewString(), result, r.now().UTC())
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return nil, fmt.Errorf("store inbound message: %w", err)
	}
	return messageModelToDomain(model), nil
}

func (r *GormMessageRepo) StoreStatus(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
	providerID := strings.TrimSpace(result.ProviderMessageID)
	if providerID == "" {
		return nil, nil
	}

	var updated *domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider_message_id = ? AND direction = ?", providerID, domain.DirectionSent).
			Order("created_at DESC").
			First(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := updateAndReload(tx, &model, statusUpdates(&model, result, r.now().UTC())); err != nil {
			return err
		}
		updated = messageModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store status: %w", err)
	}
	return updated, nil
}

func (r *GormMessageRepo) UpdatePolledStatus(
	ctx context.Context,
	msg *domain.Message,
	status domain.Status,
	extra domain.Metadata,
) (*domain.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is required", domain.ErrValidation)
	}

	var updated *domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", msg.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		if err := updateAndReload(tx, &model, polledUpdates(&model, status, extra, r.now().UTC())); err != nil {
			return err
		}
		updated = messageModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update polled status: %w", err)
	}
	return updated, nil
}

func (r *GormMessageRepo) UpgradeQueued(ctx context.Context, id string, result domain.SentMessageResult) (*domain.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var upgraded *domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		updates := upgradeUpdates(&model, result, r.now().UTC())
		if updates == nil {
			return nil
		}
		if err := updateAndReload(tx, &model, updates); err != nil {
			return err
		}
		upgraded = messageModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upgrade queued message: %w", err)
	}
	return upgraded, nil
}

func (r *GormMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	var model MessageModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}

func (r *GormMessageRepo) ListPollCandidates(ctx context.Context, query PollCandidateQuery) ([]domain.Message, error) {
	if query.Limit <= 0 || len(query.Statuses) == 0 {
		return nil, nil
	}

	q := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("direction = ?", domain.DirectionSent).
		Where("status IN ?", query.Statuses).
		Where("created_at <= ?", query.CreatedBefore)

	if query.WithProviderID {
		q = q.Where("provider_message_id IS NOT NULL AND provider_message_id <> ''")
	} else {
		q = q.Where("(provider_message_id IS NULL OR provider_message_id = '')")
	}

	var models []MessageModel
	err := q.Order("created_at ASC").
		Order("id ASC").
		Limit(query.Limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}
	return messages, nil
}

// updateAndReload writes updates and refreshes model from the stored row.
func updateAndReload(tx *gorm.DB, model *MessageModel, updates map[string]any) error {
	if err := tx.Model(model).Updates(updates).Error; err != nil {
		return err
	}
	return tx.First(model, "id = ?", model.ID).Error
}
