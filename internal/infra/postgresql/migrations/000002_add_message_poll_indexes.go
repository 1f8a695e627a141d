package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addMessagePollIndexes() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_message_poll_indexes",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_messages_poll_candidates ON messages (status, created_at, id) WHERE direction = 'sent' AND status IN ('queued', 'sending', 'sent')`,
				`CREATE INDEX IF NOT EXISTS idx_messages_direction_created ON messages (direction, created_at)`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`DROP INDEX IF EXISTS idx_messages_direction_created`,
				`DROP INDEX IF EXISTS idx_messages_poll_candidates`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}
