package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"gorm.io/gorm"
)

func createCallAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_call_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.CallAttemptModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				// At most one in-flight attempt per user.
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_call_attempts_user_in_flight ON call_attempts (user_id) WHERE state IN ('PENDING', 'SENT')`,
				// At most one live or acknowledged attempt per user and local day.
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_call_attempts_user_local_date ON call_attempts (user_id, local_date) WHERE state NOT IN ('FAILED', 'EXPIRED')`,
				`CREATE INDEX IF NOT EXISTS idx_call_attempts_user_state_created ON call_attempts (user_id, state, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_call_attempts_sent_timeout ON call_attempts (last_attempt_at) WHERE state = 'SENT'`,
				`CREATE INDEX IF NOT EXISTS idx_call_attempts_pending_due ON call_attempts (next_attempt_at) WHERE state = 'PENDING'`,
				`ALTER TABLE call_attempts ADD CONSTRAINT chk_call_attempts_state CHECK (state IN ('PENDING', 'SENT', 'ACKNOWLEDGED', 'FAILED', 'EXPIRED'))`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.CallAttemptModel{})
		},
	}
}
