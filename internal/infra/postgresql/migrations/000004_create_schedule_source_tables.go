package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/call-dispatcher/internal/repository"
	"gorm.io/gorm"
)

// createScheduleSourceTables creates the users and device_credentials tables
// when they are missing, e.g. in local environments. Existing tables owned by
// the identity service are left untouched.
func createScheduleSourceTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_schedule_source_tables",
		Migrate: func(tx *gorm.DB) error {
			migrator := tx.Migrator()
			if !migrator.HasTable(&repository.ScheduleModel{}) {
				if err := migrator.CreateTable(&repository.ScheduleModel{}); err != nil {
					return err
				}
				if err := migrator.AddColumn(&repository.UserProfileModel{}, "Name"); err != nil {
					return err
				}
			}
			if !migrator.HasTable(&repository.DeviceCredentialModel{}) {
				if err := migrator.CreateTable(&repository.DeviceCredentialModel{}); err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return nil
		},
	}
}
