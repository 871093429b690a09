package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"gorm.io/gorm"
)

// ScheduleRepository reads user schedules and device credentials. Both are
// owned by other services and never written here.
type ScheduleRepository interface {
	ListActive(ctx context.Context) ([]domain.ScheduleRecord, error)
	GetByUserID(ctx context.Context, userID string) (*domain.ScheduleRecord, error)
}

type UserProfileRepository interface {
	GetByUserID(ctx context.Context, userID string) (*domain.UserProfile, error)
}

type CredentialRepository interface {
	GetByUserID(ctx context.Context, userID string) (*domain.DeviceCredential, error)
}

type GormScheduleRepo struct {
	db *gorm.DB
}

func NewGormScheduleRepo(db *gorm.DB) *GormScheduleRepo {
	return &GormScheduleRepo{db: db}
}

func (r *GormScheduleRepo) ListActive(ctx context.Context) ([]domain.ScheduleRecord, error) {
	var models []ScheduleModel
	err := r.db.WithContext(ctx).
		Where("calls_enabled = ? AND call_time IS NOT NULL AND timezone IS NOT NULL", true).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	schedules := make([]domain.ScheduleRecord, 0, len(models))
	for i := range models {
		schedules = append(schedules, scheduleModelToDomain(&models[i]))
	}
	return schedules, nil
}

func (r *GormScheduleRepo) GetByUserID(ctx context.Context, userID string) (*domain.ScheduleRecord, error) {
	var model ScheduleModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	schedule := scheduleModelToDomain(&model)
	return &schedule, nil
}

type GormCredentialRepo struct {
	db *gorm.DB
}

func NewGormCredentialRepo(db *gorm.DB) *GormCredentialRepo {
	return &GormCredentialRepo{db: db}
}

func (r *GormCredentialRepo) GetByUserID(ctx context.Context, userID string) (*domain.DeviceCredential, error) {
	var model DeviceCredentialModel
	err := r.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return credentialModelToDomain(&model), nil
}

type GormUserProfileRepo struct {
	db *gorm.DB
}

func NewGormUserProfileRepo(db *gorm.DB) *GormUserProfileRepo {
	return &GormUserProfileRepo{db: db}
}

func (r *GormUserProfileRepo) GetByUserID(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var model UserProfileModel
	err := r.db.WithContext(ctx).Select("id", "name").First(&model, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.UserProfile{UserID: model.ID, Name: model.Name}, nil
}
