package repository

import (
	"time"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
)

// CallAttemptModel is the persistence model for the call_attempts table.
type CallAttemptModel struct {
	CallID               string       `gorm:"column:call_id;type:uuid;primaryKey"`
	UserID               string       `gorm:"type:varchar(64);not null"`
	State                domain.State `gorm:"type:varchar(20);not null"`
	LocalDate            string       `gorm:"type:varchar(10);not null"`
	AttemptCount         int          `gorm:"not null"`
	PayloadFingerprint   string       `gorm:"type:char(64);not null"`
	Payload              []byte       `gorm:"type:jsonb;not null"`
	FailureReason        *string      `gorm:"type:text"`
	LastAttemptAt        *time.Time   `gorm:"type:timestamptz"`
	NextAttemptAt        *time.Time   `gorm:"type:timestamptz"`
	AcknowledgedAt       *time.Time   `gorm:"type:timestamptz"`
	DeviceAcknowledgedAt *time.Time   `gorm:"type:timestamptz"`
	CreatedAt            time.Time    `gorm:"type:timestamptz;not null"`
	UpdatedAt            time.Time    `gorm:"type:timestamptz;not null"`
}

func (CallAttemptModel) TableName() string {
	return "call_attempts"
}

// DeliveryLogModel is the persistence model for delivery_logs.
type DeliveryLogModel struct {
	ID            string                 `gorm:"type:uuid;primaryKey"`
	CallID        string                 `gorm:"column:call_id;type:uuid;not null"`
	AttemptNumber int                    `gorm:"not null"`
	Platform      domain.Platform        `gorm:"type:varchar(20)"`
	Outcome       domain.DeliveryOutcome `gorm:"type:varchar(20);not null"`
	StatusCode    *int                   `gorm:"type:int"`
	Reason        *string                `gorm:"type:varchar(255)"`
	Error         *string                `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DeliveryLogModel) TableName() string {
	return "delivery_logs"
}

// DeliveryReceiptModel is the persistence model for delivery_receipts.
type DeliveryReceiptModel struct {
	ID              string               `gorm:"type:uuid;primaryKey"`
	CallID          string               `gorm:"column:call_id;type:uuid;not null"`
	UserID          string               `gorm:"type:varchar(64)"`
	Status          domain.ReceiptStatus `gorm:"type:varchar(20);not null"`
	DeviceTimestamp time.Time            `gorm:"type:timestamptz;not null"`
	ReceivedAt      time.Time            `gorm:"type:timestamptz;not null"`
}

func (DeliveryReceiptModel) TableName() string {
	return "delivery_receipts"
}

// ScheduleModel reads a user's call schedule. The users table is owned by the
// identity service.
type ScheduleModel struct {
	ID           string `gorm:"column:id;type:varchar(64);primaryKey"`
	CallTime     string `gorm:"column:call_time;type:varchar(5)"`
	Timezone     string `gorm:"column:timezone;type:varchar(64)"`
	CallsEnabled bool   `gorm:"column:calls_enabled"`
}

func (ScheduleModel) TableName() string {
	return "users"
}

// UserProfileModel reads the display name from the users table.
type UserProfileModel struct {
	ID   string  `gorm:"column:id;type:varchar(64);primaryKey"`
	Name *string `gorm:"column:name;type:varchar(128)"`
}

func (UserProfileModel) TableName() string {
	return "users"
}

// DeviceCredentialModel reads push credentials registered by devices.
type DeviceCredentialModel struct {
	UserID    string          `gorm:"column:user_id;type:varchar(64);primaryKey"`
	Token     string          `gorm:"type:text;not null"`
	Platform  domain.Platform `gorm:"type:varchar(20)"`
	RevokedAt *time.Time      `gorm:"type:timestamptz"`
	UpdatedAt time.Time
}

func (DeviceCredentialModel) TableName() string {
	return "device_credentials"
}

func callAttemptModelFromDomain(a *domain.CallAttempt) *CallAttemptModel {
	if a == nil {
		return nil
	}

	return &CallAttemptModel{
		CallID:               a.CallID,
		UserID:               a.UserID,
		State:                a.State,
		LocalDate:            a.LocalDate,
		AttemptCount:         a.AttemptCount,
		PayloadFingerprint:   a.PayloadFingerprint,
		Payload:              []byte(a.Payload),
		FailureReason:        a.FailureReason,
		LastAttemptAt:        a.LastAttemptAt,
		NextAttemptAt:        a.NextAttemptAt,
		AcknowledgedAt:       a.AcknowledgedAt,
		DeviceAcknowledgedAt: a.DeviceAcknowledgedAt,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

func callAttemptModelToDomain(m *CallAttemptModel) *domain.CallAttempt {
	if m == nil {
		return nil
	}

	return &domain.CallAttempt{
		CallID:               m.CallID,
		UserID:               m.UserID,
		State:                m.State,
		LocalDate:            m.LocalDate,
		AttemptCount:         m.AttemptCount,
		PayloadFingerprint:   m.PayloadFingerprint,
		Payload:              m.Payload,
		FailureReason:        m.FailureReason,
		LastAttemptAt:        m.LastAttemptAt,
		NextAttemptAt:        m.NextAttemptAt,
		AcknowledgedAt:       m.AcknowledgedAt,
		DeviceAcknowledgedAt: m.DeviceAcknowledgedAt,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func callAttemptModelsToDomain(models []CallAttemptModel) []domain.CallAttempt {
	attempts := make([]domain.CallAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *callAttemptModelToDomain(&models[i]))
	}
	return attempts
}

func deliveryLogModelFromDomain(l *domain.DeliveryLog) *DeliveryLogModel {
	if l == nil {
		return nil
	}

	return &DeliveryLogModel{
		ID:            l.ID,
		CallID:        l.CallID,
		AttemptNumber: l.AttemptNumber,
		Platform:      l.Platform,
		Outcome:       l.Outcome,
		StatusCode:    l.StatusCode,
		Reason:        l.Reason,
		Error:         l.Error,
		CreatedAt:     l.CreatedAt,
	}
}

func deliveryLogModelToDomain(m *DeliveryLogModel) *domain.DeliveryLog {
	if m == nil {
		return nil
	}

	return &domain.DeliveryLog{
		ID:            m.ID,
		CallID:        m.CallID,
		AttemptNumber: m.AttemptNumber,
		Platform:      m.Platform,
		Outcome:       m.Outcome,
		StatusCode:    m.StatusCode,
		Reason:        m.Reason,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}

func receiptModelFromDomain(r *domain.DeliveryReceipt) *DeliveryReceiptModel {
	if r == nil {
		return nil
	}

	return &DeliveryReceiptModel{
		ID:              r.ID,
		CallID:          r.CallID,
		UserID:          r.UserID,
		Status:          r.Status,
		DeviceTimestamp: r.DeviceTimestamp,
		ReceivedAt:      r.ReceivedAt,
	}
}

func scheduleModelToDomain(m *ScheduleModel) domain.ScheduleRecord {
	return domain.ScheduleRecord{
		UserID:   m.ID,
		CallTime: m.CallTime,
		Timezone: m.Timezone,
		Active:   m.CallsEnabled,
	}
}

func credentialModelToDomain(m *DeviceCredentialModel) *domain.DeviceCredential {
	if m == nil {
		return nil
	}

	platform := m.Platform
	if platform == "" {
		platform, _ = domain.DetectPlatform(m.Token)
	}

	return &domain.DeviceCredential{
		UserID:    m.UserID,
		Token:     m.Token,
		Platform:  platform,
		RevokedAt: m.RevokedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
