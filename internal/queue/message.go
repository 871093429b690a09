package queue

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kursadbilgin/call-dispatcher/internal/domain"
)

var validate = validator.New()

// ReceiptMessage is the broker payload for a device delivery receipt.
type ReceiptMessage struct {
	ReceiptID       string               `json:"receiptId" validate:"required,uuid"`
	CallID          string               `json:"callId" validate:"required,uuid"`
	UserID          string               `json:"userId,omitempty" validate:"omitempty,max=128"`
	Status          domain.ReceiptStatus `json:"status" validate:"required"`
	DeviceTimestamp time.Time            `json:"deviceTimestamp" validate:"required"`
	ReceivedAt      time.Time            `json:"receivedAt" validate:"required"`
}

func (m ReceiptMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !m.Status.IsValid() {
		return fmt.Errorf("%w: invalid receipt status %q", domain.ErrValidation, m.Status)
	}
	if m.DeviceTimestamp.IsZero() || m.ReceivedAt.IsZero() {
		return fmt.Errorf("%w: receipt timestamps are required", domain.ErrValidation)
	}
	return nil
}

// Receipt converts the message to the persisted receipt form.
func (m ReceiptMessage) Receipt() *domain.DeliveryReceipt {
	return &domain.DeliveryReceipt{
		ID:              m.ReceiptID,
		CallID:          m.CallID,
		UserID:          m.UserID,
		Status:          m.Status,
		DeviceTimestamp: m.DeviceTimestamp,
		ReceivedAt:      m.ReceivedAt,
	}
}
