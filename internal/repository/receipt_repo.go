package repository

import (
	"context"

	"github.com/kursadbilgin/call-dispatcher/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReceiptRepository interface {
	Create(ctx context.Context, r *domain.DeliveryReceipt) error
}

type GormReceiptRepo struct {
	db *gorm.DB
}

func NewGormReceiptRepo(db *gorm.DB) *GormReceiptRepo {
	return &GormReceiptRepo{db: db}
}

// Create stores a receipt. Redelivered broker messages carry the same ID and
// are ignored.
func (r *GormReceiptRepo) Create(ctx context.Context, receipt *domain.DeliveryReceipt) error {
	model := receiptModelFromDomain(receipt)
	if model == nil {
		return domain.ErrValidation
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(model).Error
}
