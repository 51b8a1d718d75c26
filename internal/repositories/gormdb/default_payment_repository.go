package gormdb

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/database"
)

type defaultPaymentRepository struct {
	db *gorm.DB
}

func (r *defaultPaymentRepository) Upsert(ctx context.Context, entry *domain.CustomerDefaultPayment) error {
	tx := database.FromContext(ctx, r.db)
	entry.UpdatedAt = time.Now().UTC()
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "customer_code"},
			{Name: "country_code"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"payment_method_code",
			"credit_card_mask",
			"payment_token",
			"is_active",
			"updated_at",
		}),
	}).Create(entry).Error
	return database.WrapError("default_payments.upsert", err)
}

func (r *defaultPaymentRepository) Get(ctx context.Context, customerCode, countryCode string) (domain.CustomerDefaultPayment, error) {
	var entry domain.CustomerDefaultPayment
	err := database.FromContext(ctx, r.db).
		Where("customer_code = ? AND country_code = ?", customerCode, countryCode).
		First(&entry).Error
	if err != nil {
		return domain.CustomerDefaultPayment{}, database.WrapError("default_payments.get", err)
	}
	return entry, nil
}

func (r *defaultPaymentRepository) Deactivate(ctx context.Context, customerCode, countryCode string) error {
	tx := database.FromContext(ctx, r.db)
	err := tx.Model(&domain.CustomerDefaultPayment{}).
		Where("customer_code = ? AND country_code = ?", customerCode, countryCode).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		}).Error
	return database.WrapError("default_payments.deactivate", err)
}
