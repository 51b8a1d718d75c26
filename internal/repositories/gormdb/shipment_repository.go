package gormdb

import (
	"context"

	"gorm.io/gorm"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/database"
)

type shipmentRepository struct {
	db *gorm.DB
}

func (r *shipmentRepository) Create(ctx context.Context, shipment *domain.Shipment) error {
	tx := database.FromContext(ctx, r.db)
	return database.WrapError("shipments.create", tx.Create(shipment).Error)
}

func (r *shipmentRepository) GetByAwb(ctx context.Context, awbNr string) (domain.Shipment, error) {
	var shipment domain.Shipment
	err := database.FromContext(ctx, r.db).
		Preload("Items").
		Where("awb_nr = ?", awbNr).
		First(&shipment).Error
	if err != nil {
		return domain.Shipment{}, database.WrapError("shipments.get", err)
	}
	return shipment, nil
}

func (r *shipmentRepository) ListByOrderNr(ctx context.Context, orderNr string) ([]domain.Shipment, error) {
	var shipments []domain.Shipment
	err := database.FromContext(ctx, r.db).
		Preload("Items").
		Where("order_nr = ?", orderNr).
		Order("id_shipment").
		Find(&shipments).Error
	if err != nil {
		return nil, database.WrapError("shipments.list", err)
	}
	return shipments, nil
}

func (r *shipmentRepository) CountByOrderNr(ctx context.Context, orderNr string) (int64, error) {
	var count int64
	err := database.FromContext(ctx, r.db).
		Model(&domain.Shipment{}).
		Where("order_nr = ?", orderNr).
		Count(&count).Error
	if err != nil {
		return 0, database.WrapError("shipments.count", err)
	}
	return count, nil
}
