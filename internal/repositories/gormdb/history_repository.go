package gormdb

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/database"
)

type historyRepository struct {
	db *gorm.DB
}

func (r *historyRepository) RecordStatus(ctx context.Context, orderID uint, eventType domain.HistoryEventType, value domain.Status, at time.Time) error {
	tx := database.FromContext(ctx, r.db)
	entry := domain.OrderHistoryEvent{
		OrderID:   orderID,
		EventType: eventType,
		Value:     value,
		Time:      at,
	}
	// The unique (order, type, value) index keeps the first occurrence.
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "id_sales_order"},
			{Name: "event_type"},
			{Name: "value"},
		},
		DoNothing: true,
	}).Create(&entry).Error
	return database.WrapError("history.record_status", err)
}

func (r *historyRepository) ListByOrder(ctx context.Context, orderID uint) ([]domain.OrderHistoryEvent, error) {
	var events []domain.OrderHistoryEvent
	err := database.FromContext(ctx, r.db).
		Where("id_sales_order = ?", orderID).
		Order("time, id_history_event").
		Find(&events).Error
	if err != nil {
		return nil, database.WrapError("history.list", err)
	}
	return events, nil
}

func (r *historyRepository) RecordEta(ctx context.Context, entry *domain.OrderEtaHistory) error {
	tx := database.FromContext(ctx, r.db)
	return database.WrapError("history.record_eta", tx.Create(entry).Error)
}
