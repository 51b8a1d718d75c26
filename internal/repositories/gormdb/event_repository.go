package gormdb

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/database"
)

type eventRepository struct {
	db *gorm.DB
}

func (r *eventRepository) Create(ctx context.Context, events ...*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx := database.FromContext(ctx, r.db)
	for _, event := range events {
		if err := tx.Create(event).Error; err != nil {
			return database.WrapError("events.create", err)
		}
	}
	return nil
}

func (r *eventRepository) Due(ctx context.Context, action domain.ActionCode, now time.Time, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	var events []domain.Event
	err := database.FromContext(ctx, r.db).
		Where("action_code = ? AND is_processed = ? AND schedule_at <= ?", action, false, now).
		Order("schedule_at, id_boilerplate_event").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, database.WrapError("events.due", err)
	}
	return events, nil
}

func (r *eventRepository) MarkProcessed(ctx context.Context, ids ...uint) error {
	if len(ids) == 0 {
		return nil
	}
	tx := database.FromContext(ctx, r.db)
	err := tx.Model(&domain.Event{}).
		Where("id_boilerplate_event IN ?", ids).
		Updates(map[string]any{
			"is_processed": true,
			"updated_at":   time.Now().UTC(),
		}).Error
	return database.WrapError("events.mark_processed", err)
}

func (r *eventRepository) Reschedule(ctx context.Context, id uint, at time.Time) error {
	tx := database.FromContext(ctx, r.db)
	res := tx.Model(&domain.Event{}).
		Where("id_boilerplate_event = ? AND is_processed = ?", id, false).
		Update("schedule_at", at)
	if res.Error != nil {
		return database.WrapError("events.reschedule", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.WrapError("events.reschedule", gorm.ErrRecordNotFound)
	}
	return nil
}

func (r *eventRepository) LatestPartialNotice(ctx context.Context, orderNr string) (domain.Event, error) {
	var event domain.Event
	err := database.FromContext(ctx, r.db).
		Where("action_code = ?", domain.ActionNotificationOrderUpdate).
		Where(datatypes.JSONQuery("payload").Equals(orderNr, "order_nr")).
		Where(datatypes.JSONQuery("payload").Equals(true, "partial_shipment")).
		Order("schedule_at DESC, id_boilerplate_event DESC").
		First(&event).Error
	if err != nil {
		return domain.Event{}, database.WrapError("events.latest_partial_notice", err)
	}
	return event, nil
}
