package gormdb

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/database"
	"github.com/minutemart/order-api/internal/repositories"
)

type orderRepository struct {
	db *gorm.DB
}

func (r *orderRepository) Create(ctx context.Context, order *domain.Order) error {
	tx := database.FromContext(ctx, r.db)
	return database.WrapError("orders.create", tx.Create(order).Error)
}

func (r *orderRepository) GetByOrderNr(ctx context.Context, orderNr string, lock bool) (domain.Order, error) {
	var order domain.Order

	q := database.FromContext(ctx, r.db)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("order_nr = ?", orderNr).First(&order).Error; err != nil {
		return domain.Order{}, database.WrapError("orders.get", err)
	}

	// Items load without the lock; the order row is the locking anchor.
	err := database.FromContext(ctx, r.db).
		Where("id_sales_order = ?", order.ID).
		Order("id_sales_order_item").
		Find(&order.Items).Error
	if err != nil {
		return domain.Order{}, database.WrapError("orders.get.items", err)
	}
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerCode string, limit, offset int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 20
	}

	var orders []domain.Order
	err := database.FromContext(ctx, r.db).
		Preload("Items").
		Where("customer_code = ?", customerCode).
		Order("id_sales_order DESC").
		Limit(limit).
		Offset(offset).
		Find(&orders).Error
	if err != nil {
		return nil, database.WrapError("orders.list", err)
	}
	return orders, nil
}

func (r *orderRepository) Update(ctx context.Context, order *domain.Order, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	tx := database.FromContext(ctx, r.db)
	err := tx.Model(order).Select(fields).Updates(order).Error
	return database.WrapError("orders.update", err)
}

func (r *orderRepository) Status(ctx context.Context, orderNr string, dimension repositories.StatusDimension, lock bool) (domain.Status, error) {
	q := database.FromContext(ctx, r.db).
		Model(&domain.Order{}).
		Where("order_nr = ?", orderNr)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var status string
	if err := q.Select(string(dimension)).Take(&status).Error; err != nil {
		return "", database.WrapError("orders.status", err)
	}
	return domain.Status(status), nil
}

func (r *orderRepository) SetStatus(ctx context.Context, orderNr string, dimension repositories.StatusDimension, status domain.Status) error {
	tx := database.FromContext(ctx, r.db)
	res := tx.Model(&domain.Order{}).
		Where("order_nr = ?", orderNr).
		Updates(map[string]any{
			string(dimension): string(status),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return database.WrapError("orders.set_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.WrapError("orders.set_status", gorm.ErrRecordNotFound)
	}
	return nil
}

func (r *orderRepository) CancelItems(ctx context.Context, orderNr string, itemNrs []string, reason domain.CancelReason, at time.Time) (int64, error) {
	if len(itemNrs) == 0 {
		return 0, nil
	}

	tx := database.FromContext(ctx, r.db)
	orderIDs := database.FromContext(ctx, r.db).
		Model(&domain.Order{}).
		Select("id_sales_order").
		Where("order_nr = ?", orderNr)

	res := tx.Model(&domain.OrderItem{}).
		Where("id_sales_order IN (?)", orderIDs).
		Where("item_nr IN ?", itemNrs).
		Where("canceled_at IS NULL").
		Updates(map[string]any{
			"cancel_reason_code": string(reason),
			"canceled_at":        at,
		})
	if res.Error != nil {
		return 0, database.WrapError("orders.cancel_items", res.Error)
	}
	return res.RowsAffected, nil
}
