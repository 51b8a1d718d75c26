package gormdb

import (
	"context"

	"gorm.io/gorm"

	"github.com/minutemart/order-api/internal/platform/database"
)

type healthRepository struct {
	db *gorm.DB
}

func (r *healthRepository) CheckReadiness(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return database.WrapError("health.readiness", err)
	}
	return database.WrapError("health.readiness", sqlDB.PingContext(ctx))
}
