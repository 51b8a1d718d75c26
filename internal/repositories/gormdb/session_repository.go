package gormdb

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/database"
)

type sessionRepository struct {
	db *gorm.DB
}

func (r *sessionRepository) Create(ctx context.Context, session *domain.Session) error {
	tx := database.FromContext(ctx, r.db)
	return database.WrapError("sessions.create", tx.Create(session).Error)
}

func (r *sessionRepository) GetByCode(ctx context.Context, code string, lock bool) (domain.Session, error) {
	var session domain.Session

	q := database.FromContext(ctx, r.db)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("session_code = ?", code).First(&session).Error; err != nil {
		return domain.Session{}, database.WrapError("sessions.get", err)
	}

	if err := r.loadAssociations(ctx, &session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

func (r *sessionRepository) FindActive(ctx context.Context, ownerType domain.SessionOwnerType, ownerID, countryCode string) (domain.Session, error) {
	var session domain.Session
	err := database.FromContext(ctx, r.db).
		Where("owner_type = ? AND owner_id = ? AND country_code = ? AND status_code = ?",
			ownerType, ownerID, countryCode, domain.SessionStatusActive).
		First(&session).Error
	if err != nil {
		return domain.Session{}, database.WrapError("sessions.find_active", err)
	}

	if err := r.loadAssociations(ctx, &session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

func (r *sessionRepository) loadAssociations(ctx context.Context, session *domain.Session) error {
	tx := database.FromContext(ctx, r.db)
	if err := tx.Where("id_session = ?", session.ID).Order("id_session_item").Find(&session.Items).Error; err != nil {
		return database.WrapError("sessions.get.items", err)
	}
	if err := tx.Where("id_session = ?", session.ID).Order("id_session_order").Find(&session.Orders).Error; err != nil {
		return database.WrapError("sessions.get.orders", err)
	}
	return nil
}

func (r *sessionRepository) Update(ctx context.Context, session *domain.Session, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	tx := database.FromContext(ctx, r.db)
	err := tx.Model(session).Select(fields).Updates(session).Error
	return database.WrapError("sessions.update", err)
}

func (r *sessionRepository) SetStatus(ctx context.Context, code string, status domain.SessionStatus) error {
	tx := database.FromContext(ctx, r.db)
	res := tx.Model(&domain.Session{}).
		Where("session_code = ?", code).
		Update("status_code", string(status))
	if res.Error != nil {
		return database.WrapError("sessions.set_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.WrapError("sessions.set_status", gorm.ErrRecordNotFound)
	}
	return nil
}

func (r *sessionRepository) ReplaceItems(ctx context.Context, sessionID uint, items []domain.SessionItem) error {
	tx := database.FromContext(ctx, r.db)

	if err := tx.Where("id_session = ?", sessionID).Delete(&domain.SessionItem{}).Error; err != nil {
		return database.WrapError("sessions.replace_items", err)
	}
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		items[i].ID = 0
		items[i].SessionID = sessionID
	}
	return database.WrapError("sessions.replace_items", tx.Create(&items).Error)
}

func (r *sessionRepository) UpsertItems(ctx context.Context, sessionID uint, items []domain.SessionItem) error {
	if len(items) == 0 {
		return nil
	}
	tx := database.FromContext(ctx, r.db)
	for i := range items {
		items[i].ID = 0
		items[i].SessionID = sessionID
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id_session"}, {Name: "sku"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "price", "updated_at"}),
	}).Create(&items).Error
	return database.WrapError("sessions.upsert_items", err)
}

func (r *sessionRepository) DeleteItems(ctx context.Context, sessionID uint, skus []string) error {
	if len(skus) == 0 {
		return nil
	}
	tx := database.FromContext(ctx, r.db)
	err := tx.Where("id_session = ? AND sku IN ?", sessionID, skus).
		Delete(&domain.SessionItem{}).Error
	return database.WrapError("sessions.delete_items", err)
}

func (r *sessionRepository) LinkOrder(ctx context.Context, sessionID uint, orderNr string) error {
	tx := database.FromContext(ctx, r.db)
	link := domain.SessionOrder{SessionID: sessionID, OrderNr: orderNr}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_nr"}},
		DoNothing: true,
	}).Create(&link).Error
	return database.WrapError("sessions.link_order", err)
}
