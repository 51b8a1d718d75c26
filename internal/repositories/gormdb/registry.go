// Package gormdb implements the repository interfaces on Postgres via gorm.
// Every method resolves its database handle through the transaction context,
// so calls made inside Registry.RunInTx share one transaction and row locks
// hold until commit.
package gormdb

import (
	"context"

	"gorm.io/gorm"

	"github.com/minutemart/order-api/internal/platform/database"
	"github.com/minutemart/order-api/internal/repositories"
)

// Registry wires the gorm-backed repositories behind the repositories.Registry
// interface.
type Registry struct {
	db *gorm.DB

	orders          *orderRepository
	sessions        *sessionRepository
	events          *eventRepository
	history         *historyRepository
	shipments       *shipmentRepository
	defaultPayments *defaultPaymentRepository
	health          *healthRepository
}

// NewRegistry builds the repository registry on top of an open connection.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		db:              db,
		orders:          &orderRepository{db: db},
		sessions:        &sessionRepository{db: db},
		events:          &eventRepository{db: db},
		history:         &historyRepository{db: db},
		shipments:       &shipmentRepository{db: db},
		defaultPayments: &defaultPaymentRepository{db: db},
		health:          &healthRepository{db: db},
	}
}

// Close releases the underlying connection pool.
func (r *Registry) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RunInTx runs fn inside a transaction, retrying on transient failures such
// as serialization conflicts. A nested call joins the open transaction and is
// never retried on its own.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if database.InTransaction(ctx) {
		return fn(ctx)
	}
	return database.RunWithRetry(ctx, func(ctx context.Context) error {
		return database.WithTransaction(ctx, r.db, fn)
	})
}

func (r *Registry) Orders() repositories.OrderRepository                   { return r.orders }
func (r *Registry) Sessions() repositories.SessionRepository               { return r.sessions }
func (r *Registry) Events() repositories.EventRepository                   { return r.events }
func (r *Registry) History() repositories.HistoryRepository                { return r.history }
func (r *Registry) Shipments() repositories.ShipmentRepository             { return r.shipments }
func (r *Registry) DefaultPayments() repositories.DefaultPaymentRepository { return r.defaultPayments }
func (r *Registry) Health() repositories.HealthRepository                  { return r.health }
