package database

import (
	"context"

	"gorm.io/gorm"
)

type txContextKey struct{}

// WithTransaction runs fn inside a database transaction and stores the
// transaction handle on the context, so every repository call made through
// FromContext participates in the same transaction. Nested calls reuse the
// transaction already on the context instead of opening a second one; the
// outermost call owns commit and rollback.
func WithTransaction(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok && tx != nil {
		return fn(ctx)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txContextKey{}, tx))
	})
}

// FromContext returns the transaction bound to the context, or the fallback
// handle when no transaction is open. Repositories call this on every access
// so reads and writes inside WithTransaction see uncommitted state and hold
// their row locks until commit.
func FromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return fallback.WithContext(ctx)
}

// InTransaction reports whether the context carries an open transaction.
func InTransaction(ctx context.Context) bool {
	tx, ok := ctx.Value(txContextKey{}).(*gorm.DB)
	return ok && tx != nil
}
