package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrorKind classifies persistence failures for callers that should not care
// about driver details.
type ErrorKind int

const (
	ErrorKindInternal ErrorKind = iota
	ErrorKindNotFound
	ErrorKindConflict
	ErrorKindUnavailable
)

// RepositoryError wraps a driver error with a stable classification.
type RepositoryError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *RepositoryError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap exposes the underlying error.
func (e *RepositoryError) Unwrap() error { return e.Err }

// WrapError classifies err and annotates it with the failed operation. A nil
// err returns nil so repositories can wrap unconditionally.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryError{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) ErrorKind {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrorKindNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrorKindConflict
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorKindUnavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return ErrorKindConflict
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			// serialization failure or deadlock, safe to retry
			return ErrorKindUnavailable
		case strings.HasPrefix(pgErr.Code, "08"):
			return ErrorKindUnavailable
		case pgErr.Code == "57P01" || pgErr.Code == "57014":
			return ErrorKindUnavailable
		}
	}
	return ErrorKindInternal
}

// IsNotFound reports whether the error marks a missing row.
func IsNotFound(err error) bool { return hasKind(err, ErrorKindNotFound) }

// IsConflict reports whether the error marks a unique constraint violation.
func IsConflict(err error) bool { return hasKind(err, ErrorKindConflict) }

// IsUnavailable reports whether the error marks a transient database failure
// worth retrying.
func IsUnavailable(err error) bool { return hasKind(err, ErrorKindUnavailable) }

func hasKind(err error, kind ErrorKind) bool {
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.Kind == kind
	}
	return false
}
