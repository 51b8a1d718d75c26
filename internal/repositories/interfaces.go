package repositories

import (
	"context"
	"time"

	"github.com/minutemart/order-api/internal/domain"
)

// Registry exposes typed repository accessors and the transactional boundary
// used by the services.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Sessions() SessionRepository
	Events() EventRepository
	History() HistoryRepository
	Shipments() ShipmentRepository
	DefaultPayments() DefaultPaymentRepository
	Health() HealthRepository
	UnitOfWork
}

// UnitOfWork groups repository operations in a transactional boundary. Every
// repository call made with the context passed to fn joins the transaction;
// row locks taken inside fn hold until commit.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// StatusDimension names one of the independent status columns on an order.
type StatusDimension string

const (
	StatusDimensionOrder     StatusDimension = "status_code_order"
	StatusDimensionPayment   StatusDimension = "status_code_payment"
	StatusDimensionLogistics StatusDimension = "status_code_logistics"
	StatusDimensionOMS       StatusDimension = "status_code_oms"
)

// OrderRepository persists orders and their items.
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	// GetByOrderNr loads the order with its items. With lock set the row is
	// read FOR UPDATE and must be called inside RunInTx.
	GetByOrderNr(ctx context.Context, orderNr string, lock bool) (domain.Order, error)
	ListByCustomer(ctx context.Context, customerCode string, limit, offset int) ([]domain.Order, error)
	// Update persists exactly the given struct fields of the order.
	Update(ctx context.Context, order *domain.Order, fields []string) error
	Status(ctx context.Context, orderNr string, dimension StatusDimension, lock bool) (domain.Status, error)
	SetStatus(ctx context.Context, orderNr string, dimension StatusDimension, status domain.Status) error
	// CancelItems stamps the cancel reason on the given uncanceled items and
	// returns how many rows changed. Already canceled items stay untouched.
	CancelItems(ctx context.Context, orderNr string, itemNrs []string, reason domain.CancelReason, at time.Time) (int64, error)
}

// SessionRepository persists carts and their links to placed orders.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByCode(ctx context.Context, code string, lock bool) (domain.Session, error)
	// FindActive returns the single active session for the owner in the
	// country, or a not-found error.
	FindActive(ctx context.Context, ownerType domain.SessionOwnerType, ownerID, countryCode string) (domain.Session, error)
	Update(ctx context.Context, session *domain.Session, fields []string) error
	SetStatus(ctx context.Context, code string, status domain.SessionStatus) error
	ReplaceItems(ctx context.Context, sessionID uint, items []domain.SessionItem) error
	// UpsertItems writes only the given items, keyed by (session, sku).
	UpsertItems(ctx context.Context, sessionID uint, items []domain.SessionItem) error
	DeleteItems(ctx context.Context, sessionID uint, skus []string) error
	LinkOrder(ctx context.Context, sessionID uint, orderNr string) error
}

// EventRepository persists the durable work queue. Events are created in the
// same transaction as the state change that warrants them.
type EventRepository interface {
	Create(ctx context.Context, events ...*domain.Event) error
	// Due returns unprocessed events of the action whose schedule time has
	// passed, oldest first.
	Due(ctx context.Context, action domain.ActionCode, now time.Time, limit int) ([]domain.Event, error)
	MarkProcessed(ctx context.Context, ids ...uint) error
	Reschedule(ctx context.Context, id uint, at time.Time) error
	// LatestPartialNotice finds the newest order-update notification event
	// for the order whose payload carries the partial shipment flag,
	// processed or not, or a not-found error.
	LatestPartialNotice(ctx context.Context, orderNr string) (domain.Event, error)
}

// HistoryRepository appends status milestones and delivery estimate changes.
type HistoryRepository interface {
	// RecordStatus inserts the milestone unless the same (order, type, value)
	// row already exists.
	RecordStatus(ctx context.Context, orderID uint, eventType domain.HistoryEventType, value domain.Status, at time.Time) error
	ListByOrder(ctx context.Context, orderID uint) ([]domain.OrderHistoryEvent, error)
	RecordEta(ctx context.Context, entry *domain.OrderEtaHistory) error
}

// ShipmentRepository persists shipments and the items they carry.
type ShipmentRepository interface {
	Create(ctx context.Context, shipment *domain.Shipment) error
	GetByAwb(ctx context.Context, awbNr string) (domain.Shipment, error)
	ListByOrderNr(ctx context.Context, orderNr string) ([]domain.Shipment, error)
	CountByOrderNr(ctx context.Context, orderNr string) (int64, error)
}

// DefaultPaymentRepository remembers the customer's preferred prepaid method.
type DefaultPaymentRepository interface {
	Upsert(ctx context.Context, entry *domain.CustomerDefaultPayment) error
	Get(ctx context.Context, customerCode, countryCode string) (domain.CustomerDefaultPayment, error)
	Deactivate(ctx context.Context, customerCode, countryCode string) error
}

// HealthRepository verifies backing store connectivity for readiness checks.
type HealthRepository interface {
	CheckReadiness(ctx context.Context) error
}
