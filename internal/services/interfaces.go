// Package services holds the business operations behind the HTTP handlers and
// the queue workers. Services own the transactional write paths; repositories
// stay mechanical.
package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/auth"
	"github.com/minutemart/order-api/internal/repositories"
)

// OrderModifier computes the change to apply to an order. It runs with the
// order row locked and must stay pure: read the order, return a patch, touch
// nothing else.
type OrderModifier func(order domain.Order) (domain.OrderPatch, error)

// Patch lifts a ready-made patch into an OrderModifier.
func Patch(p domain.OrderPatch) OrderModifier {
	return func(domain.Order) (domain.OrderPatch, error) {
		return p, nil
	}
}

// PlaceOrderCommand snapshots the customer's active session into an order.
type PlaceOrderCommand struct {
	SessionCode string
	// ExpectedTotal is the total the customer confirmed at checkout. Placing
	// fails when the cart no longer adds up to it.
	ExpectedTotal decimal.Decimal
}

// AddShipmentCommand records a warehouse handover under one waybill.
type AddShipmentCommand struct {
	OrderNr string
	AwbNr   string
	ItemNrs []string
}

// OrderView is the customer-facing projection of an order.
type OrderView struct {
	Order       domain.Order
	Status      domain.Status
	StatusColor string
	Cancelable  bool
	History     []domain.OrderHistoryEvent
}

// OrderService owns the order aggregate write path.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderNr string) (OrderView, error)
	ListOrders(ctx context.Context, customerCode string, limit, offset int) ([]OrderView, error)
	// ModifyOrder applies the modifier under a row lock, recomputes the
	// composite status and collection fields, records history, and persists
	// only the changed columns. Everything commits or rolls back together.
	ModifyOrder(ctx context.Context, orderNr string, modifier OrderModifier) (domain.Order, error)
	CancelOrder(ctx context.Context, orderNr string, reason domain.CancelReason) error
	AddShipment(ctx context.Context, cmd AddShipmentCommand) error

	HandleShipmentCreated(ctx context.Context, event domain.Event) error
	HandleReadyForPickup(ctx context.Context, event domain.Event) error
	HandleCancelWithNoShipments(ctx context.Context, event domain.Event) error
	HandleLogisticsUpdate(ctx context.Context, event domain.Event) error
	HandleGenerateInvoice(ctx context.Context, event domain.Event) error
}

// PaymentUpdate is the gateway webhook payload after ingestion.
type PaymentUpdate struct {
	OrderNr string
	// Failed is set when the gateway reported a terminal payment failure.
	Failed bool
}

// PaymentService drives the payment status machine and the gateway side
// effects around it.
type PaymentService interface {
	// RefreshPaymentInfo pulls the gateway transaction state into the order's
	// cached payment columns. Orders without an intent are a no-op.
	RefreshPaymentInfo(ctx context.Context, orderNr string) error
	PaymentUpdated(ctx context.Context, update PaymentUpdate) error

	HandleCreateIntent(ctx context.Context, event domain.Event) error
	HandleCapture(ctx context.Context, event domain.Event) error
	HandleDefaultPaymentUpdate(ctx context.Context, event domain.Event) error
}

// SettlementService reconciles what an order should collect against what has
// actually been collected.
type SettlementService interface {
	// SettlePayment is idempotent and convergent: safe to call repeatedly,
	// including after a partial earlier run.
	SettlePayment(ctx context.Context, orderNr string) error

	HandleSettlePayment(ctx context.Context, event domain.Event) error
	HandleCaptureIssuedCredits(ctx context.Context, event domain.Event) error
}

// SessionItemInput is one desired cart line. Quantity zero removes the line.
type SessionItemInput struct {
	SKU      string
	Quantity int
	Price    decimal.Decimal
}

// SessionHeaderPatch updates checkout selections on a session. Nil fields are
// left alone.
type SessionHeaderPatch struct {
	AddressKey        *string
	WarehouseCode     *string
	PaymentMethodCode *domain.PaymentMethod
	PaymentToken      *string
	CreditCardMask    *string
}

// CreateSessionCommand opens a cart for an owner in a country.
type CreateSessionCommand struct {
	OwnerType     domain.SessionOwnerType
	OwnerID       string
	CountryCode   string
	CurrencyCode  string
	WarehouseCode string
}

// SessionView is a session together with whatever lines the last operation
// had to adjust.
type SessionView struct {
	Session      domain.Session
	UpdatedItems []domain.UpdatedItem
}

// SessionService owns carts: item changes, checkout selections, the guest to
// customer login merge and the catalog refresh.
type SessionService interface {
	CreateSession(ctx context.Context, cmd CreateSessionCommand) (domain.Session, error)
	GetSession(ctx context.Context, code string) (domain.Session, error)
	// ModifySession diffs the desired lines against the stored ones and
	// writes only the skus whose (quantity, price) pair changed.
	ModifySession(ctx context.Context, code string, items []SessionItemInput, header SessionHeaderPatch) (domain.Session, error)
	AddItem(ctx context.Context, code, sku string, quantity int, price decimal.Decimal) (domain.Session, error)
	SetQuantity(ctx context.Context, code, sku string, quantity int) (domain.Session, error)
	RemoveItem(ctx context.Context, code, sku string) (domain.Session, error)
	SetPaymentMethod(ctx context.Context, code string, header SessionHeaderPatch) (domain.Session, error)
	ResetPaymentMethod(ctx context.Context, code string) (domain.Session, error)
	// RefreshSession reasserts price and stock from the catalog, clamps
	// quantities to what is sellable, and reports every adjusted line.
	RefreshSession(ctx context.Context, code string) (SessionView, error)
	// MergeOnLogin relabels the guest cart to the customer unless the
	// customer already has an active cart, which then wins.
	MergeOnLogin(ctx context.Context, guestCode, customerCode, countryCode string) (SessionView, error)
	// ResetCheckoutSession reactivates a checked-out cart whose order is
	// still waiting on payment, so the customer can amend and retry.
	ResetCheckoutSession(ctx context.Context, code string) (domain.Session, error)
	// ReactivateOrderSession restores the cart behind a failed or cancelled
	// order unless the customer has started a new non-empty cart since.
	ReactivateOrderSession(ctx context.Context, code string) error
}

// DocumentLink is a short-lived signed URL for a generated document. Headers
// lists any headers the caller must send verbatim for the signature to hold.
type DocumentLink struct {
	URL       string
	Method    string
	ExpiresAt time.Time
	Headers   map[string]string
}

// DocumentService issues signed URLs for generated order documents.
type DocumentService interface {
	// InvoiceDownloadURL signs a download link for the order's invoice. The
	// identity must own the order or carry a support role.
	InvoiceDownloadURL(ctx context.Context, orderNr string, identity *auth.Identity) (DocumentLink, error)
	// InvoiceUploadURL signs a link the invoice renderer uses to write the
	// order's invoice PDF once the invoice number has been assigned.
	InvoiceUploadURL(ctx context.Context, orderNr string) (DocumentLink, error)
}

// NotificationService turns order update events into customer messages.
type NotificationService interface {
	HandleOrderUpdate(ctx context.Context, event domain.Event) error
}

// HealthCollector probes the backing dependencies.
type HealthCollector interface {
	Collect(ctx context.Context) (repositories.HealthReport, error)
	CheckReadiness(ctx context.Context) error
}

// BuildInfo describes the running binary for health reporting.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemService reports process and dependency health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealth, error)
	Readiness(ctx context.Context) error
}

// SystemHealth is the enriched health report served on the health endpoint.
type SystemHealth struct {
	repositories.HealthReport
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}
