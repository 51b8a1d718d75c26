// Package payments normalises the payment gateway behind one Provider
// contract so the settlement and payment services stay provider agnostic.
package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// GatewayStatus enumerates the normalised gateway order states.
type GatewayStatus string

const (
	GatewayStatusInitialized     GatewayStatus = "INITIALIZED"
	GatewayStatusAuthorized      GatewayStatus = "AUTHORIZED"
	GatewayStatusCaptured        GatewayStatus = "CAPTURED"
	GatewayStatusCancelled       GatewayStatus = "CANCELLED"
	GatewayStatusFailed          GatewayStatus = "FAILED"
	GatewayStatusExpired         GatewayStatus = "EXPIRED"
	GatewayStatusLocked          GatewayStatus = "LOCKED"
	GatewayStatusMarkedForReview GatewayStatus = "MARKED_FOR_REVIEW"
)

// ErrUnsupportedProvider is returned when no adapter matches the configured
// provider name.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// GatewayState is a snapshot of a gateway order. Refunded carries the same
// sign convention as the order columns: zero or negative.
type GatewayState struct {
	Reference      string
	Status         GatewayStatus
	Authorized     decimal.Decimal
	Captured       decimal.Decimal
	Refunded       decimal.Decimal
	SubscriptionID string
	CardMask       string
	PaymentInfo    string
}

// CreateOrderRequest carries everything needed to open a gateway order and
// authorize the payment amount.
type CreateOrderRequest struct {
	OrderNr        string
	CustomerCode   string
	Amount         decimal.Decimal
	CurrencyCode   string
	PaymentToken   string
	SubscriptionID string
}

// Provider is the contract every gateway adapter implements. Reference is the
// gateway-side identifier stored on the order as the intent token.
type Provider interface {
	// CreateOrder opens a gateway order and authorizes the amount.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (GatewayState, error)
	// GetOrder refreshes the gateway state for the reference.
	GetOrder(ctx context.Context, reference string) (GatewayState, error)
	// Capture debits up to the authorized amount. The gateway treats repeated
	// captures as setting the captured total, not adding to it.
	Capture(ctx context.Context, reference string, amount decimal.Decimal) (GatewayState, error)
	// Refund returns amount to the customer. Amount is positive; the returned
	// state reports the refunded total as non-positive.
	Refund(ctx context.Context, reference string, amount decimal.Decimal) (GatewayState, error)
	// Cancel voids an authorization that was never captured.
	Cancel(ctx context.Context, reference string) (GatewayState, error)
}
