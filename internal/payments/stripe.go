package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeProviderConfig configures the Stripe adapter.
type StripeProviderConfig struct {
	APIKey   string
	Backends *stripe.Backends

	// test seams
	Intents stripeIntentAPI
	Refunds stripeRefundAPI
}

// StripeProvider implements Provider on Stripe manual-capture PaymentIntents.
// The PaymentIntent id doubles as the gateway reference.
type StripeProvider struct {
	intents stripeIntentAPI
	refunds stripeRefundAPI
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs the Stripe adapter.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	if cfg.Intents != nil && cfg.Refunds != nil {
		return &StripeProvider{intents: cfg.Intents, refunds: cfg.Refunds}, nil
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("payments: stripe api key is required")
	}
	sc := client.New(apiKey, cfg.Backends)
	return &StripeProvider{intents: sc.PaymentIntents, refunds: sc.Refunds}, nil
}

func (p *StripeProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (GatewayState, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toMinorUnits(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.CurrencyCode)),
		PaymentMethod: stripe.String(req.PaymentToken),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata("order_nr", req.OrderNr)
	params.AddMetadata("customer_code", req.CustomerCode)
	params.AddExpand("latest_charge")
	params.SetIdempotencyKey("order-create-" + req.OrderNr)

	intent, err := p.intents.New(params)
	if err != nil {
		return GatewayState{}, wrapStripeError("create_order", req.OrderNr, err)
	}
	return stateFromIntent(intent), nil
}

func (p *StripeProvider) GetOrder(ctx context.Context, reference string) (GatewayState, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	intent, err := p.intents.Get(reference, params)
	if err != nil {
		return GatewayState{}, wrapStripeError("get_order", reference, err)
	}
	return stateFromIntent(intent), nil
}

func (p *StripeProvider) Capture(ctx context.Context, reference string, amount decimal.Decimal) (GatewayState, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(toMinorUnits(amount)),
	}
	params.Context = ctx
	params.AddExpand("latest_charge")

	intent, err := p.intents.Capture(reference, params)
	if err != nil {
		return GatewayState{}, wrapStripeError("capture", reference, err)
	}
	return stateFromIntent(intent), nil
}

func (p *StripeProvider) Refund(ctx context.Context, reference string, amount decimal.Decimal) (GatewayState, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(reference),
		Amount:        stripe.Int64(toMinorUnits(amount)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("order-refund-" + reference + "-" + amount.StringFixed(2) + "-" + time.Now().UTC().Format("20060102"))

	if _, err := p.refunds.New(params); err != nil {
		return GatewayState{}, wrapStripeError("refund", reference, err)
	}
	return p.GetOrder(ctx, reference)
}

func (p *StripeProvider) Cancel(ctx context.Context, reference string) (GatewayState, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	intent, err := p.intents.Cancel(reference, params)
	if err != nil {
		return GatewayState{}, wrapStripeError("cancel", reference, err)
	}
	return stateFromIntent(intent), nil
}

func stateFromIntent(intent *stripe.PaymentIntent) GatewayState {
	state := GatewayState{
		Reference:  intent.ID,
		Status:     gatewayStatusFromIntent(intent.Status),
		Authorized: fromMinorUnits(intent.Amount),
		Captured:   fromMinorUnits(intent.AmountReceived),
	}
	if intent.LatestCharge != nil {
		state.Refunded = fromMinorUnits(intent.LatestCharge.AmountRefunded).Neg()
		if intent.LatestCharge.PaymentMethodDetails != nil && intent.LatestCharge.PaymentMethodDetails.Card != nil {
			state.CardMask = "**** " + intent.LatestCharge.PaymentMethodDetails.Card.Last4
		}
	}
	return state
}

func gatewayStatusFromIntent(status stripe.PaymentIntentStatus) GatewayStatus {
	switch status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return GatewayStatusAuthorized
	case stripe.PaymentIntentStatusSucceeded:
		return GatewayStatusCaptured
	case stripe.PaymentIntentStatusCanceled:
		return GatewayStatusCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return GatewayStatusFailed
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation:
		return GatewayStatusInitialized
	default:
		return GatewayStatusInitialized
	}
}

func wrapStripeError(op, reference string, err error) error {
	gatewayErr := &GatewayError{Op: op, Reference: reference, Err: err}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		gatewayErr.Message = stripeErr.Msg
		switch stripeErr.Code {
		case stripe.ErrorCodePaymentIntentUnexpectedState,
			stripe.ErrorCodeChargeAlreadyRefunded,
			stripe.ErrorCodeChargeAlreadyCaptured,
			stripe.ErrorCodeAmountTooLarge,
			stripe.ErrorCodeCardDeclined:
			gatewayErr.Final = true
		}
	}
	return gatewayErr
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
