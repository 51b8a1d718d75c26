package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/minutemart/order-api/internal/credit"
	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/fsm"
	"github.com/minutemart/order-api/internal/payments"
	"github.com/minutemart/order-api/internal/repositories"
)

const (
	// deliveryLeadTime seeds the delivery estimate once the payment clears.
	deliveryLeadTime = 2 * time.Hour
	// cancelUnshippedAfter is how long a confirmed order may sit without a
	// single shipment before it is cancelled back to the customer.
	cancelUnshippedAfter = 24 * time.Hour

	creditReasonOrderPayment = "order_payment"
	creditReasonSettlement   = "order_settlement"
	creditReasonIssued       = "issued_credit"
)

// paymentTransitions is the allowed-transition table for the payment status
// column. Done and cancelled are terminal; a failed payment may still clear
// when the customer retries with another instrument.
var paymentTransitions = map[domain.Status][]domain.Status{
	domain.StatusPending: {domain.StatusDone, domain.StatusFailed, domain.StatusCancelled},
	domain.StatusFailed:  {domain.StatusDone, domain.StatusCancelled},
}

// SessionReactivator restores the cart behind an order whose payment fell
// through. Implemented by the session service.
type SessionReactivator interface {
	ReactivateOrderSession(ctx context.Context, code string) error
}

// orderStatusStore adapts one order status column to the fsm.Store contract.
type orderStatusStore struct {
	orders    repositories.OrderRepository
	dimension repositories.StatusDimension
}

func (s orderStatusStore) State(ctx context.Context, orderNr string, lock bool) (string, error) {
	status, err := s.orders.Status(ctx, orderNr, s.dimension, lock)
	if err != nil {
		return "", mapOrderRepositoryError(err)
	}
	return string(status), nil
}

func (s orderStatusStore) SetState(ctx context.Context, orderNr, state string) error {
	return mapOrderRepositoryError(s.orders.SetStatus(ctx, orderNr, s.dimension, domain.Status(state)))
}

// PaymentServiceDeps bundles collaborators required to construct the payment
// service.
type PaymentServiceDeps struct {
	Orders          repositories.OrderRepository
	Events          repositories.EventRepository
	DefaultPayments repositories.DefaultPaymentRepository
	OrderService    OrderService
	Sessions        SessionReactivator
	Provider        payments.Provider
	Credit          credit.Ledger
	UnitOfWork      repositories.UnitOfWork
	Clock           func() time.Time
	Logger          *zap.Logger
}

type paymentService struct {
	orders          repositories.OrderRepository
	events          repositories.EventRepository
	defaultPayments repositories.DefaultPaymentRepository
	orderSvc        OrderService
	sessions        SessionReactivator
	provider        payments.Provider
	credit          credit.Ledger
	unitOfWork      repositories.UnitOfWork
	machine         *fsm.Machine
	clock           func() time.Time
	logger          *zap.Logger
}

// NewPaymentService wires dependencies and builds the payment status machine.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Events == nil {
		return nil, errors.New("payment service: event repository is required")
	}
	if deps.OrderService == nil {
		return nil, errors.New("payment service: order service is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("payment service: payment provider is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("payment service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &paymentService{
		orders:          deps.Orders,
		events:          deps.Events,
		defaultPayments: deps.DefaultPayments,
		orderSvc:        deps.OrderService,
		sessions:        deps.Sessions,
		provider:        deps.Provider,
		credit:          deps.Credit,
		unitOfWork:      deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}

	handlers := make(map[fsm.Transition]fsm.Handler, len(paymentTransitions))
	for from, targets := range paymentTransitions {
		for _, to := range targets {
			handlers[fsm.Transition{From: string(from), To: string(to)}] = nil
		}
	}
	machine, err := fsm.New(fsm.Config{
		Name:     "payment",
		Handlers: handlers,
		Store:    orderStatusStore{orders: deps.Orders, dimension: repositories.StatusDimensionPayment},
	})
	if err != nil {
		return nil, err
	}
	machine.After(string(domain.StatusDone), s.afterPaymentDone)
	machine.After(string(domain.StatusFailed), s.afterPaymentFailed)
	machine.After(string(domain.StatusCancelled), s.afterPaymentCancelled)
	s.machine = machine

	return s, nil
}

func (s *paymentService) HandleCreateIntent(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}

	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetByOrderNr(txCtx, payload.OrderNr, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if order.PaymentStatus != domain.StatusPending {
			return nil
		}

		if order.CreditAmount.IsNegative() && !order.CreditCaptured.Equal(order.CreditAmount) {
			_, err := s.appendCreditToTarget(txCtx, order, order.CreditAmount, creditReasonOrderPayment)
			if errors.Is(err, credit.ErrInsufficientBalance) {
				s.logger.Warn("credit capture refused, failing payment",
					zap.String("order_nr", order.OrderNr),
				)
				return s.failPaymentTx(txCtx, order, true)
			}
			if err != nil {
				return err
			}
		}

		if domain.PrepaidPaymentMethods[order.PaymentMethodCode] && order.PaymentAmount.IsPositive() {
			return s.createIntent(txCtx, order)
		}
		return s.machine.Transition(txCtx, order.OrderNr, string(domain.StatusDone))
	})
}

func (s *paymentService) createIntent(ctx context.Context, order domain.Order) error {
	if order.IntentToken != "" {
		// redelivery after a crash between gateway call and commit
		return nil
	}

	state, err := s.provider.CreateOrder(ctx, payments.CreateOrderRequest{
		OrderNr:        order.OrderNr,
		CustomerCode:   order.CustomerCode,
		Amount:         order.PaymentAmount,
		CurrencyCode:   order.CurrencyCode,
		PaymentToken:   order.PaymentToken,
		SubscriptionID: order.SubscriptionID,
	})
	if err != nil {
		if payments.IsPermanent(err) {
			s.logger.Warn("gateway rejected intent, failing payment",
				zap.String("order_nr", order.OrderNr),
				zap.Error(err),
			)
			return s.failPaymentTx(ctx, order, false)
		}
		return err
	}

	_, err = s.orderSvc.ModifyOrder(ctx, order.OrderNr, Patch(gatewayStatePatch(state)))
	return err
}

func (s *paymentService) HandleCapture(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}

	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetByOrderNr(txCtx, payload.OrderNr, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if order.IntentToken == "" {
			return nil
		}

		// re-derive the desired capture from the current order fields so a
		// redelivered event never double-captures
		target := domain.MinAmount(order.PaymentAmount, order.PaymentCaptured.Add(order.PaymentAuthorized))
		if domain.EqualAmounts(target, order.PaymentCaptured) || target.LessThan(order.PaymentCaptured) {
			return nil
		}

		state, err := s.provider.Capture(txCtx, order.IntentToken, target)
		if err != nil {
			if !payments.IsPermanent(err) {
				return err
			}
			s.logger.Warn("capture refused permanently, deferring to settlement",
				zap.String("order_nr", order.OrderNr),
				zap.Error(err),
			)
			return s.emit(txCtx, domain.ActionSettlePayment, domain.EventPayload{
				OrderNr: order.OrderNr,
			}, s.clock())
		}

		_, err = s.orderSvc.ModifyOrder(txCtx, order.OrderNr, Patch(gatewayStatePatch(state)))
		return err
	})
}

func (s *paymentService) RefreshPaymentInfo(ctx context.Context, orderNr string) error {
	order, err := s.orders.GetByOrderNr(ctx, orderNr, false)
	if err != nil {
		return mapOrderRepositoryError(err)
	}
	if order.IntentToken == "" {
		return nil
	}

	state, err := s.provider.GetOrder(ctx, order.IntentToken)
	if err != nil {
		return err
	}
	_, err = s.orderSvc.ModifyOrder(ctx, orderNr, Patch(gatewayStatePatch(state)))
	return err
}

func (s *paymentService) PaymentUpdated(ctx context.Context, update PaymentUpdate) error {
	if update.OrderNr == "" {
		return fmt.Errorf("%w: order nr is required", ErrOrderInvalidInput)
	}
	if update.Failed {
		return s.failPayment(ctx, update.OrderNr, false)
	}

	if err := s.RefreshPaymentInfo(ctx, update.OrderNr); err != nil {
		return err
	}
	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetByOrderNr(txCtx, update.OrderNr, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if order.PaymentStatus != domain.StatusPending {
			return nil
		}

		secured := order.PaymentAuthorized.Add(order.PaymentCaptured)
		if secured.GreaterThanOrEqual(order.PaymentAmount) || domain.EqualAmounts(secured, order.PaymentAmount) {
			return s.machine.Transition(txCtx, order.OrderNr, string(domain.StatusDone), fsm.IgnoreNotAllowed())
		}
		return nil
	})
}

func (s *paymentService) HandleDefaultPaymentUpdate(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}
	if s.defaultPayments == nil {
		return nil
	}

	order, err := s.orders.GetByOrderNr(ctx, payload.OrderNr, false)
	if err != nil {
		return mapOrderRepositoryError(err)
	}
	if !domain.PrepaidPaymentMethods[order.PaymentMethodCode] {
		return nil
	}

	entry := domain.CustomerDefaultPayment{
		CustomerCode:      order.CustomerCode,
		CountryCode:       order.CountryCode,
		PaymentMethodCode: order.PaymentMethodCode,
		CreditCardMask:    order.CreditCardMask,
		PaymentToken:      order.PaymentToken,
		IsActive:          true,
		UpdatedAt:         s.clock(),
	}
	return mapOrderRepositoryError(s.defaultPayments.Upsert(ctx, &entry))
}

func (s *paymentService) failPayment(ctx context.Context, orderNr string, walletIssue bool) error {
	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetByOrderNr(txCtx, orderNr, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		return s.failPaymentTx(txCtx, order, walletIssue)
	})
}

// failPaymentTx flips the payment to failed inside the caller's transaction.
// A wallet issue keeps the stored payment instrument; anything else drops it
// so the next checkout does not reuse a broken card.
func (s *paymentService) failPaymentTx(ctx context.Context, order domain.Order, walletIssue bool) error {
	if err := s.machine.Transition(ctx, order.OrderNr, string(domain.StatusFailed), fsm.IgnoreNotAllowed()); err != nil {
		return err
	}
	if walletIssue || order.SubscriptionID == "" || s.defaultPayments == nil {
		return nil
	}
	err := s.defaultPayments.Deactivate(ctx, order.CustomerCode, order.CountryCode)
	if err != nil && !errors.Is(mapOrderRepositoryError(err), ErrOrderNotFound) {
		return mapOrderRepositoryError(err)
	}
	return nil
}

func (s *paymentService) afterPaymentDone(ctx context.Context, orderNr, _, _ string) error {
	order, err := s.orderSvc.ModifyOrder(ctx, orderNr, func(order domain.Order) (domain.OrderPatch, error) {
		patch := domain.OrderPatch{}
		if order.EstimatedDeliveryAt == nil {
			eta := s.clock().Add(deliveryLeadTime)
			patch.EstimatedDeliveryAt = domain.TimePtr(eta)
			if order.OriginalEstimatedDeliveryAt == nil {
				patch.OriginalEstimatedDeliveryAt = domain.TimePtr(eta)
			}
		}
		return patch, nil
	})
	if err != nil {
		return err
	}

	now := s.clock()
	if domain.PrepaidPaymentMethods[order.PaymentMethodCode] {
		if err := s.emit(ctx, domain.ActionDefaultPaymentUpdate, domain.EventPayload{
			OrderNr: order.OrderNr,
		}, now); err != nil {
			return err
		}
	}
	return s.emit(ctx, domain.ActionCancelOrderWithNoShipment, domain.EventPayload{
		OrderNr: order.OrderNr,
	}, now.Add(cancelUnshippedAfter))
}

func (s *paymentService) afterPaymentFailed(ctx context.Context, orderNr, _, _ string) error {
	failed := domain.StatusFailed
	payer := domain.OrderPayerNone
	order, err := s.orderSvc.ModifyOrder(ctx, orderNr, Patch(domain.OrderPatch{
		OrderStatus: &failed,
		Payer:       &payer,
	}))
	if err != nil {
		return err
	}
	return s.afterPaymentLost(ctx, order)
}

func (s *paymentService) afterPaymentCancelled(ctx context.Context, orderNr, _, _ string) error {
	cancelled := domain.StatusCancelled
	payer := domain.OrderPayerNone
	canceledAt := s.clock()
	order, err := s.orderSvc.ModifyOrder(ctx, orderNr, Patch(domain.OrderPatch{
		OrderStatus: &cancelled,
		Payer:       &payer,
		CanceledAt:  domain.TimePtr(canceledAt),
	}))
	if err != nil {
		return err
	}
	return s.afterPaymentLost(ctx, order)
}

// afterPaymentLost runs the shared cleanup after a failed or cancelled
// payment: settle whatever was partially collected and hand the cart back.
func (s *paymentService) afterPaymentLost(ctx context.Context, order domain.Order) error {
	if err := s.emit(ctx, domain.ActionSettlePayment, domain.EventPayload{
		OrderNr: order.OrderNr,
	}, s.clock()); err != nil {
		return err
	}

	if s.sessions != nil && order.SessionRef != "" {
		if err := s.sessions.ReactivateOrderSession(ctx, order.SessionRef); err != nil {
			// the customer can still start a fresh cart, don't hold the
			// payment transition hostage
			s.logger.Warn("session reactivation failed",
				zap.String("order_nr", order.OrderNr),
				zap.String("session_code", order.SessionRef),
				zap.Error(err),
			)
		}
	}
	return nil
}

// appendCreditToTarget moves the order's captured credit to target through a
// single signed ledger entry and persists the resulting running total.
func (s *paymentService) appendCreditToTarget(ctx context.Context, order domain.Order, target decimal.Decimal, reason string) (domain.Order, error) {
	if s.credit == nil {
		return order, errors.New("payment service: credit ledger not configured")
	}
	target = domain.RoundAmount(target)
	delta := order.CreditCaptured.Sub(target)
	if delta.IsZero() {
		return order, nil
	}

	result, err := s.credit.Append(ctx, credit.Transaction{
		CustomerCode: order.CustomerCode,
		CountryCode:  order.CountryCode,
		OrderNr:      order.OrderNr,
		Value:        delta,
		Reason:       reason,
	})
	if err != nil {
		return order, err
	}

	captured := result.RefBalance.Neg()
	return s.orderSvc.ModifyOrder(ctx, order.OrderNr, Patch(domain.OrderPatch{
		CreditCaptured: &captured,
	}))
}

func (s *paymentService) emit(ctx context.Context, action domain.ActionCode, payload domain.EventPayload, at time.Time) error {
	event, err := domain.NewEvent(action, payload, at)
	if err != nil {
		return err
	}
	return mapOrderRepositoryError(s.events.Create(ctx, &event))
}

// gatewayStatePatch translates a gateway snapshot into order columns. The
// stored authorized amount is the uncaptured remainder.
func gatewayStatePatch(state payments.GatewayState) domain.OrderPatch {
	remaining := domain.RoundAmount(domain.MaxAmount(state.Authorized.Sub(state.Captured), decimal.Zero))
	captured := domain.RoundAmount(state.Captured)
	refunded := domain.RoundAmount(state.Refunded)

	patch := domain.OrderPatch{
		PaymentAuthorized: &remaining,
		PaymentCaptured:   &captured,
		PaymentRefunded:   &refunded,
	}
	if state.Reference != "" {
		patch.IntentToken = &state.Reference
	}
	if state.SubscriptionID != "" {
		patch.SubscriptionID = &state.SubscriptionID
	}
	if state.CardMask != "" {
		patch.CreditCardMask = &state.CardMask
	}
	if state.PaymentInfo != "" {
		patch.PrepaidInfo = &state.PaymentInfo
	}
	return patch
}
