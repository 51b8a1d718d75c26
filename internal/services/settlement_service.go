package services

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/minutemart/order-api/internal/credit"
	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/payments"
	"github.com/minutemart/order-api/internal/repositories"
)

// PaymentRefresher pulls the latest gateway state into the order before a
// settlement pass. Implemented by the payment service.
type PaymentRefresher interface {
	RefreshPaymentInfo(ctx context.Context, orderNr string) error
}

// SettlementServiceDeps bundles collaborators required to construct the
// settlement service.
type SettlementServiceDeps struct {
	Orders       repositories.OrderRepository
	OrderService OrderService
	Refresher    PaymentRefresher
	Provider     payments.Provider
	Credit       credit.Ledger
	UnitOfWork   repositories.UnitOfWork
	Clock        func() time.Time
	Logger       *zap.Logger
}

type settlementService struct {
	orders     repositories.OrderRepository
	orderSvc   OrderService
	refresher  PaymentRefresher
	provider   payments.Provider
	credit     credit.Ledger
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	logger     *zap.Logger
}

// NewSettlementService wires dependencies into a concrete SettlementService.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Orders == nil {
		return nil, errors.New("settlement service: order repository is required")
	}
	if deps.OrderService == nil {
		return nil, errors.New("settlement service: order service is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("settlement service: payment provider is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("settlement service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &settlementService{
		orders:     deps.Orders,
		orderSvc:   deps.OrderService,
		refresher:  deps.Refresher,
		provider:   deps.Provider,
		credit:     deps.Credit,
		unitOfWork: deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *settlementService) HandleSettlePayment(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}
	return s.SettlePayment(ctx, payload.OrderNr)
}

// SettlePayment reconciles what the order should collect against what has
// been collected so far. The gateway and the credit ledger are the only
// mutable sources of truth for money movement; the order columns cache their
// state. Permanent gateway rejections are expected races with the gateway's
// own lifecycle and are swallowed, the next settlement pass converges with
// corrected state.
func (s *settlementService) SettlePayment(ctx context.Context, orderNr string) error {
	if s.refresher != nil {
		if err := s.refresher.RefreshPaymentInfo(ctx, orderNr); err != nil {
			return err
		}
	}

	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetByOrderNr(txCtx, orderNr, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}

		toCollect := domain.ComputeInvoiceInfo(order).CollectFromCustomer
		collected := domain.DerivedCollected(order)
		if domain.EqualAmounts(toCollect, collected) {
			return nil
		}

		diff := toCollect.Sub(collected)
		if diff.IsPositive() {
			return s.collectShortfall(txCtx, order, toCollect, diff)
		}
		return s.refundSurplus(txCtx, order, toCollect, diff.Neg())
	})
}

// collectShortfall collects diff more from the customer: first from any
// authorized-but-uncaptured card amount, then from the credit ledger.
func (s *settlementService) collectShortfall(ctx context.Context, order domain.Order, toCollect, diff decimal.Decimal) error {
	remaining := diff

	if order.IntentToken != "" && order.PaymentAuthorized.IsPositive() {
		target := order.PaymentCaptured.Add(domain.MinAmount(order.PaymentAuthorized, remaining))
		state, err := s.provider.Capture(ctx, order.IntentToken, target)
		switch {
		case err == nil:
			order, err = s.orderSvc.ModifyOrder(ctx, order.OrderNr, Patch(gatewayStatePatch(state)))
			if err != nil {
				return err
			}
			remaining = toCollect.Sub(domain.DerivedCollected(order))
		case payments.IsPermanent(err):
			s.logger.Warn("settlement capture refused permanently, falling back to credit",
				zap.String("order_nr", order.OrderNr),
				zap.Error(err),
			)
		default:
			return err
		}
	}

	if !remaining.IsPositive() || domain.EqualAmounts(remaining, decimal.Zero) {
		return nil
	}
	_, err := s.moveCreditTo(ctx, order, order.CreditCaptured.Sub(remaining))
	return err
}

// refundSurplus hands surplus back: a card refund bounded by what was
// captured, then any remainder as a credit top-up.
func (s *settlementService) refundSurplus(ctx context.Context, order domain.Order, toCollect, surplus decimal.Decimal) error {
	alreadyRefunded := order.PaymentRefunded.Neg()
	refundTotal := domain.MinAmount(
		alreadyRefunded.Add(domain.MinAmount(order.PaymentCaptured, surplus)),
		order.PaymentCaptured,
	)
	refundDelta := refundTotal.Sub(alreadyRefunded)

	if refundDelta.IsPositive() && order.IntentToken != "" {
		state, err := s.provider.Refund(ctx, order.IntentToken, refundDelta)
		switch {
		case err == nil:
			order, err = s.orderSvc.ModifyOrder(ctx, order.OrderNr, Patch(gatewayStatePatch(state)))
			if err != nil {
				return err
			}
		case payments.IsPermanent(err):
			s.logger.Warn("settlement refund refused permanently",
				zap.String("order_nr", order.OrderNr),
				zap.Error(err),
			)
		default:
			return err
		}
	}

	// re-read the order's view of the money and top up the rest as credit
	remaining := domain.DerivedCollected(order).Sub(toCollect)
	if !remaining.IsPositive() || domain.EqualAmounts(remaining, decimal.Zero) {
		return nil
	}
	target := domain.MinAmount(order.CreditCaptured.Add(remaining), decimal.Zero)
	_, err := s.moveCreditTo(ctx, order, target)
	return err
}

// moveCreditTo adjusts the order's captured credit to target with one signed
// ledger entry. The stored captured amount comes back from the ledger's
// running total for the order.
func (s *settlementService) moveCreditTo(ctx context.Context, order domain.Order, target decimal.Decimal) (domain.Order, error) {
	if s.credit == nil {
		return order, errors.New("settlement service: credit ledger not configured")
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
		Reason:       creditReasonSettlement,
	})
	if err != nil {
		return order, err
	}

	captured := result.RefBalance.Neg()
	return s.orderSvc.ModifyOrder(ctx, order.OrderNr, Patch(domain.OrderPatch{
		CreditCaptured: &captured,
	}))
}

func (s *settlementService) HandleCaptureIssuedCredits(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}
	if s.credit == nil {
		return errors.New("settlement service: credit ledger not configured")
	}

	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetByOrderNr(txCtx, payload.OrderNr, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		outstanding := order.IssuedCredit.Sub(order.IssuedCreditCaptured)
		if outstanding.IsZero() {
			return nil
		}

		result, err := s.credit.Append(txCtx, credit.Transaction{
			CustomerCode: order.CustomerCode,
			CountryCode:  order.CountryCode,
			OrderNr:      order.OrderNr,
			Value:        outstanding.Neg(),
			Reason:       creditReasonIssued,
		})
		if err != nil {
			return err
		}
		if result.CustomerBalance.IsNegative() {
			s.logger.Warn("issued credit left a negative balance",
				zap.String("order_nr", order.OrderNr),
				zap.String("customer_code", order.CustomerCode),
			)
		}

		issued := domain.RoundAmount(order.IssuedCredit)
		_, err = s.orderSvc.ModifyOrder(txCtx, order.OrderNr, Patch(domain.OrderPatch{
			IssuedCreditCaptured: &issued,
		}))
		return err
	})
}
