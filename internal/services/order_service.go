package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/minutemart/order-api/internal/credit"
	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/database"
	"github.com/minutemart/order-api/internal/repositories"
)

const (
	orderNrPrefix   = "MM-"
	invoiceNrPrefix = "INV-"

	// invoiceDelay is how long after delivery the invoice generation event
	// fires, leaving room for late item disputes.
	invoiceDelay = 24 * time.Hour
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the operation is not allowed in the
	// order's current status.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates a concurrent writer or a duplicate.
	ErrOrderConflict = errors.New("order: conflict")
)

// OrderServiceDeps bundles collaborators required to construct the order
// service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Sessions    repositories.SessionRepository
	Events      repositories.EventRepository
	History     repositories.HistoryRepository
	Shipments   repositories.ShipmentRepository
	Credit      credit.Ledger
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
}

type orderService struct {
	orders     repositories.OrderRepository
	sessions   repositories.SessionRepository
	events     repositories.EventRepository
	history    repositories.HistoryRepository
	shipments  repositories.ShipmentRepository
	credit     credit.Ledger
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     *zap.Logger
}

// NewOrderService wires dependencies into a concrete OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("order service: session repository is required")
	}
	if deps.Events == nil {
		return nil, errors.New("order service: event repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: history repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("order service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &orderService{
		orders:     deps.Orders,
		sessions:   deps.Sessions,
		events:     deps.Events,
		history:    deps.History,
		shipments:  deps.Shipments,
		credit:     deps.Credit,
		unitOfWork: deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error) {
	code := strings.TrimSpace(cmd.SessionCode)
	if code == "" {
		return domain.Order{}, fmt.Errorf("%w: session code is required", ErrOrderInvalidInput)
	}

	var placed domain.Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		session, err := s.sessions.GetByCode(txCtx, code, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if !session.Active() {
			return fmt.Errorf("%w: session %s is not active", ErrOrderInvalidState, code)
		}
		if session.OwnerType != domain.SessionOwnerCustomer {
			return fmt.Errorf("%w: guest sessions cannot check out", ErrOrderInvalidInput)
		}
		if len(session.Items) == 0 {
			return fmt.Errorf("%w: cart is empty", ErrOrderInvalidInput)
		}
		if session.PaymentMethodCode == "" {
			return fmt.Errorf("%w: payment method is not selected", ErrOrderInvalidInput)
		}
		if session.AddressKey == "" {
			return fmt.Errorf("%w: delivery address is not selected", ErrOrderInvalidInput)
		}

		total := sessionTotal(session)
		if !domain.EqualAmounts(total, cmd.ExpectedTotal) {
			return fmt.Errorf("%w: cart total changed", ErrOrderConflict)
		}

		now := s.clock()
		order := s.buildOrder(session, now)

		if s.credit != nil {
			balance, err := s.credit.Balance(txCtx, session.OwnerID, session.CountryCode)
			if err != nil {
				return err
			}
			if balance.IsPositive() {
				order.CreditAmount = domain.MinAmount(total, balance).Neg()
			}
		}

		info := domain.ComputeInvoiceInfo(order)
		applyInvoiceInfo(&order, info)
		order.InitialSubtotal = info.Subtotal
		order.InitialDeliveryFee = info.DeliveryFee
		order.InitialTotal = info.Total
		order.CollectedFromCustomer = domain.DerivedCollected(order)

		if err := s.orders.Create(txCtx, &order); err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := s.sessions.LinkOrder(txCtx, session.ID, order.OrderNr); err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := s.sessions.SetStatus(txCtx, session.SessionCode, domain.SessionStatusComplete); err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := s.history.RecordStatus(txCtx, order.ID, domain.HistoryEventOrderStatus, order.OrderStatus, now); err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := s.emit(txCtx, domain.ActionPaymentOrderCreate, domain.EventPayload{
			OrderNr:      order.OrderNr,
			CustomerCode: order.CustomerCode,
		}, now); err != nil {
			return err
		}

		placed = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.logger.Info("order placed",
		zap.String("order_nr", placed.OrderNr),
		zap.String("customer_code", placed.CustomerCode),
	)
	return placed, nil
}

func (s *orderService) buildOrder(session domain.Session, now time.Time) domain.Order {
	orderNr := orderNrPrefix + s.newID()
	placedAt := now

	order := domain.Order{
		OrderNr:           orderNr,
		SessionRef:        session.SessionCode,
		CustomerCode:      session.OwnerID,
		CountryCode:       session.CountryCode,
		CurrencyCode:      session.CurrencyCode,
		WarehouseCode:     session.WarehouseCode,
		AddressKey:        session.AddressKey,
		PaymentMethodCode: session.PaymentMethodCode,
		PaymentToken:      session.PaymentToken,
		CreditCardMask:    session.CreditCardMask,
		OrderStatus:       domain.StatusPending,
		PaymentStatus:     domain.StatusPending,
		OMSStatus:         domain.StatusNotSynced,
		Payer:             domain.OrderPayerCustomer,
		PlacedAt:          &placedAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	seq := 0
	for _, line := range session.Items {
		for i := 0; i < line.Quantity; i++ {
			seq++
			order.Items = append(order.Items, domain.OrderItem{
				ItemNr: fmt.Sprintf("%s-%03d", orderNr, seq),
				SKU:    line.SKU,
				Price:  line.Price,
			})
		}
	}
	return order
}

func (s *orderService) GetOrder(ctx context.Context, orderNr string) (OrderView, error) {
	order, err := s.orders.GetByOrderNr(ctx, orderNr, false)
	if err != nil {
		return OrderView{}, mapOrderRepositoryError(err)
	}
	history, err := s.history.ListByOrder(ctx, order.ID)
	if err != nil {
		return OrderView{}, mapOrderRepositoryError(err)
	}
	return newOrderView(order, history), nil
}

func (s *orderService) ListOrders(ctx context.Context, customerCode string, limit, offset int) ([]OrderView, error) {
	orders, err := s.orders.ListByCustomer(ctx, customerCode, limit, offset)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	views := make([]OrderView, 0, len(orders))
	for _, order := range orders {
		views = append(views, newOrderView(order, nil))
	}
	return views, nil
}

func newOrderView(order domain.Order, history []domain.OrderHistoryEvent) OrderView {
	status := domain.CompositeOrderStatus(order)
	return OrderView{
		Order:       order,
		Status:      status,
		StatusColor: domain.StatusColor(status),
		Cancelable:  order.IsCancelable(),
		History:     history,
	}
}

func (s *orderService) ModifyOrder(ctx context.Context, orderNr string, modifier OrderModifier) (domain.Order, error) {
	if modifier == nil {
		return domain.Order{}, fmt.Errorf("%w: modifier is required", ErrOrderInvalidInput)
	}

	var result domain.Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetByOrderNr(txCtx, orderNr, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		previousStatus := order.OrderStatus

		patch, err := modifier(order)
		if err != nil {
			return err
		}
		changed := patch.Apply(&order)

		if payer := domain.DerivePayer(order); payer != order.Payer {
			order.Payer = payer
			changed = append(changed, "Payer")
		}

		info := domain.ComputeInvoiceInfo(order)
		if err := info.Validate(); err != nil {
			return err
		}
		invoicePatch := domain.OrderPatch{}.FromInvoiceInfo(info)
		changed = append(changed, invoicePatch.Apply(&order)...)

		collected := domain.DerivedCollected(order)
		if !order.CollectedFromCustomer.Equal(collected) {
			order.CollectedFromCustomer = collected
			changed = append(changed, "CollectedFromCustomer")
		}

		if composite := domain.CompositeOrderStatus(order); composite != order.OrderStatus {
			order.OrderStatus = composite
			changed = append(changed, "OrderStatus")
		}

		if len(changed) == 0 {
			result = order
			return nil
		}

		now := s.clock()
		if slices.Contains(changed, "EstimatedDeliveryAt") || slices.Contains(changed, "OriginalEstimatedDeliveryAt") {
			entry := domain.OrderEtaHistory{
				OrderID:                     order.ID,
				EstimatedDeliveryAt:         order.EstimatedDeliveryAt,
				OriginalEstimatedDeliveryAt: order.OriginalEstimatedDeliveryAt,
				CreatedAt:                   now,
			}
			if err := s.history.RecordEta(txCtx, &entry); err != nil {
				return mapOrderRepositoryError(err)
			}
		}

		if err := s.history.RecordStatus(txCtx, order.ID, domain.HistoryEventOrderStatus, order.OrderStatus, now); err != nil {
			return mapOrderRepositoryError(err)
		}
		if order.LogisticsStatus != "" {
			if err := s.history.RecordStatus(txCtx, order.ID, domain.HistoryEventLogistics, order.LogisticsStatus, now); err != nil {
				return mapOrderRepositoryError(err)
			}
		}

		if order.OrderStatus != previousStatus {
			if err := s.onCompositeStatusChanged(txCtx, order, now); err != nil {
				return err
			}
		}

		if slices.Contains(changed, "IssuedCredit") {
			if err := s.emit(txCtx, domain.ActionCaptureIssuedCredits, domain.EventPayload{
				OrderNr: order.OrderNr,
			}, now); err != nil {
				return err
			}
		}

		order.UpdatedAt = now
		changed = append(changed, "UpdatedAt")
		if err := s.orders.Update(txCtx, &order, dedupeFields(changed)); err != nil {
			return mapOrderRepositoryError(err)
		}

		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// onCompositeStatusChanged schedules the events derived from a status
// milestone, inside the same transaction as the status write.
func (s *orderService) onCompositeStatusChanged(ctx context.Context, order domain.Order, now time.Time) error {
	if err := s.emit(ctx, domain.ActionNotificationOrderUpdate, domain.EventPayload{
		OrderNr:      order.OrderNr,
		CustomerCode: order.CustomerCode,
		Status:       order.OrderStatus,
		OccurredAt:   &now,
	}, now); err != nil {
		return err
	}

	if order.OrderStatus == domain.StatusDelivered {
		if err := s.emit(ctx, domain.ActionGenerateInvoice, domain.EventPayload{
			OrderNr: order.OrderNr,
		}, now.Add(invoiceDelay)); err != nil {
			return err
		}
	}
	return nil
}

func (s *orderService) CancelOrder(ctx context.Context, orderNr string, reason domain.CancelReason) error {
	if reason == "" {
		return fmt.Errorf("%w: cancel reason is required", ErrOrderInvalidInput)
	}

	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetByOrderNr(txCtx, orderNr, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if !order.IsCancelable() {
			return fmt.Errorf("%w: order %s can no longer be cancelled", ErrOrderInvalidState, orderNr)
		}

		now := s.clock()
		itemNrs := activeItemNrs(order.Items)
		if len(itemNrs) > 0 {
			if _, err := s.orders.CancelItems(txCtx, orderNr, itemNrs, reason, now); err != nil {
				return mapOrderRepositoryError(err)
			}
		}

		canceledAt := now
		cancelled := domain.StatusCancelled
		payer := domain.OrderPayerNone
		if _, err := s.ModifyOrder(txCtx, orderNr, Patch(domain.OrderPatch{
			OrderStatus: &cancelled,
			Payer:       &payer,
			CanceledAt:  domain.TimePtr(canceledAt),
		})); err != nil {
			return err
		}

		return s.emit(txCtx, domain.ActionSettlePayment, domain.EventPayload{
			OrderNr: order.OrderNr,
		}, now)
	})
}

func (s *orderService) AddShipment(ctx context.Context, cmd AddShipmentCommand) error {
	if cmd.OrderNr == "" || cmd.AwbNr == "" {
		return fmt.Errorf("%w: order nr and awb nr are required", ErrOrderInvalidInput)
	}
	if len(cmd.ItemNrs) == 0 {
		return fmt.Errorf("%w: a shipment needs at least one item", ErrOrderInvalidInput)
	}
	if s.shipments == nil {
		return errors.New("order service: shipment repository not configured")
	}

	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := s.orders.GetByOrderNr(txCtx, cmd.OrderNr, false); err != nil {
			return mapOrderRepositoryError(err)
		}

		shipment := domain.Shipment{
			AwbNr:   cmd.AwbNr,
			OrderNr: cmd.OrderNr,
		}
		for _, itemNr := range cmd.ItemNrs {
			shipment.Items = append(shipment.Items, domain.ShipmentItem{ItemNr: itemNr})
		}
		if err := s.shipments.Create(txCtx, &shipment); err != nil {
			return mapOrderRepositoryError(err)
		}

		return s.emit(txCtx, domain.ActionOrderShipmentCreated, domain.EventPayload{
			OrderNr: cmd.OrderNr,
			AwbNr:   cmd.AwbNr,
		}, s.clock())
	})
	// a redelivered waybill webhook is not an error
	if errors.Is(err, ErrOrderConflict) {
		return nil
	}
	return err
}

func (s *orderService) HandleShipmentCreated(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}
	shipped := domain.StatusShipped
	_, err = s.ModifyOrder(ctx, payload.OrderNr, Patch(domain.OrderPatch{
		OMSStatus: &shipped,
	}))
	return err
}

func (s *orderService) HandleReadyForPickup(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}
	if s.shipments == nil {
		return errors.New("order service: shipment repository not configured")
	}

	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetByOrderNr(txCtx, payload.OrderNr, true)
		if err != nil {
			return mapOrderRepositoryError(err)
		}

		shipments, err := s.shipments.ListByOrderNr(txCtx, payload.OrderNr)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		covered := make(map[string]bool)
		for _, shipment := range shipments {
			for _, item := range shipment.Items {
				covered[item.ItemNr] = true
			}
		}

		now := s.clock()
		var missing []string
		for _, item := range order.Items {
			if !item.Canceled() && !covered[item.ItemNr] {
				missing = append(missing, item.ItemNr)
			}
		}
		if len(missing) > 0 {
			if _, err := s.orders.CancelItems(txCtx, payload.OrderNr, missing, domain.CancelReasonOutOfStock, now); err != nil {
				return mapOrderRepositoryError(err)
			}
		}

		shipped := domain.StatusShipped
		updated, err := s.ModifyOrder(txCtx, payload.OrderNr, Patch(domain.OrderPatch{
			OMSStatus: &shipped,
		}))
		if err != nil {
			return err
		}

		if err := s.emit(txCtx, domain.ActionPaymentOrderCapture, domain.EventPayload{
			OrderNr: payload.OrderNr,
		}, now); err != nil {
			return err
		}
		if err := s.emit(txCtx, domain.ActionSettlePayment, domain.EventPayload{
			OrderNr: payload.OrderNr,
		}, now); err != nil {
			return err
		}
		if len(missing) > 0 {
			if err := s.emit(txCtx, domain.ActionNotificationOrderUpdate, domain.EventPayload{
				OrderNr:      payload.OrderNr,
				CustomerCode: updated.CustomerCode,
				Status:       domain.StatusReadyForPickup,
				Partial:      true,
				OccurredAt:   &now,
			}, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *orderService) HandleCancelWithNoShipments(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}
	if s.shipments == nil {
		return errors.New("order service: shipment repository not configured")
	}

	count, err := s.shipments.CountByOrderNr(ctx, payload.OrderNr)
	if err != nil {
		return mapOrderRepositoryError(err)
	}
	if count > 0 {
		return nil
	}

	err = s.CancelOrder(ctx, payload.OrderNr, domain.CancelReasonNoShipments)
	// the order may have reached a terminal state on its own in the meantime
	if errors.Is(err, ErrOrderInvalidState) {
		return nil
	}
	return err
}

func (s *orderService) HandleLogisticsUpdate(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}
	if payload.Status == "" {
		return fmt.Errorf("%w: logistics update without a status", ErrOrderInvalidInput)
	}

	_, err = s.ModifyOrder(ctx, payload.OrderNr, func(order domain.Order) (domain.OrderPatch, error) {
		patch := domain.OrderPatch{LogisticsStatus: &payload.Status}
		if payload.Status == domain.StatusDelivered && order.DeliveredAt == nil {
			patch.DeliveredAt = domain.TimePtr(s.clock())
		}
		return patch, nil
	})
	return err
}

func (s *orderService) HandleGenerateInvoice(ctx context.Context, event domain.Event) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return err
	}

	_, err = s.ModifyOrder(ctx, payload.OrderNr, func(order domain.Order) (domain.OrderPatch, error) {
		if order.InvoiceNr != "" {
			return domain.OrderPatch{}, nil
		}
		invoiceNr := invoiceNrPrefix + s.newID()
		return domain.OrderPatch{InvoiceNr: &invoiceNr}, nil
	})
	return err
}

func (s *orderService) emit(ctx context.Context, action domain.ActionCode, payload domain.EventPayload, at time.Time) error {
	event, err := domain.NewEvent(action, payload, at)
	if err != nil {
		return err
	}
	return mapOrderRepositoryError(s.events.Create(ctx, &event))
}

func sessionTotal(session domain.Session) decimal.Decimal {
	total := decimal.Zero
	for _, item := range session.Items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return domain.RoundAmount(total)
}

func applyInvoiceInfo(order *domain.Order, info domain.InvoiceInfo) {
	order.DeliveryFee = info.DeliveryFee
	order.Subtotal = info.Subtotal
	order.Total = info.Total
	order.MpAdjustment = info.MpAdjustment
	order.CreditAmount = info.CreditAmount
	order.PaymentAmount = info.PaymentAmount
	order.PaymentCashAmount = info.PaymentCashAmount
	order.CollectFromCustomer = info.CollectFromCustomer
}

func activeItemNrs(items []domain.OrderItem) []string {
	var nrs []string
	for _, item := range items {
		if !item.Canceled() {
			nrs = append(nrs, item.ItemNr)
		}
	}
	return nrs
}

func dedupeFields(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, field := range fields {
		if !seen[field] {
			seen[field] = true
			out = append(out, field)
		}
	}
	return out
}

func mapOrderRepositoryError(err error) error {
	switch {
	case err == nil:
		return nil
	case database.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case database.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	default:
		return err
	}
}
