package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minutemart/order-api/internal/domain"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequenceIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return func(n int) string {
			return prefix + string(rune('A'+n-1))
		}(n)
	}
}

func newOrderServiceForTest(t *testing.T, deps OrderServiceDeps) OrderService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = sequenceIDs("ID")
	}
	if deps.UnitOfWork == nil {
		deps.UnitOfWork = &stubUnitOfWork{}
	}
	if deps.History == nil {
		deps.History = &stubHistoryRepo{}
	}
	if deps.Events == nil {
		deps.Events = newStubEventRepo()
	}
	if deps.Sessions == nil {
		deps.Sessions = newStubSessionRepo()
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func checkoutSession() *domain.Session {
	return &domain.Session{
		SessionCode:       "sess-1",
		OwnerType:         domain.SessionOwnerCustomer,
		OwnerID:           "cust-1",
		CountryCode:       "AE",
		WarehouseCode:     "WH1",
		AddressKey:        "addr-1",
		PaymentMethodCode: domain.PaymentMethodCard,
		PaymentToken:      "tok-1",
		Status:            domain.SessionStatusActive,
		Items: []domain.SessionItem{
			{SKU: "sku-a", Quantity: 2, Price: dec("10.00")},
			{SKU: "sku-b", Quantity: 1, Price: dec("5.00")},
		},
	}
}

func TestPlaceOrderSnapshotsSession(t *testing.T) {
	orders := newStubOrderRepo()
	sessions := newStubSessionRepo(checkoutSession())
	events := newStubEventRepo()
	ledger := newStubLedger(dec("10.00"))

	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders:   orders,
		Sessions: sessions,
		Events:   events,
		Credit:   ledger,
	})

	order, err := svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		SessionCode:   "sess-1",
		ExpectedTotal: dec("25.00"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if len(order.Items) != 3 {
		t.Fatalf("expected 3 order items, got %d", len(order.Items))
	}
	if order.OrderStatus != domain.StatusPending || order.PaymentStatus != domain.StatusPending {
		t.Fatalf("expected pending statuses, got %s/%s", order.OrderStatus, order.PaymentStatus)
	}
	if order.OMSStatus != domain.StatusNotSynced {
		t.Fatalf("expected oms not_synced, got %s", order.OMSStatus)
	}
	if !order.CreditAmount.Equal(dec("-10.00")) {
		t.Fatalf("expected credit -10.00, got %s", order.CreditAmount)
	}
	if !order.PaymentAmount.Equal(dec("15.00")) {
		t.Fatalf("expected payment amount 15.00, got %s", order.PaymentAmount)
	}
	if !order.CollectFromCustomer.Equal(dec("25.00")) {
		t.Fatalf("expected collect 25.00, got %s", order.CollectFromCustomer)
	}

	stored, err := sessions.GetByCode(context.Background(), "sess-1", false)
	if err != nil {
		t.Fatalf("GetByCode: %v", err)
	}
	if stored.Status != domain.SessionStatusComplete {
		t.Fatalf("expected session complete, got %s", stored.Status)
	}
	if len(sessions.linkedOrders) != 1 || sessions.linkedOrders[0] != order.OrderNr {
		t.Fatalf("expected order linked to session, got %v", sessions.linkedOrders)
	}
	if events.countAction(domain.ActionPaymentOrderCreate) != 1 {
		t.Fatalf("expected one payment create event, got %v", events.actions())
	}
}

func TestPlaceOrderRejectsEmptyCart(t *testing.T) {
	session := checkoutSession()
	session.Items = nil
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders:   newStubOrderRepo(),
		Sessions: newStubSessionRepo(session),
	})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderCommand{SessionCode: "sess-1"})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPlaceOrderRejectsChangedTotal(t *testing.T) {
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders:   newStubOrderRepo(),
		Sessions: newStubSessionRepo(checkoutSession()),
	})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		SessionCode:   "sess-1",
		ExpectedTotal: dec("24.00"),
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func confirmedOrder() *domain.Order {
	return &domain.Order{
		OrderNr:           "MM-1",
		SessionRef:        "sess-1",
		CustomerCode:      "cust-1",
		CountryCode:       "AE",
		CurrencyCode:      "AED",
		PaymentMethodCode: domain.PaymentMethodCard,
		IntentToken:       "ref-1",
		OrderStatus:       domain.StatusConfirmed,
		PaymentStatus:     domain.StatusDone,
		OMSStatus:         domain.StatusNotSynced,
		Payer:             domain.OrderPayerCustomer,
		DeliveryFee:       dec("5.00"),
		Subtotal:          dec("20.00"),
		Total:             dec("25.00"),
		PaymentAmount:     dec("25.00"),
		PaymentCaptured:   dec("25.00"),
		CollectFromCustomer:   dec("25.00"),
		CollectedFromCustomer: dec("25.00"),
		Items: []domain.OrderItem{
			{ItemNr: "MM-1-001", SKU: "sku-a", Price: dec("10.00")},
			{ItemNr: "MM-1-002", SKU: "sku-b", Price: dec("10.00")},
		},
	}
}

func TestModifyOrderRecomputesCollectionAfterItemCancel(t *testing.T) {
	orders := newStubOrderRepo(confirmedOrder())
	history := &stubHistoryRepo{}
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders:  orders,
		History: history,
	})

	at := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if _, err := orders.CancelItems(context.Background(), "MM-1", []string{"MM-1-002"}, domain.CancelReasonOutOfStock, at); err != nil {
		t.Fatalf("CancelItems: %v", err)
	}

	updated, err := svc.ModifyOrder(context.Background(), "MM-1", Patch(domain.OrderPatch{}))
	if err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}

	// one item gone and the delivery fee waived alongside
	if !updated.Subtotal.Equal(dec("10.00")) {
		t.Fatalf("expected subtotal 10.00, got %s", updated.Subtotal)
	}
	if !updated.DeliveryFee.IsZero() {
		t.Fatalf("expected delivery fee waived, got %s", updated.DeliveryFee)
	}
	if !updated.CollectFromCustomer.Equal(dec("10.00")) {
		t.Fatalf("expected collect 10.00, got %s", updated.CollectFromCustomer)
	}
	if orders.lockReads == 0 {
		t.Fatal("expected the order to be read under lock")
	}
}

func TestModifyOrderIsNoOpWhenNothingChanges(t *testing.T) {
	orders := newStubOrderRepo(confirmedOrder())
	events := newStubEventRepo()
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders: orders,
		Events: events,
	})

	if _, err := svc.ModifyOrder(context.Background(), "MM-1", Patch(domain.OrderPatch{})); err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}
	if orders.updates != 0 {
		t.Fatalf("expected no persisted update, got %d", orders.updates)
	}
	if len(events.created) != 0 {
		t.Fatalf("expected no events, got %v", events.actions())
	}
}

func TestModifyOrderAbortsWhollyOnModifierError(t *testing.T) {
	orders := newStubOrderRepo(confirmedOrder())
	events := newStubEventRepo()
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders: orders,
		Events: events,
	})

	boom := errors.New("boom")
	_, err := svc.ModifyOrder(context.Background(), "MM-1", func(domain.Order) (domain.OrderPatch, error) {
		return domain.OrderPatch{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected modifier error, got %v", err)
	}
	if orders.updates != 0 || len(events.created) != 0 {
		t.Fatal("expected nothing persisted after a failed modifier")
	}
}

func TestModifyOrderRejectsNegativeCollection(t *testing.T) {
	orders := newStubOrderRepo(confirmedOrder())
	svc := newOrderServiceForTest(t, OrderServiceDeps{Orders: orders})

	adjustment := dec("-40.00")
	_, err := svc.ModifyOrder(context.Background(), "MM-1", Patch(domain.OrderPatch{
		MpAdjustment: &adjustment,
	}))
	if !errors.Is(err, domain.ErrNegativeCollect) {
		t.Fatalf("expected ErrNegativeCollect, got %v", err)
	}
	if orders.updates != 0 {
		t.Fatalf("expected nothing persisted, got %d updates", orders.updates)
	}
}

func TestModifyOrderSchedulesInvoiceAfterDelivery(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	orders := newStubOrderRepo(confirmedOrder())
	events := newStubEventRepo()
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders: orders,
		Events: events,
		Clock:  fixedClock(now),
	})

	delivered := domain.StatusDelivered
	updated, err := svc.ModifyOrder(context.Background(), "MM-1", Patch(domain.OrderPatch{
		LogisticsStatus: &delivered,
	}))
	if err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}
	if updated.OrderStatus != domain.StatusDelivered {
		t.Fatalf("expected composite delivered, got %s", updated.OrderStatus)
	}

	invoice, ok := events.firstAction(domain.ActionGenerateInvoice)
	if !ok {
		t.Fatalf("expected invoice event, got %v", events.actions())
	}
	if want := now.Add(24 * time.Hour); !invoice.ScheduleAt.Equal(want) {
		t.Fatalf("expected invoice at %s, got %s", want, invoice.ScheduleAt)
	}
	if events.countAction(domain.ActionNotificationOrderUpdate) != 1 {
		t.Fatalf("expected one notification event, got %v", events.actions())
	}
}

func TestCancelOrderCancelsItemsAndSchedulesSettlement(t *testing.T) {
	orders := newStubOrderRepo(confirmedOrder())
	events := newStubEventRepo()
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders: orders,
		Events: events,
	})

	if err := svc.CancelOrder(context.Background(), "MM-1", domain.CancelReasonCustomer); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	stored := orders.stored("MM-1")
	if stored.OrderStatus != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.OrderStatus)
	}
	if stored.Payer != domain.OrderPayerNone {
		t.Fatalf("expected payer none, got %s", stored.Payer)
	}
	if stored.CanceledAt == nil {
		t.Fatal("expected canceled_at set")
	}
	for _, item := range stored.Items {
		if !item.Canceled() {
			t.Fatalf("expected item %s cancelled", item.ItemNr)
		}
	}
	if !stored.CollectFromCustomer.IsZero() {
		t.Fatalf("expected nothing left to collect, got %s", stored.CollectFromCustomer)
	}
	if events.countAction(domain.ActionSettlePayment) != 1 {
		t.Fatalf("expected settle event, got %v", events.actions())
	}
	if events.countAction(domain.ActionNotificationOrderUpdate) != 1 {
		t.Fatalf("expected notification event, got %v", events.actions())
	}
}

func TestCancelOrderRejectsShippedOrder(t *testing.T) {
	order := confirmedOrder()
	order.OMSStatus = domain.StatusShipped
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders: newStubOrderRepo(order),
	})

	err := svc.CancelOrder(context.Background(), "MM-1", domain.CancelReasonCustomer)
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestAddShipmentTolleratesRedeliveredWaybill(t *testing.T) {
	orders := newStubOrderRepo(confirmedOrder())
	shipments := &stubShipmentRepo{}
	events := newStubEventRepo()
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders:    orders,
		Shipments: shipments,
		Events:    events,
	})

	cmd := AddShipmentCommand{OrderNr: "MM-1", AwbNr: "AWB-1", ItemNrs: []string{"MM-1-001"}}
	if err := svc.AddShipment(context.Background(), cmd); err != nil {
		t.Fatalf("AddShipment: %v", err)
	}
	if err := svc.AddShipment(context.Background(), cmd); err != nil {
		t.Fatalf("AddShipment redelivery: %v", err)
	}

	if len(shipments.shipments) != 1 {
		t.Fatalf("expected one shipment, got %d", len(shipments.shipments))
	}
	if events.countAction(domain.ActionOrderShipmentCreated) != 1 {
		t.Fatalf("expected one shipment event, got %v", events.actions())
	}
}

func TestHandleReadyForPickupCancelsUnshippedItems(t *testing.T) {
	orders := newStubOrderRepo(confirmedOrder())
	shipments := &stubShipmentRepo{shipments: []domain.Shipment{{
		AwbNr:   "AWB-1",
		OrderNr: "MM-1",
		Items:   []domain.ShipmentItem{{ItemNr: "MM-1-001"}},
	}}}
	events := newStubEventRepo()
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders:    orders,
		Shipments: shipments,
		Events:    events,
	})

	event, err := domain.NewEvent(domain.ActionOrderReadyForPickup, domain.EventPayload{OrderNr: "MM-1"}, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := svc.HandleReadyForPickup(context.Background(), event); err != nil {
		t.Fatalf("HandleReadyForPickup: %v", err)
	}

	stored := orders.stored("MM-1")
	if stored.OMSStatus != domain.StatusShipped {
		t.Fatalf("expected oms shipped, got %s", stored.OMSStatus)
	}
	var cancelled int
	for _, item := range stored.Items {
		if item.Canceled() {
			cancelled++
			if item.CancelCode != domain.CancelReasonOutOfStock {
				t.Fatalf("expected out_of_stock, got %s", item.CancelCode)
			}
		}
	}
	if cancelled != 1 {
		t.Fatalf("expected exactly one cancelled item, got %d", cancelled)
	}
	if events.countAction(domain.ActionPaymentOrderCapture) != 1 {
		t.Fatalf("expected capture event, got %v", events.actions())
	}
	if events.countAction(domain.ActionSettlePayment) != 1 {
		t.Fatalf("expected settle event, got %v", events.actions())
	}

	partial := false
	for _, created := range events.created {
		if created.ActionCode != domain.ActionNotificationOrderUpdate {
			continue
		}
		payload, err := created.DecodePayload()
		if err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if payload.Partial {
			partial = true
		}
	}
	if !partial {
		t.Fatal("expected a partial shipment notification")
	}
}

func TestHandleCancelWithNoShipmentsSkipsShippedOrders(t *testing.T) {
	orders := newStubOrderRepo(confirmedOrder())
	shipments := &stubShipmentRepo{shipments: []domain.Shipment{{AwbNr: "AWB-1", OrderNr: "MM-1"}}}
	events := newStubEventRepo()
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders:    orders,
		Shipments: shipments,
		Events:    events,
	})

	event, err := domain.NewEvent(domain.ActionCancelOrderWithNoShipment, domain.EventPayload{OrderNr: "MM-1"}, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := svc.HandleCancelWithNoShipments(context.Background(), event); err != nil {
		t.Fatalf("HandleCancelWithNoShipments: %v", err)
	}
	if got := orders.stored("MM-1").OrderStatus; got != domain.StatusConfirmed {
		t.Fatalf("expected order untouched, got %s", got)
	}
}

func TestHandleGenerateInvoiceIsIdempotent(t *testing.T) {
	orders := newStubOrderRepo(confirmedOrder())
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders: orders,
	})

	event, err := domain.NewEvent(domain.ActionGenerateInvoice, domain.EventPayload{OrderNr: "MM-1"}, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := svc.HandleGenerateInvoice(context.Background(), event); err != nil {
		t.Fatalf("HandleGenerateInvoice: %v", err)
	}
	first := orders.stored("MM-1").InvoiceNr
	if first == "" {
		t.Fatal("expected invoice nr assigned")
	}
	if err := svc.HandleGenerateInvoice(context.Background(), event); err != nil {
		t.Fatalf("HandleGenerateInvoice redelivery: %v", err)
	}
	if got := orders.stored("MM-1").InvoiceNr; got != first {
		t.Fatalf("expected invoice nr stable, got %s then %s", first, got)
	}
}

func TestGetOrderProjectsCompositeStatus(t *testing.T) {
	order := confirmedOrder()
	order.OMSStatus = domain.StatusShipped
	history := &stubHistoryRepo{}
	svc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders:  newStubOrderRepo(order),
		History: history,
	})

	view, err := svc.GetOrder(context.Background(), "MM-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if view.Status != domain.StatusReadyForPickup {
		t.Fatalf("expected ready_for_pickup, got %s", view.Status)
	}
	if view.Cancelable {
		t.Fatal("expected shipped order not cancelable")
	}
}
