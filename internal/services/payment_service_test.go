package services

import (
	"context"
	"testing"
	"time"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/payments"
)

type paymentFixture struct {
	svc             PaymentService
	orders          *stubOrderRepo
	events          *stubEventRepo
	provider        *stubProvider
	ledger          *stubLedger
	defaultPayments *stubDefaultPaymentRepo
	reactivator     *stubReactivator
	now             time.Time
}

func newPaymentFixture(t *testing.T, order *domain.Order, provider *stubProvider, ledger *stubLedger) paymentFixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	orders := newStubOrderRepo(order)
	events := newStubEventRepo()
	defaultPayments := &stubDefaultPaymentRepo{}
	reactivator := &stubReactivator{}
	orderSvc := newOrderServiceForTest(t, OrderServiceDeps{
		Orders: orders,
		Events: events,
		Clock:  fixedClock(now),
	})
	svc, err := NewPaymentService(PaymentServiceDeps{
		Orders:          orders,
		Events:          events,
		DefaultPayments: defaultPayments,
		OrderService:    orderSvc,
		Sessions:        reactivator,
		Provider:        provider,
		Credit:          ledger,
		UnitOfWork:      &stubUnitOfWork{},
		Clock:           fixedClock(now),
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return paymentFixture{
		svc:             svc,
		orders:          orders,
		events:          events,
		provider:        provider,
		ledger:          ledger,
		defaultPayments: defaultPayments,
		reactivator:     reactivator,
		now:             now,
	}
}

func pendingOrder() *domain.Order {
	return &domain.Order{
		OrderNr:           "MM-1",
		SessionRef:        "sess-1",
		CustomerCode:      "cust-1",
		CountryCode:       "AE",
		CurrencyCode:      "AED",
		PaymentMethodCode: domain.PaymentMethodCard,
		PaymentToken:      "tok-1",
		OrderStatus:       domain.StatusPending,
		PaymentStatus:     domain.StatusPending,
		OMSStatus:         domain.StatusNotSynced,
		Payer:             domain.OrderPayerCustomer,
		Subtotal:          dec("25.00"),
		Total:             dec("25.00"),
		CreditAmount:      dec("-10.00"),
		PaymentAmount:     dec("15.00"),
		CollectFromCustomer: dec("25.00"),
		Items: []domain.OrderItem{
			{ItemNr: "MM-1-001", SKU: "sku-a", Price: dec("12.50")},
			{ItemNr: "MM-1-002", SKU: "sku-b", Price: dec("12.50")},
		},
	}
}

func createIntentEvent(t *testing.T) domain.Event {
	t.Helper()
	event, err := domain.NewEvent(domain.ActionPaymentOrderCreate, domain.EventPayload{OrderNr: "MM-1"}, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return event
}

func TestHandleCreateIntentCapturesCreditThenCreatesIntent(t *testing.T) {
	provider := &stubProvider{state: payments.GatewayState{
		Reference:  "ref-9",
		Authorized: dec("15.00"),
	}}
	f := newPaymentFixture(t, pendingOrder(), provider, newStubLedger(dec("50.00")))

	if err := f.svc.HandleCreateIntent(context.Background(), createIntentEvent(t)); err != nil {
		t.Fatalf("HandleCreateIntent: %v", err)
	}

	if len(f.ledger.calls) != 1 || !f.ledger.calls[0].Value.Equal(dec("10.00")) {
		t.Fatalf("expected 10.00 withdrawn from credit, got %v", f.ledger.calls)
	}
	if f.ledger.calls[0].Reason != creditReasonOrderPayment {
		t.Fatalf("expected order payment reason, got %s", f.ledger.calls[0].Reason)
	}
	if len(provider.calls) != 1 || provider.calls[0].Op != "create" {
		t.Fatalf("expected a single intent creation, got %v", provider.ops())
	}
	if !provider.calls[0].Amount.Equal(dec("15.00")) {
		t.Fatalf("expected intent over 15.00, got %s", provider.calls[0].Amount)
	}

	stored := f.orders.stored("MM-1")
	if stored.IntentToken != "ref-9" {
		t.Fatalf("expected intent token stored, got %q", stored.IntentToken)
	}
	if !stored.CreditCaptured.Equal(dec("-10.00")) {
		t.Fatalf("expected credit captured -10.00, got %s", stored.CreditCaptured)
	}
	if !stored.PaymentAuthorized.Equal(dec("15.00")) {
		t.Fatalf("expected authorized 15.00, got %s", stored.PaymentAuthorized)
	}
	if stored.PaymentStatus != domain.StatusPending {
		t.Fatalf("expected payment still pending until the gateway confirms, got %s", stored.PaymentStatus)
	}
}

func TestHandleCreateIntentInsufficientCreditFailsPayment(t *testing.T) {
	order := pendingOrder()
	order.SubscriptionID = "sub-1"
	f := newPaymentFixture(t, order, &stubProvider{}, newStubLedger(dec("5.00")))

	if err := f.svc.HandleCreateIntent(context.Background(), createIntentEvent(t)); err != nil {
		t.Fatalf("HandleCreateIntent: %v", err)
	}

	stored := f.orders.stored("MM-1")
	if stored.PaymentStatus != domain.StatusFailed {
		t.Fatalf("expected payment failed, got %s", stored.PaymentStatus)
	}
	if stored.OrderStatus != domain.StatusFailed {
		t.Fatalf("expected order failed, got %s", stored.OrderStatus)
	}
	if stored.Payer != domain.OrderPayerNone {
		t.Fatalf("expected payer none, got %s", stored.Payer)
	}
	if len(f.provider.calls) != 0 {
		t.Fatalf("expected no gateway calls, got %v", f.provider.ops())
	}
	if f.events.countAction(domain.ActionSettlePayment) != 1 {
		t.Fatalf("expected settle event, got %v", f.events.actions())
	}
	if len(f.reactivator.codes) != 1 || f.reactivator.codes[0] != "sess-1" {
		t.Fatalf("expected session reactivated, got %v", f.reactivator.codes)
	}
	// a wallet shortfall says nothing about the card, keep the default payment
	if len(f.defaultPayments.deactivated) != 0 {
		t.Fatalf("expected default payment kept, got %v", f.defaultPayments.deactivated)
	}
}

func TestHandleCreateIntentPermanentGatewayRejectionDropsDefaultPayment(t *testing.T) {
	order := pendingOrder()
	order.CreditAmount = dec("0.00")
	order.PaymentAmount = dec("25.00")
	order.SubscriptionID = "sub-1"
	provider := &stubProvider{createErr: &payments.GatewayError{
		Op:      "create",
		Message: "card declined",
		Final:   true,
	}}
	f := newPaymentFixture(t, order, provider, newStubLedger(dec("0.00")))

	if err := f.svc.HandleCreateIntent(context.Background(), createIntentEvent(t)); err != nil {
		t.Fatalf("HandleCreateIntent: %v", err)
	}

	if got := f.orders.stored("MM-1").PaymentStatus; got != domain.StatusFailed {
		t.Fatalf("expected payment failed, got %s", got)
	}
	if len(f.defaultPayments.deactivated) != 1 {
		t.Fatalf("expected default payment deactivated, got %v", f.defaultPayments.deactivated)
	}
}

func TestHandleCreateIntentCashOrderGoesStraightToDone(t *testing.T) {
	order := pendingOrder()
	order.PaymentMethodCode = domain.PaymentMethodCOD
	order.CreditAmount = dec("0.00")
	order.PaymentAmount = dec("25.00")
	f := newPaymentFixture(t, order, &stubProvider{}, newStubLedger(dec("0.00")))

	if err := f.svc.HandleCreateIntent(context.Background(), createIntentEvent(t)); err != nil {
		t.Fatalf("HandleCreateIntent: %v", err)
	}

	stored := f.orders.stored("MM-1")
	if stored.PaymentStatus != domain.StatusDone {
		t.Fatalf("expected payment done, got %s", stored.PaymentStatus)
	}
	if stored.OrderStatus != domain.StatusConfirmed {
		t.Fatalf("expected order confirmed, got %s", stored.OrderStatus)
	}
	if stored.EstimatedDeliveryAt == nil || !stored.EstimatedDeliveryAt.Equal(f.now.Add(deliveryLeadTime)) {
		t.Fatalf("expected delivery estimate seeded, got %v", stored.EstimatedDeliveryAt)
	}
	if len(f.provider.calls) != 0 {
		t.Fatalf("expected no gateway calls, got %v", f.provider.ops())
	}

	cancel, ok := f.events.firstAction(domain.ActionCancelOrderWithNoShipment)
	if !ok {
		t.Fatalf("expected no-shipment watchdog event, got %v", f.events.actions())
	}
	if want := f.now.Add(cancelUnshippedAfter); !cancel.ScheduleAt.Equal(want) {
		t.Fatalf("expected watchdog at %s, got %s", want, cancel.ScheduleAt)
	}
	if f.events.countAction(domain.ActionDefaultPaymentUpdate) != 0 {
		t.Fatalf("expected no default payment event for cash, got %v", f.events.actions())
	}
}

func TestHandleCreateIntentSkipsSettledOrders(t *testing.T) {
	order := pendingOrder()
	order.PaymentStatus = domain.StatusDone
	f := newPaymentFixture(t, order, &stubProvider{}, newStubLedger(dec("50.00")))

	if err := f.svc.HandleCreateIntent(context.Background(), createIntentEvent(t)); err != nil {
		t.Fatalf("HandleCreateIntent: %v", err)
	}
	if len(f.provider.calls) != 0 || len(f.ledger.calls) != 0 {
		t.Fatal("expected a redelivered event on a settled order to be a no-op")
	}
}

func TestHandleCreateIntentKeepsExistingIntent(t *testing.T) {
	order := pendingOrder()
	order.CreditAmount = dec("0.00")
	order.PaymentAmount = dec("25.00")
	order.IntentToken = "ref-1"
	f := newPaymentFixture(t, order, &stubProvider{}, newStubLedger(dec("0.00")))

	if err := f.svc.HandleCreateIntent(context.Background(), createIntentEvent(t)); err != nil {
		t.Fatalf("HandleCreateIntent: %v", err)
	}
	if len(f.provider.calls) != 0 {
		t.Fatalf("expected existing intent reused, got %v", f.provider.ops())
	}
}

func captureEvent(t *testing.T) domain.Event {
	t.Helper()
	event, err := domain.NewEvent(domain.ActionPaymentOrderCapture, domain.EventPayload{OrderNr: "MM-1"}, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return event
}

func TestHandleCaptureTakesAuthorizedRemainder(t *testing.T) {
	order := pendingOrder()
	order.PaymentStatus = domain.StatusDone
	order.IntentToken = "ref-1"
	order.PaymentAuthorized = dec("15.00")
	provider := &stubProvider{state: payments.GatewayState{
		Authorized: dec("15.00"),
	}}
	f := newPaymentFixture(t, order, provider, newStubLedger(dec("0.00")))

	if err := f.svc.HandleCapture(context.Background(), captureEvent(t)); err != nil {
		t.Fatalf("HandleCapture: %v", err)
	}

	if len(provider.calls) != 1 || provider.calls[0].Op != "capture" {
		t.Fatalf("expected a single capture, got %v", provider.ops())
	}
	if !provider.calls[0].Amount.Equal(dec("15.00")) {
		t.Fatalf("expected capture of 15.00, got %s", provider.calls[0].Amount)
	}
	stored := f.orders.stored("MM-1")
	if !stored.PaymentCaptured.Equal(dec("15.00")) {
		t.Fatalf("expected captured 15.00, got %s", stored.PaymentCaptured)
	}
	if !stored.PaymentAuthorized.IsZero() {
		t.Fatalf("expected authorized drained, got %s", stored.PaymentAuthorized)
	}

	// redelivery re-derives the target and finds nothing left to take
	if err := f.svc.HandleCapture(context.Background(), captureEvent(t)); err != nil {
		t.Fatalf("redelivered HandleCapture: %v", err)
	}
	if len(provider.calls) != 1 {
		t.Fatalf("expected the gateway touched once, got %v", provider.ops())
	}
}

func TestHandleCapturePermanentErrorDefersToSettlement(t *testing.T) {
	order := pendingOrder()
	order.PaymentStatus = domain.StatusDone
	order.IntentToken = "ref-1"
	order.PaymentAuthorized = dec("15.00")
	provider := &stubProvider{captureErr: &payments.GatewayError{
		Op:      "capture",
		Message: "capture from invalid status MARKED_FOR_REVIEW",
	}}
	f := newPaymentFixture(t, order, provider, newStubLedger(dec("0.00")))

	if err := f.svc.HandleCapture(context.Background(), captureEvent(t)); err != nil {
		t.Fatalf("HandleCapture: %v", err)
	}
	if f.events.countAction(domain.ActionSettlePayment) != 1 {
		t.Fatalf("expected settlement handoff, got %v", f.events.actions())
	}
}

func TestPaymentUpdatedPromotesSecuredPayment(t *testing.T) {
	order := pendingOrder()
	order.IntentToken = "ref-1"
	provider := &stubProvider{state: payments.GatewayState{
		Reference:  "ref-1",
		Authorized: dec("15.00"),
	}}
	f := newPaymentFixture(t, order, provider, newStubLedger(dec("0.00")))

	if err := f.svc.PaymentUpdated(context.Background(), PaymentUpdate{OrderNr: "MM-1"}); err != nil {
		t.Fatalf("PaymentUpdated: %v", err)
	}

	stored := f.orders.stored("MM-1")
	if stored.PaymentStatus != domain.StatusDone {
		t.Fatalf("expected payment done, got %s", stored.PaymentStatus)
	}
	if f.events.countAction(domain.ActionDefaultPaymentUpdate) != 1 {
		t.Fatalf("expected default payment event, got %v", f.events.actions())
	}
	if f.events.countAction(domain.ActionCancelOrderWithNoShipment) != 1 {
		t.Fatalf("expected no-shipment watchdog, got %v", f.events.actions())
	}
}

func TestPaymentUpdatedIgnoresShortAuthorization(t *testing.T) {
	order := pendingOrder()
	order.IntentToken = "ref-1"
	provider := &stubProvider{state: payments.GatewayState{
		Authorized: dec("5.00"),
	}}
	f := newPaymentFixture(t, order, provider, newStubLedger(dec("0.00")))

	if err := f.svc.PaymentUpdated(context.Background(), PaymentUpdate{OrderNr: "MM-1"}); err != nil {
		t.Fatalf("PaymentUpdated: %v", err)
	}
	if got := f.orders.stored("MM-1").PaymentStatus; got != domain.StatusPending {
		t.Fatalf("expected payment still pending, got %s", got)
	}
}

func TestPaymentUpdatedFailureDeactivatesDefaultPayment(t *testing.T) {
	order := pendingOrder()
	order.SubscriptionID = "sub-1"
	f := newPaymentFixture(t, order, &stubProvider{}, newStubLedger(dec("0.00")))

	if err := f.svc.PaymentUpdated(context.Background(), PaymentUpdate{OrderNr: "MM-1", Failed: true}); err != nil {
		t.Fatalf("PaymentUpdated: %v", err)
	}

	if got := f.orders.stored("MM-1").PaymentStatus; got != domain.StatusFailed {
		t.Fatalf("expected payment failed, got %s", got)
	}
	if len(f.defaultPayments.deactivated) != 1 || f.defaultPayments.deactivated[0] != "cust-1" {
		t.Fatalf("expected default payment deactivated, got %v", f.defaultPayments.deactivated)
	}
	if len(f.reactivator.codes) != 1 {
		t.Fatalf("expected session reactivated, got %v", f.reactivator.codes)
	}
}

func TestHandleDefaultPaymentUpdateStoresPrepaidInstrument(t *testing.T) {
	order := pendingOrder()
	order.CreditCardMask = "4111********1111"
	f := newPaymentFixture(t, order, &stubProvider{}, newStubLedger(dec("0.00")))

	event, err := domain.NewEvent(domain.ActionDefaultPaymentUpdate, domain.EventPayload{OrderNr: "MM-1"}, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := f.svc.HandleDefaultPaymentUpdate(context.Background(), event); err != nil {
		t.Fatalf("HandleDefaultPaymentUpdate: %v", err)
	}

	if len(f.defaultPayments.upserts) != 1 {
		t.Fatalf("expected one upsert, got %d", len(f.defaultPayments.upserts))
	}
	entry := f.defaultPayments.upserts[0]
	if entry.CustomerCode != "cust-1" || !entry.IsActive {
		t.Fatalf("unexpected default payment entry: %+v", entry)
	}
	if entry.CreditCardMask != "4111********1111" {
		t.Fatalf("expected card mask carried over, got %q", entry.CreditCardMask)
	}
}

func TestHandleDefaultPaymentUpdateSkipsCashOrders(t *testing.T) {
	order := pendingOrder()
	order.PaymentMethodCode = domain.PaymentMethodCOD
	f := newPaymentFixture(t, order, &stubProvider{}, newStubLedger(dec("0.00")))

	event, err := domain.NewEvent(domain.ActionDefaultPaymentUpdate, domain.EventPayload{OrderNr: "MM-1"}, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := f.svc.HandleDefaultPaymentUpdate(context.Background(), event); err != nil {
		t.Fatalf("HandleDefaultPaymentUpdate: %v", err)
	}
	if len(f.defaultPayments.upserts) != 0 {
		t.Fatalf("expected no upsert for cash, got %d", len(f.defaultPayments.upserts))
	}
}
