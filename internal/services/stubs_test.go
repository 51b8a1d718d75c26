package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/minutemart/order-api/internal/catalog"
	"github.com/minutemart/order-api/internal/credit"
	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/notifications"
	"github.com/minutemart/order-api/internal/payments"
	"github.com/minutemart/order-api/internal/platform/database"
	"github.com/minutemart/order-api/internal/repositories"
)

func dec(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}

func notFoundErr(op string) error {
	return database.WrapError(op, gorm.ErrRecordNotFound)
}

type stubUnitOfWork struct {
	calls int
}

func (u *stubUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	u.calls++
	return fn(ctx)
}

type stubOrderRepo struct {
	orders    map[string]*domain.Order
	nextID    uint
	lockReads int
	updates   int
}

func newStubOrderRepo(orders ...*domain.Order) *stubOrderRepo {
	repo := &stubOrderRepo{orders: make(map[string]*domain.Order), nextID: 100}
	for _, order := range orders {
		if order.ID == 0 {
			repo.nextID++
			order.ID = repo.nextID
		}
		repo.orders[order.OrderNr] = order
	}
	return repo
}

func (r *stubOrderRepo) Create(_ context.Context, order *domain.Order) error {
	r.nextID++
	order.ID = r.nextID
	for i := range order.Items {
		order.Items[i].ID = r.nextID*1000 + uint(i)
		order.Items[i].OrderID = order.ID
	}
	clone := cloneOrder(*order)
	r.orders[order.OrderNr] = &clone
	return nil
}

func (r *stubOrderRepo) GetByOrderNr(_ context.Context, orderNr string, lock bool) (domain.Order, error) {
	if lock {
		r.lockReads++
	}
	order, ok := r.orders[orderNr]
	if !ok {
		return domain.Order{}, notFoundErr("orders.get")
	}
	return cloneOrder(*order), nil
}

func (r *stubOrderRepo) ListByCustomer(_ context.Context, customerCode string, _, _ int) ([]domain.Order, error) {
	var out []domain.Order
	for _, order := range r.orders {
		if order.CustomerCode == customerCode {
			out = append(out, cloneOrder(*order))
		}
	}
	return out, nil
}

func (r *stubOrderRepo) Update(_ context.Context, order *domain.Order, fields []string) error {
	stored, ok := r.orders[order.OrderNr]
	if !ok {
		return notFoundErr("orders.update")
	}
	r.updates++
	items := stored.Items
	clone := cloneOrder(*order)
	clone.Items = items
	*stored = clone
	return nil
}

func (r *stubOrderRepo) Status(_ context.Context, orderNr string, dimension repositories.StatusDimension, _ bool) (domain.Status, error) {
	order, ok := r.orders[orderNr]
	if !ok {
		return "", notFoundErr("orders.status")
	}
	switch dimension {
	case repositories.StatusDimensionOrder:
		return order.OrderStatus, nil
	case repositories.StatusDimensionPayment:
		return order.PaymentStatus, nil
	case repositories.StatusDimensionLogistics:
		return order.LogisticsStatus, nil
	default:
		return order.OMSStatus, nil
	}
}

func (r *stubOrderRepo) SetStatus(_ context.Context, orderNr string, dimension repositories.StatusDimension, status domain.Status) error {
	order, ok := r.orders[orderNr]
	if !ok {
		return notFoundErr("orders.set_status")
	}
	switch dimension {
	case repositories.StatusDimensionOrder:
		order.OrderStatus = status
	case repositories.StatusDimensionPayment:
		order.PaymentStatus = status
	case repositories.StatusDimensionLogistics:
		order.LogisticsStatus = status
	default:
		order.OMSStatus = status
	}
	return nil
}

func (r *stubOrderRepo) CancelItems(_ context.Context, orderNr string, itemNrs []string, reason domain.CancelReason, at time.Time) (int64, error) {
	order, ok := r.orders[orderNr]
	if !ok {
		return 0, notFoundErr("orders.cancel_items")
	}
	var affected int64
	for _, nr := range itemNrs {
		for i := range order.Items {
			item := &order.Items[i]
			if item.ItemNr == nr && !item.Canceled() {
				canceledAt := at
				item.CancelCode = reason
				item.CanceledAt = &canceledAt
				affected++
			}
		}
	}
	return affected, nil
}

func (r *stubOrderRepo) stored(orderNr string) domain.Order {
	return cloneOrder(*r.orders[orderNr])
}

func cloneOrder(order domain.Order) domain.Order {
	items := make([]domain.OrderItem, len(order.Items))
	copy(items, order.Items)
	order.Items = items
	return order
}

type stubSessionRepo struct {
	sessions     map[string]*domain.Session
	nextID       uint
	upserted     [][]domain.SessionItem
	deleted      [][]string
	replaced     int
	linkedOrders []string
}

func newStubSessionRepo(sessions ...*domain.Session) *stubSessionRepo {
	repo := &stubSessionRepo{sessions: make(map[string]*domain.Session), nextID: 10}
	for _, session := range sessions {
		if session.ID == 0 {
			repo.nextID++
			session.ID = repo.nextID
		}
		repo.sessions[session.SessionCode] = session
	}
	return repo
}

func (r *stubSessionRepo) Create(_ context.Context, session *domain.Session) error {
	r.nextID++
	session.ID = r.nextID
	clone := cloneSession(*session)
	r.sessions[session.SessionCode] = &clone
	return nil
}

func (r *stubSessionRepo) GetByCode(_ context.Context, code string, _ bool) (domain.Session, error) {
	session, ok := r.sessions[code]
	if !ok {
		return domain.Session{}, notFoundErr("sessions.get")
	}
	return cloneSession(*session), nil
}

func (r *stubSessionRepo) FindActive(_ context.Context, ownerType domain.SessionOwnerType, ownerID, countryCode string) (domain.Session, error) {
	for _, session := range r.sessions {
		if session.OwnerType == ownerType && session.OwnerID == ownerID &&
			session.CountryCode == countryCode && session.Status == domain.SessionStatusActive {
			return cloneSession(*session), nil
		}
	}
	return domain.Session{}, notFoundErr("sessions.find_active")
}

func (r *stubSessionRepo) Update(_ context.Context, session *domain.Session, _ []string) error {
	stored, ok := r.sessions[session.SessionCode]
	if !ok {
		return notFoundErr("sessions.update")
	}
	items := stored.Items
	clone := cloneSession(*session)
	clone.Items = items
	*stored = clone
	return nil
}

func (r *stubSessionRepo) SetStatus(_ context.Context, code string, status domain.SessionStatus) error {
	session, ok := r.sessions[code]
	if !ok {
		return notFoundErr("sessions.set_status")
	}
	session.Status = status
	return nil
}

func (r *stubSessionRepo) ReplaceItems(_ context.Context, sessionID uint, items []domain.SessionItem) error {
	r.replaced++
	for _, session := range r.sessions {
		if session.ID == sessionID {
			session.Items = append([]domain.SessionItem(nil), items...)
			return nil
		}
	}
	return notFoundErr("sessions.replace_items")
}

func (r *stubSessionRepo) UpsertItems(_ context.Context, sessionID uint, items []domain.SessionItem) error {
	r.upserted = append(r.upserted, append([]domain.SessionItem(nil), items...))
	for _, session := range r.sessions {
		if session.ID != sessionID {
			continue
		}
		for _, item := range items {
			found := false
			for i := range session.Items {
				if session.Items[i].SKU == item.SKU {
					session.Items[i].Quantity = item.Quantity
					session.Items[i].Price = item.Price
					found = true
				}
			}
			if !found {
				session.Items = append(session.Items, item)
			}
		}
		return nil
	}
	return notFoundErr("sessions.upsert_items")
}

func (r *stubSessionRepo) DeleteItems(_ context.Context, sessionID uint, skus []string) error {
	r.deleted = append(r.deleted, append([]string(nil), skus...))
	for _, session := range r.sessions {
		if session.ID != sessionID {
			continue
		}
		var kept []domain.SessionItem
		for _, item := range session.Items {
			remove := false
			for _, sku := range skus {
				if item.SKU == sku {
					remove = true
				}
			}
			if !remove {
				kept = append(kept, item)
			}
		}
		session.Items = kept
		return nil
	}
	return notFoundErr("sessions.delete_items")
}

func (r *stubSessionRepo) LinkOrder(_ context.Context, sessionID uint, orderNr string) error {
	r.linkedOrders = append(r.linkedOrders, orderNr)
	for _, session := range r.sessions {
		if session.ID == sessionID {
			session.Orders = append(session.Orders, domain.SessionOrder{SessionID: sessionID, OrderNr: orderNr})
			return nil
		}
	}
	return notFoundErr("sessions.link_order")
}

func cloneSession(session domain.Session) domain.Session {
	items := make([]domain.SessionItem, len(session.Items))
	copy(items, session.Items)
	session.Items = items
	orders := make([]domain.SessionOrder, len(session.Orders))
	copy(orders, session.Orders)
	session.Orders = orders
	return session
}

type stubEventRepo struct {
	created        []domain.Event
	partialNotices map[string]domain.Event
	rescheduled    map[uint]time.Time
	marked         []uint
	nextID         uint
}

func newStubEventRepo() *stubEventRepo {
	return &stubEventRepo{
		partialNotices: make(map[string]domain.Event),
		rescheduled:    make(map[uint]time.Time),
	}
}

func (r *stubEventRepo) Create(_ context.Context, events ...*domain.Event) error {
	for _, event := range events {
		r.nextID++
		event.ID = r.nextID
		r.created = append(r.created, *event)
	}
	return nil
}

func (r *stubEventRepo) Due(context.Context, domain.ActionCode, time.Time, int) ([]domain.Event, error) {
	return nil, nil
}

func (r *stubEventRepo) MarkProcessed(_ context.Context, ids ...uint) error {
	r.marked = append(r.marked, ids...)
	return nil
}

func (r *stubEventRepo) Reschedule(_ context.Context, id uint, at time.Time) error {
	r.rescheduled[id] = at
	return nil
}

func (r *stubEventRepo) LatestPartialNotice(_ context.Context, orderNr string) (domain.Event, error) {
	event, ok := r.partialNotices[orderNr]
	if !ok {
		return domain.Event{}, notFoundErr("events.latest_partial_notice")
	}
	return event, nil
}

func (r *stubEventRepo) actions() []domain.ActionCode {
	var out []domain.ActionCode
	for _, event := range r.created {
		out = append(out, event.ActionCode)
	}
	return out
}

func (r *stubEventRepo) countAction(action domain.ActionCode) int {
	count := 0
	for _, event := range r.created {
		if event.ActionCode == action {
			count++
		}
	}
	return count
}

func (r *stubEventRepo) firstAction(action domain.ActionCode) (domain.Event, bool) {
	for _, event := range r.created {
		if event.ActionCode == action {
			return event, true
		}
	}
	return domain.Event{}, false
}

type stubHistoryRepo struct {
	statuses []domain.OrderHistoryEvent
	etas     []domain.OrderEtaHistory
}

func (r *stubHistoryRepo) RecordStatus(_ context.Context, orderID uint, eventType domain.HistoryEventType, value domain.Status, at time.Time) error {
	for _, entry := range r.statuses {
		if entry.OrderID == orderID && entry.EventType == eventType && entry.Value == value {
			return nil
		}
	}
	r.statuses = append(r.statuses, domain.OrderHistoryEvent{
		OrderID:   orderID,
		EventType: eventType,
		Value:     value,
		Time:      at,
	})
	return nil
}

func (r *stubHistoryRepo) ListByOrder(_ context.Context, orderID uint) ([]domain.OrderHistoryEvent, error) {
	var out []domain.OrderHistoryEvent
	for _, entry := range r.statuses {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *stubHistoryRepo) RecordEta(_ context.Context, entry *domain.OrderEtaHistory) error {
	r.etas = append(r.etas, *entry)
	return nil
}

type stubShipmentRepo struct {
	shipments []domain.Shipment
	nextID    uint
}

func (r *stubShipmentRepo) Create(_ context.Context, shipment *domain.Shipment) error {
	for _, existing := range r.shipments {
		if existing.AwbNr == shipment.AwbNr {
			return database.WrapError("shipments.create", fmt.Errorf("duplicate awb %s: %w", shipment.AwbNr, gorm.ErrDuplicatedKey))
		}
	}
	r.nextID++
	shipment.ID = r.nextID
	r.shipments = append(r.shipments, *shipment)
	return nil
}

func (r *stubShipmentRepo) GetByAwb(_ context.Context, awbNr string) (domain.Shipment, error) {
	for _, shipment := range r.shipments {
		if shipment.AwbNr == awbNr {
			return shipment, nil
		}
	}
	return domain.Shipment{}, notFoundErr("shipments.get")
}

func (r *stubShipmentRepo) ListByOrderNr(_ context.Context, orderNr string) ([]domain.Shipment, error) {
	var out []domain.Shipment
	for _, shipment := range r.shipments {
		if shipment.OrderNr == orderNr {
			out = append(out, shipment)
		}
	}
	return out, nil
}

func (r *stubShipmentRepo) CountByOrderNr(_ context.Context, orderNr string) (int64, error) {
	var count int64
	for _, shipment := range r.shipments {
		if shipment.OrderNr == orderNr {
			count++
		}
	}
	return count, nil
}

type stubDefaultPaymentRepo struct {
	upserts     []domain.CustomerDefaultPayment
	deactivated []string
}

func (r *stubDefaultPaymentRepo) Upsert(_ context.Context, entry *domain.CustomerDefaultPayment) error {
	r.upserts = append(r.upserts, *entry)
	return nil
}

func (r *stubDefaultPaymentRepo) Get(context.Context, string, string) (domain.CustomerDefaultPayment, error) {
	return domain.CustomerDefaultPayment{}, notFoundErr("default_payments.get")
}

func (r *stubDefaultPaymentRepo) Deactivate(_ context.Context, customerCode, _ string) error {
	r.deactivated = append(r.deactivated, customerCode)
	return nil
}

type ledgerCall struct {
	Value  decimal.Decimal
	Reason string
}

type stubLedger struct {
	balance     decimal.Decimal
	refBalances map[string]decimal.Decimal
	calls       []ledgerCall
	appendErr   error
}

func newStubLedger(balance decimal.Decimal) *stubLedger {
	return &stubLedger{balance: balance, refBalances: make(map[string]decimal.Decimal)}
}

func (l *stubLedger) Balance(context.Context, string, string) (decimal.Decimal, error) {
	return l.balance, nil
}

func (l *stubLedger) Append(_ context.Context, tx credit.Transaction) (credit.TransactionResult, error) {
	if l.appendErr != nil {
		return credit.TransactionResult{}, l.appendErr
	}
	if tx.Value.GreaterThan(l.balance) {
		return credit.TransactionResult{}, credit.ErrInsufficientBalance
	}
	l.calls = append(l.calls, ledgerCall{Value: tx.Value, Reason: tx.Reason})
	l.balance = l.balance.Sub(tx.Value)
	l.refBalances[tx.OrderNr] = l.refBalances[tx.OrderNr].Add(tx.Value)
	return credit.TransactionResult{
		RefBalance:      l.refBalances[tx.OrderNr],
		CustomerBalance: l.balance,
	}, nil
}

type providerCall struct {
	Op     string
	Amount decimal.Decimal
}

type stubProvider struct {
	state      payments.GatewayState
	createErr  error
	getErr     error
	captureErr error
	refundErr  error
	calls      []providerCall
}

func (p *stubProvider) CreateOrder(_ context.Context, req payments.CreateOrderRequest) (payments.GatewayState, error) {
	p.calls = append(p.calls, providerCall{Op: "create", Amount: req.Amount})
	if p.createErr != nil {
		return payments.GatewayState{}, p.createErr
	}
	return p.state, nil
}

func (p *stubProvider) GetOrder(context.Context, string) (payments.GatewayState, error) {
	p.calls = append(p.calls, providerCall{Op: "get"})
	if p.getErr != nil {
		return payments.GatewayState{}, p.getErr
	}
	return p.state, nil
}

func (p *stubProvider) Capture(_ context.Context, _ string, amount decimal.Decimal) (payments.GatewayState, error) {
	p.calls = append(p.calls, providerCall{Op: "capture", Amount: amount})
	if p.captureErr != nil {
		return payments.GatewayState{}, p.captureErr
	}
	state := p.state
	state.Captured = amount
	p.state = state
	return state, nil
}

func (p *stubProvider) Refund(_ context.Context, _ string, amount decimal.Decimal) (payments.GatewayState, error) {
	p.calls = append(p.calls, providerCall{Op: "refund", Amount: amount})
	if p.refundErr != nil {
		return payments.GatewayState{}, p.refundErr
	}
	state := p.state
	state.Refunded = state.Refunded.Sub(amount)
	p.state = state
	return state, nil
}

func (p *stubProvider) Cancel(context.Context, string) (payments.GatewayState, error) {
	p.calls = append(p.calls, providerCall{Op: "cancel"})
	return p.state, nil
}

func (p *stubProvider) ops() []string {
	var out []string
	for _, call := range p.calls {
		out = append(out, call.Op)
	}
	return out
}

type stubSender struct {
	sent    []notifications.Message
	sendErr error
}

func (s *stubSender) Send(_ context.Context, msg notifications.Message) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

type stubReactivator struct {
	codes []string
	err   error
}

func (s *stubReactivator) ReactivateOrderSession(_ context.Context, code string) error {
	s.codes = append(s.codes, code)
	return s.err
}

type stubCatalogReader struct {
	offers map[string]catalog.Availability
	err    error
}

func (r *stubCatalogReader) Availability(context.Context, string, string, []string) (map[string]catalog.Availability, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.offers, nil
}
