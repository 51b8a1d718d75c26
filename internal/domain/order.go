package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNegativeCollect reports an adjustment that would drive the amount owed
// by the customer below zero, which must never be persisted.
var ErrNegativeCollect = errors.New("order: collect_from_customer is negative")

// Status enumerates the lifecycle states shared by the order, payment,
// logistics and oms status dimensions. Not every state is valid for every
// dimension; the state machines bound to each column own that knowledge.
type Status string

const (
	StatusPending           Status = "pending"
	StatusDone              Status = "done"
	StatusCancelled         Status = "cancelled"
	StatusFailed            Status = "failed"
	StatusShipped           Status = "shipped"
	StatusNotSynced         Status = "not_synced"
	StatusConfirmed         Status = "confirmed"
	StatusReadyForPickup    Status = "ready_for_pickup"
	StatusArrivedAtPickup   Status = "arrived_at_pickup"
	StatusPickedUp          Status = "picked_up"
	StatusArrivedAtDelivery Status = "arrived_at_delivery"
	StatusDelivered         Status = "delivered"
	StatusUndelivered       Status = "undelivered"
)

// OrderTerminalStates are composite order states from which no further
// transition is expected. Orders are never physically deleted; reaching one of
// these ends the lifecycle.
var OrderTerminalStates = map[Status]bool{
	StatusDelivered:   true,
	StatusUndelivered: true,
	StatusCancelled:   true,
	StatusFailed:      true,
}

// LogisticsTerminalStates are terminal states for the logistics dimension.
var LogisticsTerminalStates = map[Status]bool{
	StatusDelivered:   true,
	StatusUndelivered: true,
	StatusCancelled:   true,
}

// PaymentMethod identifies how the customer intends to pay.
type PaymentMethod string

const (
	PaymentMethodCard      PaymentMethod = "card"
	PaymentMethodApplePay  PaymentMethod = "apple_pay"
	PaymentMethodCOD       PaymentMethod = "cod"
	PaymentMethodNoPayment PaymentMethod = "nopayment"
)

// PrepaidPaymentMethods are settled through the payment gateway ahead of
// delivery.
var PrepaidPaymentMethods = map[PaymentMethod]bool{
	PaymentMethodCard:     true,
	PaymentMethodApplePay: true,
}

// OrderPayer identifies who is liable for the order amount.
type OrderPayer string

const (
	// OrderPayerCustomer means the customer owes the order amount.
	OrderPayerCustomer OrderPayer = "customer"
	// OrderPayerNone means nobody owes anything (failed/cancelled/undelivered).
	OrderPayerNone OrderPayer = "none"
)

// CancelReason explains why an order item was cancelled.
type CancelReason string

const (
	CancelReasonOutOfStock   CancelReason = "out_of_stock"
	CancelReasonCustomer     CancelReason = "customer_cancelation"
	CancelReasonCS           CancelReason = "cs_cancelation"
	CancelReasonNoShipments  CancelReason = "no_shipments"
	CancelReasonPaymentIssue CancelReason = "payment_issue"
)

// Order is the persisted sales order. Monetary fields follow one invariant:
// CollectedFromCustomer == CashCollected + PaymentCaptured + PaymentRefunded −
// CreditCaptured, with refunds stored non-positive. All mutation goes through
// the order service write path, never through direct column updates.
type Order struct {
	ID         uint   `gorm:"column:id_sales_order;primaryKey"`
	OrderNr    string `gorm:"column:order_nr;uniqueIndex;size:32"`
	SessionRef string `gorm:"column:session_code;size:64"`

	CustomerCode      string        `gorm:"column:customer_code;index;size:64"`
	CountryCode       string        `gorm:"column:country_code;size:2"`
	CurrencyCode      string        `gorm:"column:currency_code;size:3"`
	WarehouseCode     string        `gorm:"column:wh_code;size:16"`
	AddressKey        string        `gorm:"column:address_key;size:64"`
	PaymentMethodCode PaymentMethod `gorm:"column:payment_method_code;size:32"`
	PaymentToken      string        `gorm:"column:payment_token;size:64"`
	CreditCardMask    string        `gorm:"column:credit_card_mask;size:32"`
	SubscriptionID    string        `gorm:"column:subscription_id;size:64"`
	IntentToken       string        `gorm:"column:payment_intent_token;size:128"`
	PrepaidInfo       string        `gorm:"column:prepaid_payment_info"`

	OrderStatus     Status `gorm:"column:status_code_order;size:32"`
	PaymentStatus   Status `gorm:"column:status_code_payment;size:32"`
	LogisticsStatus Status `gorm:"column:status_code_logistics;size:32"`
	OMSStatus       Status `gorm:"column:status_code_oms;size:32"`

	Payer OrderPayer `gorm:"column:order_payer_code;size:16"`

	Subtotal              decimal.Decimal `gorm:"column:order_subtotal;type:numeric(12,2)"`
	DeliveryFee           decimal.Decimal `gorm:"column:order_delivery_fee;type:numeric(12,2)"`
	Total                 decimal.Decimal `gorm:"column:order_total;type:numeric(12,2)"`
	MpAdjustment          decimal.Decimal `gorm:"column:order_mp_adjustment;type:numeric(12,2)"`
	CreditAmount          decimal.Decimal `gorm:"column:order_credit_amount;type:numeric(12,2)"`
	CreditCaptured        decimal.Decimal `gorm:"column:order_credit_captured;type:numeric(12,2)"`
	IssuedCredit          decimal.Decimal `gorm:"column:order_issued_credit;type:numeric(12,2)"`
	IssuedCreditCaptured  decimal.Decimal `gorm:"column:order_issued_credit_captured;type:numeric(12,2)"`
	PaymentAmount         decimal.Decimal `gorm:"column:order_payment_amount;type:numeric(12,2)"`
	PaymentCashAmount     decimal.Decimal `gorm:"column:order_payment_cash_amount;type:numeric(12,2)"`
	PaymentAuthorized     decimal.Decimal `gorm:"column:order_payment_authorized;type:numeric(12,2)"`
	PaymentCaptured       decimal.Decimal `gorm:"column:order_payment_captured;type:numeric(12,2)"`
	PaymentRefunded       decimal.Decimal `gorm:"column:order_payment_refunded;type:numeric(12,2)"`
	CashCollected         decimal.Decimal `gorm:"column:order_payment_cash_collected;type:numeric(12,2)"`
	CollectFromCustomer   decimal.Decimal `gorm:"column:order_collect_from_customer;type:numeric(12,2)"`
	CollectedFromCustomer decimal.Decimal `gorm:"column:order_collected_from_customer;type:numeric(12,2)"`

	InitialSubtotal    decimal.Decimal `gorm:"column:initial_order_subtotal;type:numeric(12,2)"`
	InitialDeliveryFee decimal.Decimal `gorm:"column:initial_order_delivery_fee;type:numeric(12,2)"`
	InitialTotal       decimal.Decimal `gorm:"column:initial_order_total;type:numeric(12,2)"`

	EstimatedDeliveryAt         *time.Time `gorm:"column:estimated_delivery_at"`
	OriginalEstimatedDeliveryAt *time.Time `gorm:"column:original_estimated_delivery_at"`
	PlacedAt                    *time.Time `gorm:"column:placed_at"`
	DeliveredAt                 *time.Time `gorm:"column:delivered_at"`
	CanceledAt                  *time.Time `gorm:"column:canceled_at"`

	InvoiceNr string `gorm:"column:invoice_nr;size:64"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID;references:ID"`
}

// TableName maps Order onto the sales_order table.
func (Order) TableName() string { return "sales_order" }

// IsCancelable reports whether the order can still be cancelled by the
// customer: not in a terminal state and not yet shipped by oms.
func (o Order) IsCancelable() bool {
	return !OrderTerminalStates[o.OrderStatus] && o.OMSStatus != StatusShipped
}

// OrderItem is a single sellable unit belonging to exactly one order.
// Cancellation is monotone: CanceledAt is set at most once and never cleared.
type OrderItem struct {
	ID         uint   `gorm:"column:id_sales_order_item;primaryKey"`
	OrderID    uint   `gorm:"column:id_sales_order;index"`
	ItemNr     string `gorm:"column:item_nr;uniqueIndex;size:40"`
	SKU        string `gorm:"column:sku;size:64"`
	PartnerID  int64  `gorm:"column:id_partner"`
	Price      decimal.Decimal
	CancelCode CancelReason `gorm:"column:cancel_reason_code;size:32"`
	CanceledAt *time.Time   `gorm:"column:canceled_at"`
}

// TableName maps OrderItem onto the sales_order_item table.
func (OrderItem) TableName() string { return "sales_order_item" }

// Canceled reports whether the item has been cancelled.
func (i OrderItem) Canceled() bool { return i.CanceledAt != nil }

// ItemStatus derives the customer-facing item status.
func (i OrderItem) ItemStatus() Status {
	if i.CancelCode != "" {
		return StatusCancelled
	}
	return StatusConfirmed
}

// InvoiceInfo is the recomputed set of collection fields derived from the
// order's current item and adjustment state. It is pure and idempotent:
// recomputing twice from the same order yields identical values.
type InvoiceInfo struct {
	DeliveryFee         decimal.Decimal
	Subtotal            decimal.Decimal
	Total               decimal.Decimal
	MpAdjustment        decimal.Decimal
	CreditAmount        decimal.Decimal
	PaymentAmount       decimal.Decimal
	PaymentCashAmount   decimal.Decimal
	CollectFromCustomer decimal.Decimal
}

// Validate rejects invoice states that may not be written back to the order.
func (i InvoiceInfo) Validate() error {
	if i.CollectFromCustomer.IsNegative() {
		return ErrNegativeCollect
	}
	return nil
}

// ComputeInvoiceInfo recomputes what the order should currently collect from
// the customer. Cancelled items drop out of the subtotal and, while any
// cancellation exists, the delivery fee is waived. A none-payer order owes
// nothing.
func ComputeInvoiceInfo(o Order) InvoiceInfo {
	deliveryFee := o.DeliveryFee
	subtotal := decimal.Zero
	if o.Payer == OrderPayerNone {
		deliveryFee = decimal.Zero
	} else {
		for _, item := range o.Items {
			if !item.Canceled() {
				subtotal = subtotal.Add(item.Price)
			} else {
				// irrespective of the cancel reason, waive the delivery fee
				deliveryFee = decimal.Zero
			}
		}
	}

	collect := decimal.Zero
	if o.Payer == OrderPayerCustomer {
		collect = subtotal.Add(deliveryFee).Add(o.MpAdjustment)
	}
	total := collect
	creditAmount := RoundAmount(o.CreditAmount)
	paymentAmount := MaxAmount(collect.Add(creditAmount), decimal.Zero)
	cashAmount := decimal.Zero
	if o.PaymentMethodCode == PaymentMethodCOD {
		cashAmount = paymentAmount
	}

	return InvoiceInfo{
		DeliveryFee:         RoundAmount(deliveryFee),
		Subtotal:            RoundAmount(subtotal),
		Total:               RoundAmount(total),
		MpAdjustment:        RoundAmount(o.MpAdjustment),
		CreditAmount:        creditAmount,
		PaymentAmount:       RoundAmount(paymentAmount),
		PaymentCashAmount:   RoundAmount(cashAmount),
		CollectFromCustomer: RoundAmount(collect),
	}
}

// DerivedCollected evaluates the collected-from-customer invariant from the
// order's payment components.
func DerivedCollected(o Order) decimal.Decimal {
	return o.CashCollected.Add(o.PaymentCaptured).Add(o.PaymentRefunded).Sub(o.CreditCaptured)
}

// CompositeOrderStatus folds the three independent sub-statuses into the
// customer-facing order status using a fixed precedence: terminal states win,
// then payment pending/cancelled/failed, then logistics-driven states, then
// oms shipped (surfaced as ready_for_pickup), then payment done as confirmed.
func CompositeOrderStatus(o Order) Status {
	statusCode := o.OrderStatus
	if OrderTerminalStates[statusCode] {
		return statusCode
	}
	switch o.PaymentStatus {
	case StatusPending, StatusCancelled, StatusFailed:
		return o.PaymentStatus
	}
	switch o.LogisticsStatus {
	case StatusArrivedAtPickup, StatusPickedUp, StatusArrivedAtDelivery,
		StatusDelivered, StatusUndelivered, StatusCancelled:
		return o.LogisticsStatus
	}
	if o.OMSStatus == StatusShipped {
		return StatusReadyForPickup
	}
	if o.PaymentStatus == StatusDone {
		return StatusConfirmed
	}
	return statusCode
}

// DerivePayer recomputes who owes the order amount from the current statuses.
func DerivePayer(o Order) OrderPayer {
	switch o.LogisticsStatus {
	case StatusUndelivered, StatusCancelled:
		return OrderPayerNone
	}
	switch o.OrderStatus {
	case StatusCancelled, StatusFailed:
		return OrderPayerNone
	}
	return OrderPayerCustomer
}

// StatusColor returns the accent colour used by order views.
// TODO: confirm with product whether undelivered should share the cancelled
// colour; today only cancelled gets the red accent.
func StatusColor(status Status) string {
	switch status {
	case StatusCancelled:
		return "#E84442"
	case StatusDelivered:
		return "#38AE04"
	default:
		return "#7E859B"
	}
}

// HistoryEventType partitions order history rows by status dimension.
type HistoryEventType string

const (
	HistoryEventOrderStatus HistoryEventType = "order_status"
	HistoryEventLogistics   HistoryEventType = "logistics"
)

// OrderHistoryEvent is an append-only record answering "when did status X
// first occur". The (order, event_type, value) triple is unique so repeated
// writes of the same value are no-ops.
type OrderHistoryEvent struct {
	ID        uint             `gorm:"column:id_history_event;primaryKey"`
	OrderID   uint             `gorm:"column:id_sales_order;uniqueIndex:uq_order_event_value"`
	EventType HistoryEventType `gorm:"column:event_type;size:32;uniqueIndex:uq_order_event_value"`
	Value     Status           `gorm:"column:value;size:32;uniqueIndex:uq_order_event_value"`
	Time      time.Time        `gorm:"column:time"`
}

// TableName maps OrderHistoryEvent onto the sales_order_history_event table.
func (OrderHistoryEvent) TableName() string { return "sales_order_history_event" }

// OrderEtaHistory records every change to the delivery estimate.
type OrderEtaHistory struct {
	ID                          uint       `gorm:"column:id_order_eta_history;primaryKey"`
	OrderID                     uint       `gorm:"column:id_sales_order;index"`
	EstimatedDeliveryAt         *time.Time `gorm:"column:estimated_delivery_at"`
	OriginalEstimatedDeliveryAt *time.Time `gorm:"column:original_estimated_delivery_at"`
	CreatedAt                   time.Time  `gorm:"column:created_at"`
}

// TableName maps OrderEtaHistory onto the order_eta_history table.
func (OrderEtaHistory) TableName() string { return "order_eta_history" }

// Shipment groups order items handed over to logistics under one waybill.
type Shipment struct {
	ID      uint   `gorm:"column:id_shipment;primaryKey"`
	AwbNr   string `gorm:"column:awb_nr;uniqueIndex;size:40"`
	OrderNr string `gorm:"column:order_nr;index;size:32"`

	Items []ShipmentItem `gorm:"foreignKey:ShipmentID;references:ID"`
}

// TableName maps Shipment onto the shipment table.
func (Shipment) TableName() string { return "shipment" }

// ShipmentItem links one order item to a shipment.
type ShipmentItem struct {
	ID         uint   `gorm:"column:id_shipment_item;primaryKey"`
	ShipmentID uint   `gorm:"column:id_shipment;uniqueIndex:uq_shipment_item"`
	ItemNr     string `gorm:"column:item_nr;size:40;uniqueIndex:uq_shipment_item"`
}

// TableName maps ShipmentItem onto the shipment_item table.
func (ShipmentItem) TableName() string { return "shipment_item" }

// CustomerDefaultPayment remembers the last successfully used prepaid payment
// method per customer and country.
type CustomerDefaultPayment struct {
	ID                uint          `gorm:"column:id_customer_default_payment;primaryKey"`
	CustomerCode      string        `gorm:"column:customer_code;uniqueIndex:uq_customer_country;size:64"`
	CountryCode       string        `gorm:"column:country_code;uniqueIndex:uq_customer_country;size:2"`
	PaymentMethodCode PaymentMethod `gorm:"column:payment_method_code;size:32"`
	CreditCardMask    string        `gorm:"column:credit_card_mask;size:32"`
	PaymentToken      string        `gorm:"column:payment_token;size:64"`
	IsActive          bool          `gorm:"column:is_active"`
	UpdatedAt         time.Time     `gorm:"column:updated_at"`
}

// TableName maps CustomerDefaultPayment onto the customer_default_payment table.
func (CustomerDefaultPayment) TableName() string { return "customer_default_payment" }
