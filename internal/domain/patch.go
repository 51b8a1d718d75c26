package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderPatch is a typed change set applied to an order inside a transaction.
// Only non-nil fields are applied; Apply returns the affected column names so
// the repository can persist exactly what changed.
type OrderPatch struct {
	OrderStatus     *Status
	PaymentStatus   *Status
	LogisticsStatus *Status
	OMSStatus       *Status

	Payer *OrderPayer

	PaymentMethodCode *PaymentMethod
	PaymentToken      *string
	CreditCardMask    *string
	SubscriptionID    *string
	IntentToken       *string
	PrepaidInfo       *string
	InvoiceNr         *string

	Subtotal              *decimal.Decimal
	DeliveryFee           *decimal.Decimal
	Total                 *decimal.Decimal
	MpAdjustment          *decimal.Decimal
	CreditAmount          *decimal.Decimal
	CreditCaptured        *decimal.Decimal
	IssuedCredit          *decimal.Decimal
	IssuedCreditCaptured  *decimal.Decimal
	PaymentAmount         *decimal.Decimal
	PaymentCashAmount     *decimal.Decimal
	PaymentAuthorized     *decimal.Decimal
	PaymentCaptured       *decimal.Decimal
	PaymentRefunded       *decimal.Decimal
	CashCollected         *decimal.Decimal
	CollectFromCustomer   *decimal.Decimal
	CollectedFromCustomer *decimal.Decimal

	EstimatedDeliveryAt         **time.Time
	OriginalEstimatedDeliveryAt **time.Time
	PlacedAt                    **time.Time
	DeliveredAt                 **time.Time
	CanceledAt                  **time.Time
}

// FromInvoiceInfo builds a patch carrying the recomputed collection fields.
func (p OrderPatch) FromInvoiceInfo(info InvoiceInfo) OrderPatch {
	p.DeliveryFee = &info.DeliveryFee
	p.Subtotal = &info.Subtotal
	p.Total = &info.Total
	p.MpAdjustment = &info.MpAdjustment
	p.CreditAmount = &info.CreditAmount
	p.PaymentAmount = &info.PaymentAmount
	p.PaymentCashAmount = &info.PaymentCashAmount
	p.CollectFromCustomer = &info.CollectFromCustomer
	return p
}

// Apply mutates the order in place and returns the struct field names that
// changed. An empty result means the patch was a no-op.
func (p OrderPatch) Apply(o *Order) []string {
	var changed []string

	setStatus := func(name string, dst *Status, src *Status) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = append(changed, name)
		}
	}
	setString := func(name string, dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = append(changed, name)
		}
	}
	setDecimal := func(name string, dst *decimal.Decimal, src *decimal.Decimal) {
		if src != nil && !dst.Equal(*src) {
			*dst = *src
			changed = append(changed, name)
		}
	}
	setTime := func(name string, dst **time.Time, src **time.Time) {
		if src == nil {
			return
		}
		if !equalTimePtr(*dst, *src) {
			*dst = *src
			changed = append(changed, name)
		}
	}

	setStatus("OrderStatus", &o.OrderStatus, p.OrderStatus)
	setStatus("PaymentStatus", &o.PaymentStatus, p.PaymentStatus)
	setStatus("LogisticsStatus", &o.LogisticsStatus, p.LogisticsStatus)
	setStatus("OMSStatus", &o.OMSStatus, p.OMSStatus)

	if p.Payer != nil && o.Payer != *p.Payer {
		o.Payer = *p.Payer
		changed = append(changed, "Payer")
	}
	if p.PaymentMethodCode != nil && o.PaymentMethodCode != *p.PaymentMethodCode {
		o.PaymentMethodCode = *p.PaymentMethodCode
		changed = append(changed, "PaymentMethodCode")
	}

	setString("PaymentToken", &o.PaymentToken, p.PaymentToken)
	setString("CreditCardMask", &o.CreditCardMask, p.CreditCardMask)
	setString("SubscriptionID", &o.SubscriptionID, p.SubscriptionID)
	setString("IntentToken", &o.IntentToken, p.IntentToken)
	setString("PrepaidInfo", &o.PrepaidInfo, p.PrepaidInfo)
	setString("InvoiceNr", &o.InvoiceNr, p.InvoiceNr)

	setDecimal("Subtotal", &o.Subtotal, p.Subtotal)
	setDecimal("DeliveryFee", &o.DeliveryFee, p.DeliveryFee)
	setDecimal("Total", &o.Total, p.Total)
	setDecimal("MpAdjustment", &o.MpAdjustment, p.MpAdjustment)
	setDecimal("CreditAmount", &o.CreditAmount, p.CreditAmount)
	setDecimal("CreditCaptured", &o.CreditCaptured, p.CreditCaptured)
	setDecimal("IssuedCredit", &o.IssuedCredit, p.IssuedCredit)
	setDecimal("IssuedCreditCaptured", &o.IssuedCreditCaptured, p.IssuedCreditCaptured)
	setDecimal("PaymentAmount", &o.PaymentAmount, p.PaymentAmount)
	setDecimal("PaymentCashAmount", &o.PaymentCashAmount, p.PaymentCashAmount)
	setDecimal("PaymentAuthorized", &o.PaymentAuthorized, p.PaymentAuthorized)
	setDecimal("PaymentCaptured", &o.PaymentCaptured, p.PaymentCaptured)
	setDecimal("PaymentRefunded", &o.PaymentRefunded, p.PaymentRefunded)
	setDecimal("CashCollected", &o.CashCollected, p.CashCollected)
	setDecimal("CollectFromCustomer", &o.CollectFromCustomer, p.CollectFromCustomer)
	setDecimal("CollectedFromCustomer", &o.CollectedFromCustomer, p.CollectedFromCustomer)

	setTime("EstimatedDeliveryAt", &o.EstimatedDeliveryAt, p.EstimatedDeliveryAt)
	setTime("OriginalEstimatedDeliveryAt", &o.OriginalEstimatedDeliveryAt, p.OriginalEstimatedDeliveryAt)
	setTime("PlacedAt", &o.PlacedAt, p.PlacedAt)
	setTime("DeliveredAt", &o.DeliveredAt, p.DeliveredAt)
	setTime("CanceledAt", &o.CanceledAt, p.CanceledAt)

	return changed
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// TimePtr adapts a concrete time for the patch's double-pointer time fields.
func TimePtr(t time.Time) **time.Time {
	p := &t
	return &p
}

// NoTime clears a nullable time field.
func NoTime() **time.Time {
	var p *time.Time
	return &p
}
