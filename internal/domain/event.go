package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ActionCode routes a queued event to the worker that handles it.
type ActionCode string

const (
	ActionPaymentOrderCreate        ActionCode = "PAYMENT_ORDER_CREATE"
	ActionPaymentOrderCapture       ActionCode = "PAYMENT_ORDER_CAPTURE"
	ActionSettlePayment             ActionCode = "SETTLE_PAYMENT"
	ActionCaptureIssuedCredits      ActionCode = "CAPTURE_ISSUED_CREDITS"
	ActionOrderShipmentCreated      ActionCode = "ORDER_SHIPMENT_CREATED"
	ActionOrderReadyForPickup       ActionCode = "ORDER_READY_FOR_PICKUP"
	ActionCancelOrderWithNoShipment ActionCode = "CANCEL_ORDER_WITH_NO_SHIPMENTS"
	ActionLogisticsOrderUpdate      ActionCode = "LOGISTICS_ORDER_UPDATE"
	ActionGenerateInvoice           ActionCode = "GENERATE_INVOICE"
	ActionNotificationOrderUpdate   ActionCode = "NOTIFICATION_ORDER_UPDATE"
	ActionDefaultPaymentUpdate      ActionCode = "DEFAULT_PAYMENT_UPDATE"
)

// AllActionCodes lists every action a worker can be started for.
var AllActionCodes = []ActionCode{
	ActionPaymentOrderCreate,
	ActionPaymentOrderCapture,
	ActionSettlePayment,
	ActionCaptureIssuedCredits,
	ActionOrderShipmentCreated,
	ActionOrderReadyForPickup,
	ActionCancelOrderWithNoShipment,
	ActionLogisticsOrderUpdate,
	ActionGenerateInvoice,
	ActionNotificationOrderUpdate,
	ActionDefaultPaymentUpdate,
}

// Event is a durable work item. Rows are inserted in the same transaction as
// the state change that warrants them, picked up by pollers once ScheduleAt
// passes, and flagged processed rather than deleted. Delivery is at least
// once; handlers must tolerate redelivery.
type Event struct {
	ID          uint           `gorm:"column:id_boilerplate_event;primaryKey"`
	ActionCode  ActionCode     `gorm:"column:action_code;size:64;index:ix_event_due,priority:1"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	ScheduleAt  time.Time      `gorm:"column:schedule_at;index:ix_event_due,priority:3"`
	IsProcessed bool           `gorm:"column:is_processed;index:ix_event_due,priority:2"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

// TableName maps Event onto the boilerplate_event table.
func (Event) TableName() string { return "boilerplate_event" }

// EventPayload is the common payload shape. OrderNr is present on every
// order-scoped action; the remaining fields are action specific.
type EventPayload struct {
	OrderNr      string     `json:"order_nr,omitempty"`
	SessionCode  string     `json:"session_code,omitempty"`
	CustomerCode string     `json:"customer_code,omitempty"`
	AwbNr        string     `json:"awb_nr,omitempty"`
	Status       Status     `json:"status,omitempty"`
	Template     string     `json:"template,omitempty"`
	Channel      string     `json:"channel,omitempty"`
	Partial      bool       `json:"partial_shipment,omitempty"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty"`
}

// NewEvent builds an unsaved event with its payload marshalled. schedule_at
// controls the earliest pickup time; pass the current time for immediate work.
func NewEvent(action ActionCode, payload EventPayload, scheduleAt time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ActionCode: action,
		Payload:    datatypes.JSON(raw),
		ScheduleAt: scheduleAt,
	}, nil
}

// DecodePayload unmarshals the event payload.
func (e Event) DecodePayload() (EventPayload, error) {
	var p EventPayload
	if len(e.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
