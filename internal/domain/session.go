package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionOwnerType distinguishes logged-in customers from device-bound guests.
type SessionOwnerType string

const (
	SessionOwnerCustomer SessionOwnerType = "customer"
	SessionOwnerGuest    SessionOwnerType = "guest"
)

// SessionStatus tracks whether the cart is still usable.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusComplete SessionStatus = "complete"
	SessionStatusExpired  SessionStatus = "expired"
)

// Session is a shopping cart. At most one active session may exist per
// (owner type, owner id, country); the unique partial index on those columns
// enforces it even under concurrent creation.
type Session struct {
	ID           uint             `gorm:"column:id_session;primaryKey"`
	SessionCode  string           `gorm:"column:session_code;uniqueIndex;size:64"`
	OwnerType    SessionOwnerType `gorm:"column:owner_type;size:16;index:ix_owner"`
	OwnerID      string           `gorm:"column:owner_id;size:64;index:ix_owner"`
	CountryCode  string           `gorm:"column:country_code;size:2;index:ix_owner"`
	CurrencyCode string           `gorm:"column:currency_code;size:3"`
	Status       SessionStatus    `gorm:"column:status_code;size:16"`

	WarehouseCode     string        `gorm:"column:wh_code;size:16"`
	AddressKey        string        `gorm:"column:address_key;size:64"`
	PaymentMethodCode PaymentMethod `gorm:"column:payment_method_code;size:32"`
	PaymentToken      string        `gorm:"column:payment_token;size:64"`
	CreditCardMask    string        `gorm:"column:credit_card_mask;size:32"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`

	Items  []SessionItem  `gorm:"foreignKey:SessionID;references:ID"`
	Orders []SessionOrder `gorm:"foreignKey:SessionID;references:ID"`
}

// TableName maps Session onto the session table.
func (Session) TableName() string { return "session" }

// Active reports whether the session can still take items.
func (s Session) Active() bool { return s.Status == SessionStatusActive }

// ItemQuantity returns the cart quantity for one sku, zero when absent.
func (s Session) ItemQuantity(sku string) int {
	for _, item := range s.Items {
		if item.SKU == sku {
			return item.Quantity
		}
	}
	return 0
}

// SessionItem is a cart line. Quantity is always positive; removing an item
// deletes the row.
type SessionItem struct {
	ID        uint            `gorm:"column:id_session_item;primaryKey"`
	SessionID uint            `gorm:"column:id_session;uniqueIndex:uq_session_sku"`
	SKU       string          `gorm:"column:sku;size:64;uniqueIndex:uq_session_sku"`
	Quantity  int             `gorm:"column:quantity"`
	Price     decimal.Decimal `gorm:"column:price;type:numeric(12,2)"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

// TableName maps SessionItem onto the session_item table.
func (SessionItem) TableName() string { return "session_item" }

// SessionOrder links a session to the orders placed from it.
type SessionOrder struct {
	ID        uint      `gorm:"column:id_session_order;primaryKey"`
	SessionID uint      `gorm:"column:id_session;index"`
	OrderNr   string    `gorm:"column:order_nr;uniqueIndex;size:32"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName maps SessionOrder onto the session_order table.
func (SessionOrder) TableName() string { return "session_order" }

// UpdatedItem reports one line of a merge or availability diff so the client
// can tell the customer what changed in their cart.
type UpdatedItem struct {
	SKU         string          `json:"sku"`
	OldQuantity int             `json:"old_quantity"`
	NewQuantity int             `json:"new_quantity"`
	OldPrice    decimal.Decimal `json:"old_price"`
	NewPrice    decimal.Decimal `json:"new_price"`
	Reason      string          `json:"reason"`
}

// Merge reasons surfaced through UpdatedItem.
const (
	UpdateReasonMerged       = "merged"
	UpdateReasonPriceChanged = "price_changed"
	UpdateReasonOutOfStock   = "out_of_stock"
	UpdateReasonQuantityCap  = "quantity_capped"
)

// MergeSessions folds a guest cart into the customer cart. Quantities for
// shared skus are summed, guest-only lines are carried over at the guest
// price, and every changed line is reported. The target's address and payment
// selection always win.
func MergeSessions(target *Session, guest Session) []UpdatedItem {
	var updates []UpdatedItem
	for _, gi := range guest.Items {
		merged := false
		for idx := range target.Items {
			ti := &target.Items[idx]
			if ti.SKU != gi.SKU {
				continue
			}
			merged = true
			old := ti.Quantity
			ti.Quantity += gi.Quantity
			updates = append(updates, UpdatedItem{
				SKU:         gi.SKU,
				OldQuantity: old,
				NewQuantity: ti.Quantity,
				OldPrice:    ti.Price,
				NewPrice:    ti.Price,
				Reason:      UpdateReasonMerged,
			})
			break
		}
		if !merged {
			target.Items = append(target.Items, SessionItem{
				SessionID: target.ID,
				SKU:       gi.SKU,
				Quantity:  gi.Quantity,
				Price:     gi.Price,
			})
			updates = append(updates, UpdatedItem{
				SKU:         gi.SKU,
				OldQuantity: 0,
				NewQuantity: gi.Quantity,
				OldPrice:    gi.Price,
				NewPrice:    gi.Price,
				Reason:      UpdateReasonMerged,
			})
		}
	}
	return updates
}
