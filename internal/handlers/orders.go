package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/auth"
	"github.com/minutemart/order-api/internal/platform/httpx"
	"github.com/minutemart/order-api/internal/platform/storage"
	"github.com/minutemart/order-api/internal/services"
)

const (
	maxOrderBodySize = 16 * 1024
	defaultPageSize  = 20
	maxPageSize      = 100
)

// OrderHandlers exposes the customer-facing order endpoints. The documents
// service is optional; without it the invoice endpoint reports unavailable.
type OrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	documents services.DocumentService
}

// NewOrderHandlers constructs handlers enforcing authentication before
// invoking the order service.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, documents services.DocumentService) *OrderHandlers {
	return &OrderHandlers{
		authn:     authn,
		orders:    orders,
		documents: documents,
	}
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/", h.placeOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderNr}", h.getOrder)
	r.Post("/{orderNr}/cancel", h.cancelOrder)
	r.Get("/{orderNr}/invoice", h.invoiceLink)
}

type orderItemPayload struct {
	ItemNr       string          `json:"item_nr"`
	SKU          string          `json:"sku"`
	Price        decimal.Decimal `json:"price"`
	Status       string          `json:"status"`
	CancelReason string          `json:"cancel_reason,omitempty"`
}

type orderHistoryPayload struct {
	EventType string    `json:"event_type"`
	Value     string    `json:"value"`
	Time      time.Time `json:"time"`
}

type orderPayload struct {
	OrderNr             string          `json:"order_nr"`
	Status              string          `json:"status"`
	StatusColor         string          `json:"status_color,omitempty"`
	Cancelable          bool            `json:"cancelable"`
	CountryCode         string          `json:"country_code"`
	CurrencyCode        string          `json:"currency_code,omitempty"`
	PaymentMethod       string          `json:"payment_method"`
	CreditCardMask      string          `json:"credit_card_mask,omitempty"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	DeliveryFee         decimal.Decimal `json:"delivery_fee"`
	Total               decimal.Decimal `json:"total"`
	CreditAmount        decimal.Decimal `json:"credit_amount"`
	PaymentAmount       decimal.Decimal `json:"payment_amount"`
	CollectFromCustomer decimal.Decimal `json:"collect_from_customer"`
	InvoiceNr           string          `json:"invoice_nr,omitempty"`

	EstimatedDeliveryAt *time.Time `json:"estimated_delivery_at,omitempty"`
	PlacedAt            *time.Time `json:"placed_at,omitempty"`
	DeliveredAt         *time.Time `json:"delivered_at,omitempty"`
	CanceledAt          *time.Time `json:"canceled_at,omitempty"`

	Items   []orderItemPayload    `json:"items"`
	History []orderHistoryPayload `json:"history,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders []orderPayload `json:"orders"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func buildOrderPayload(view services.OrderView) orderPayload {
	order := view.Order

	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ItemNr:       item.ItemNr,
			SKU:          item.SKU,
			Price:        item.Price,
			Status:       string(item.ItemStatus()),
			CancelReason: string(item.CancelCode),
		})
	}

	history := make([]orderHistoryPayload, 0, len(view.History))
	for _, event := range view.History {
		history = append(history, orderHistoryPayload{
			EventType: string(event.EventType),
			Value:     string(event.Value),
			Time:      event.Time,
		})
	}

	return orderPayload{
		OrderNr:             order.OrderNr,
		Status:              string(view.Status),
		StatusColor:         view.StatusColor,
		Cancelable:          view.Cancelable,
		CountryCode:         order.CountryCode,
		CurrencyCode:        order.CurrencyCode,
		PaymentMethod:       string(order.PaymentMethodCode),
		CreditCardMask:      order.CreditCardMask,
		Subtotal:            order.Subtotal,
		DeliveryFee:         order.DeliveryFee,
		Total:               order.Total,
		CreditAmount:        order.CreditAmount,
		PaymentAmount:       order.PaymentAmount,
		CollectFromCustomer: order.CollectFromCustomer,
		InvoiceNr:           order.InvoiceNr,
		EstimatedDeliveryAt: order.EstimatedDeliveryAt,
		PlacedAt:            order.PlacedAt,
		DeliveredAt:         order.DeliveredAt,
		CanceledAt:          order.CanceledAt,
		Items:               items,
		History:             history,
	}
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireOrders(w, r); !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		SessionCode   string          `json:"session_code"`
		ExpectedTotal decimal.Decimal `json:"expected_total"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.SessionCode) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session_code is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.PlaceOrder(ctx, services.PlaceOrderCommand{
		SessionCode:   req.SessionCode,
		ExpectedTotal: req.ExpectedTotal,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	view, err := h.orders.GetOrder(ctx, order.OrderNr)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(view)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireOrders(w, r)
	if !ok {
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "offset must not be negative", http.StatusBadRequest))
			return
		}
		offset = parsed
	}

	views, err := h.orders.ListOrders(ctx, identity.CustomerCode, limit, offset)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	orders := make([]orderPayload, 0, len(views))
	for _, view := range views {
		orders = append(orders, buildOrderPayload(view))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Orders: orders,
		Limit:  limit,
		Offset: offset,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireOrders(w, r)
	if !ok {
		return
	}

	orderNr := strings.TrimSpace(chi.URLParam(r, "orderNr"))
	if orderNr == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order number is required", http.StatusBadRequest))
		return
	}

	view, err := h.orders.GetOrder(ctx, orderNr)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	if view.Order.CustomerCode != identity.CustomerCode && !identity.HasAnyRole(auth.RoleSupport, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(view)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireOrders(w, r)
	if !ok {
		return
	}

	orderNr := strings.TrimSpace(chi.URLParam(r, "orderNr"))
	if orderNr == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order number is required", http.StatusBadRequest))
		return
	}

	view, err := h.orders.GetOrder(ctx, orderNr)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	support := identity.HasAnyRole(auth.RoleSupport, auth.RoleAdmin)
	if view.Order.CustomerCode != identity.CustomerCode && !support {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	reason := domain.CancelReasonCustomer
	if support && view.Order.CustomerCode != identity.CustomerCode {
		reason = domain.CancelReasonCS
	}

	if err := h.orders.CancelOrder(ctx, orderNr, reason); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	updated, err := h.orders.GetOrder(ctx, orderNr)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) invoiceLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireOrders(w, r)
	if !ok {
		return
	}
	if h.documents == nil {
		httpx.WriteError(ctx, w, httpx.NewError("documents_unavailable", "document downloads are not available", http.StatusServiceUnavailable))
		return
	}

	orderNr := strings.TrimSpace(chi.URLParam(r, "orderNr"))
	if orderNr == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order number is required", http.StatusBadRequest))
		return
	}

	link, err := h.documents.InvoiceDownloadURL(ctx, orderNr, identity)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrPermissionDenied):
			// Hide other customers' orders rather than confirming they exist.
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		case errors.Is(err, services.ErrInvoiceNotReady):
			httpx.WriteError(ctx, w, httpx.NewError("invoice_not_ready", "invoice has not been generated yet", http.StatusNotFound))
		default:
			writeServiceError(ctx, w, err)
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"url":        link.URL,
		"method":     link.Method,
		"expires_at": link.ExpiresAt,
	})
}

func (h *OrderHandlers) requireOrders(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.CustomerCode) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}

	return identity, true
}
