package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/httpx"
	"github.com/minutemart/order-api/internal/repositories"
	"github.com/minutemart/order-api/internal/services"
)

const maxWebhookBodySize = 64 * 1024

var inboundLogisticsStatuses = map[domain.Status]bool{
	domain.StatusPickedUp:          true,
	domain.StatusArrivedAtPickup:   true,
	domain.StatusArrivedAtDelivery: true,
	domain.StatusDelivered:         true,
	domain.StatusUndelivered:       true,
	domain.StatusCancelled:         true,
}

// WebhookHandlers ingests callbacks from the payment gateway and the
// logistics partner. Authentication happens in the group middleware; these
// handlers only validate and dispatch.
type WebhookHandlers struct {
	payments services.PaymentService
	orders   services.OrderService
	events   repositories.EventRepository
	clock    func() time.Time
}

// NewWebhookHandlers wires the webhook endpoints. A nil clock defaults to
// time.Now in UTC.
func NewWebhookHandlers(payments services.PaymentService, orders services.OrderService, events repositories.EventRepository, clock func() time.Time) *WebhookHandlers {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &WebhookHandlers{
		payments: payments,
		orders:   orders,
		events:   events,
		clock:    clock,
	}
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.paymentUpdated)
	r.Post("/shipments", h.shipmentCreated)
	r.Post("/logistics", h.logisticsUpdated)
}

func (h *WebhookHandlers) paymentUpdated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		OrderNr string `json:"order_nr"`
		Failed  bool   `json:"failed"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderNr) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_nr is required", http.StatusBadRequest))
		return
	}

	if err := h.payments.PaymentUpdated(ctx, services.PaymentUpdate{
		OrderNr: req.OrderNr,
		Failed:  req.Failed,
	}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "processed"})
}

func (h *WebhookHandlers) shipmentCreated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		OrderNr string   `json:"order_nr"`
		AwbNr   string   `json:"awb_nr"`
		ItemNrs []string `json:"item_nrs"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderNr) == "" || strings.TrimSpace(req.AwbNr) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_nr and awb_nr are required", http.StatusBadRequest))
		return
	}

	if err := h.orders.AddShipment(ctx, services.AddShipmentCommand{
		OrderNr: req.OrderNr,
		AwbNr:   req.AwbNr,
		ItemNrs: req.ItemNrs,
	}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "processed"})
}

// logisticsUpdated persists the update as a queued event instead of applying
// it inline: the partner retries aggressively and ordering is resolved by the
// worker, not the ingress.
func (h *WebhookHandlers) logisticsUpdated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.events == nil {
		httpx.WriteError(ctx, w, httpx.NewError("event_store_unavailable", "event store is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		OrderNr    string     `json:"order_nr"`
		AwbNr      string     `json:"awb_nr"`
		Status     string     `json:"status"`
		OccurredAt *time.Time `json:"occurred_at"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderNr) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_nr is required", http.StatusBadRequest))
		return
	}

	status := domain.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if !inboundLogisticsStatuses[status] {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unsupported logistics status", http.StatusBadRequest))
		return
	}

	occurredAt := req.OccurredAt
	if occurredAt == nil {
		now := h.clock()
		occurredAt = &now
	}

	event, err := domain.NewEvent(domain.ActionLogisticsOrderUpdate, domain.EventPayload{
		OrderNr:    req.OrderNr,
		AwbNr:      req.AwbNr,
		Status:     status,
		OccurredAt: occurredAt,
	}, h.clock())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to record update", http.StatusInternalServerError))
		return
	}

	if err := h.events.Create(ctx, &event); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}
