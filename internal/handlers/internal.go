package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/auth"
	"github.com/minutemart/order-api/internal/platform/httpx"
	"github.com/minutemart/order-api/internal/repositories"
	"github.com/minutemart/order-api/internal/services"
)

// InternalHandlers exposes service-to-service operations used by back-office
// tooling and the warehouse integration. The group middleware enforces OIDC;
// handlers double-check a service identity is present.
type InternalHandlers struct {
	payments   services.PaymentService
	settlement services.SettlementService
	documents  services.DocumentService
	events     repositories.EventRepository
	clock      func() time.Time
}

// NewInternalHandlers wires the internal endpoints. A nil clock defaults to
// time.Now in UTC.
func NewInternalHandlers(payments services.PaymentService, settlement services.SettlementService, documents services.DocumentService, events repositories.EventRepository, clock func() time.Time) *InternalHandlers {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &InternalHandlers{
		payments:   payments,
		settlement: settlement,
		documents:  documents,
		events:     events,
		clock:      clock,
	}
}

// Routes wires the /internal endpoints onto the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderNr}/settle", h.settleOrder)
	r.Post("/orders/{orderNr}/refresh-payment", h.refreshPayment)
	r.Post("/orders/{orderNr}/ready-for-pickup", h.readyForPickup)
	r.Post("/orders/{orderNr}/invoice-upload-url", h.invoiceUploadURL)
}

// invoiceUploadURL hands the invoice renderer a signed PUT link for the
// order's invoice PDF.
func (h *InternalHandlers) invoiceUploadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderNr, ok := h.requireServiceCall(w, r)
	if !ok {
		return
	}
	if h.documents == nil {
		httpx.WriteError(ctx, w, httpx.NewError("documents_unavailable", "document signing is not configured", http.StatusServiceUnavailable))
		return
	}

	link, err := h.documents.InvoiceUploadURL(ctx, orderNr)
	if err != nil {
		if errors.Is(err, services.ErrInvoiceNotReady) {
			httpx.WriteError(ctx, w, httpx.NewError("invoice_not_ready", "invoice has not been generated yet", http.StatusConflict))
			return
		}
		writeServiceError(ctx, w, err)
		return
	}

	body := map[string]any{
		"url":        link.URL,
		"method":     link.Method,
		"expires_at": link.ExpiresAt,
	}
	if len(link.Headers) > 0 {
		body["headers"] = link.Headers
	}
	writeJSONResponse(w, http.StatusOK, body)
}

func (h *InternalHandlers) settleOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderNr, ok := h.requireServiceCall(w, r)
	if !ok {
		return
	}
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_service_unavailable", "settlement service is unavailable", http.StatusServiceUnavailable))
		return
	}

	if err := h.settlement.SettlePayment(ctx, orderNr); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "settled"})
}

func (h *InternalHandlers) refreshPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderNr, ok := h.requireServiceCall(w, r)
	if !ok {
		return
	}
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	if err := h.payments.RefreshPaymentInfo(ctx, orderNr); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "refreshed"})
}

// readyForPickup records the warehouse handover signal as a queued event so
// the debounced pickup flow runs through the same worker as poller-driven
// ones.
func (h *InternalHandlers) readyForPickup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderNr, ok := h.requireServiceCall(w, r)
	if !ok {
		return
	}
	if h.events == nil {
		httpx.WriteError(ctx, w, httpx.NewError("event_store_unavailable", "event store is unavailable", http.StatusServiceUnavailable))
		return
	}

	now := h.clock()
	event, err := domain.NewEvent(domain.ActionOrderReadyForPickup, domain.EventPayload{
		OrderNr:    orderNr,
		OccurredAt: &now,
	}, now)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to record signal", http.StatusInternalServerError))
		return
	}

	if err := h.events.Create(ctx, &event); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (h *InternalHandlers) requireServiceCall(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()

	if _, ok := auth.ServiceIdentityFromContext(ctx); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service authentication required", http.StatusUnauthorized))
		return "", false
	}

	orderNr := strings.TrimSpace(chi.URLParam(r, "orderNr"))
	if orderNr == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order number is required", http.StatusBadRequest))
		return "", false
	}

	return orderNr, true
}
