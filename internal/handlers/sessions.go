package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/auth"
	"github.com/minutemart/order-api/internal/platform/httpx"
	"github.com/minutemart/order-api/internal/services"
)

const maxSessionBodySize = 16 * 1024

// SessionHandlers exposes the cart endpoints. All routes require a bearer
// token; guests authenticate with anonymous tokens whose subject is the
// device identifier.
type SessionHandlers struct {
	authn    *auth.Authenticator
	sessions services.SessionService
}

// NewSessionHandlers constructs handlers enforcing authentication before
// invoking the session service.
func NewSessionHandlers(authn *auth.Authenticator, sessions services.SessionService) *SessionHandlers {
	return &SessionHandlers{
		authn:    authn,
		sessions: sessions,
	}
}

// Routes wires the /sessions endpoints onto the provided router.
func (h *SessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/", h.createSession)
	r.Post("/merge", h.mergeSessions)
	r.Route("/{sessionCode}", func(sr chi.Router) {
		sr.Get("/", h.getSession)
		sr.Patch("/", h.modifySession)
		sr.Post("/items", h.addItem)
		sr.Put("/items/{sku}", h.setQuantity)
		sr.Delete("/items/{sku}", h.removeItem)
		sr.Put("/payment-method", h.setPaymentMethod)
		sr.Delete("/payment-method", h.resetPaymentMethod)
		sr.Post("/refresh", h.refreshSession)
		sr.Post("/reset-checkout", h.resetCheckout)
	})
}

type sessionItemPayload struct {
	SKU      string          `json:"sku"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type sessionPayload struct {
	SessionCode    string               `json:"session_code"`
	Status         string               `json:"status"`
	OwnerType      string               `json:"owner_type"`
	CountryCode    string               `json:"country_code"`
	CurrencyCode   string               `json:"currency_code,omitempty"`
	WarehouseCode  string               `json:"warehouse_code,omitempty"`
	AddressKey     string               `json:"address_key,omitempty"`
	PaymentMethod  string               `json:"payment_method,omitempty"`
	CreditCardMask string               `json:"credit_card_mask,omitempty"`
	Items          []sessionItemPayload `json:"items"`
}

type sessionResponse struct {
	Session      sessionPayload       `json:"session"`
	UpdatedItems []domain.UpdatedItem `json:"updated_items,omitempty"`
}

func buildSessionPayload(session domain.Session) sessionPayload {
	items := make([]sessionItemPayload, 0, len(session.Items))
	for _, item := range session.Items {
		items = append(items, sessionItemPayload{
			SKU:      item.SKU,
			Quantity: item.Quantity,
			Price:    item.Price,
		})
	}
	return sessionPayload{
		SessionCode:    session.SessionCode,
		Status:         string(session.Status),
		OwnerType:      string(session.OwnerType),
		CountryCode:    session.CountryCode,
		CurrencyCode:   session.CurrencyCode,
		WarehouseCode:  session.WarehouseCode,
		AddressKey:     session.AddressKey,
		PaymentMethod:  string(session.PaymentMethodCode),
		CreditCardMask: session.CreditCardMask,
		Items:          items,
	}
}

func (h *SessionHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_service_unavailable", "session service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.CustomerCode) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxSessionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		OwnerType     string `json:"owner_type"`
		CountryCode   string `json:"country_code"`
		CurrencyCode  string `json:"currency_code"`
		WarehouseCode string `json:"warehouse_code"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}

	ownerType := domain.SessionOwnerCustomer
	if strings.EqualFold(req.OwnerType, string(domain.SessionOwnerGuest)) {
		ownerType = domain.SessionOwnerGuest
	}

	session, err := h.sessions.CreateSession(ctx, services.CreateSessionCommand{
		OwnerType:     ownerType,
		OwnerID:       identity.CustomerCode,
		CountryCode:   req.CountryCode,
		CurrencyCode:  req.CurrencyCode,
		WarehouseCode: req.WarehouseCode,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *SessionHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *SessionHandlers) modifySession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxSessionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		Items []struct {
			SKU      string          `json:"sku"`
			Quantity int             `json:"quantity"`
			Price    decimal.Decimal `json:"price"`
		} `json:"items"`
		AddressKey     *string `json:"address_key"`
		WarehouseCode  *string `json:"warehouse_code"`
		PaymentMethod  *string `json:"payment_method"`
		PaymentToken   *string `json:"payment_token"`
		CreditCardMask *string `json:"credit_card_mask"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}

	items := make([]services.SessionItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.SessionItemInput{
			SKU:      item.SKU,
			Quantity: item.Quantity,
			Price:    item.Price,
		})
	}

	header := services.SessionHeaderPatch{
		AddressKey:     req.AddressKey,
		WarehouseCode:  req.WarehouseCode,
		PaymentToken:   req.PaymentToken,
		CreditCardMask: req.CreditCardMask,
	}
	if req.PaymentMethod != nil {
		method := domain.PaymentMethod(strings.ToLower(*req.PaymentMethod))
		header.PaymentMethodCode = &method
	}

	updated, err := h.sessions.ModifySession(ctx, session.SessionCode, items, header)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(updated)})
}

func (h *SessionHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxSessionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		SKU      string          `json:"sku"`
		Quantity int             `json:"quantity"`
		Price    decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.SKU) == "" || req.Quantity <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sku and a positive quantity are required", http.StatusBadRequest))
		return
	}

	updated, err := h.sessions.AddItem(ctx, session.SessionCode, req.SKU, req.Quantity, req.Price)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(updated)})
}

func (h *SessionHandlers) setQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if sku == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sku is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxSessionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}
	if req.Quantity < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity must not be negative", http.StatusBadRequest))
		return
	}

	updated, err := h.sessions.SetQuantity(ctx, session.SessionCode, sku, req.Quantity)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(updated)})
}

func (h *SessionHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if sku == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sku is required", http.StatusBadRequest))
		return
	}

	updated, err := h.sessions.RemoveItem(ctx, session.SessionCode, sku)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(updated)})
}

func (h *SessionHandlers) setPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxSessionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		PaymentMethod  string  `json:"payment_method"`
		PaymentToken   *string `json:"payment_token"`
		CreditCardMask *string `json:"credit_card_mask"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_method is required", http.StatusBadRequest))
		return
	}

	method := domain.PaymentMethod(strings.ToLower(req.PaymentMethod))
	header := services.SessionHeaderPatch{
		PaymentMethodCode: &method,
		PaymentToken:      req.PaymentToken,
		CreditCardMask:    req.CreditCardMask,
	}

	updated, err := h.sessions.SetPaymentMethod(ctx, session.SessionCode, header)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(updated)})
}

func (h *SessionHandlers) resetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}

	updated, err := h.sessions.ResetPaymentMethod(ctx, session.SessionCode)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(updated)})
}

func (h *SessionHandlers) refreshSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}

	view, err := h.sessions.RefreshSession(ctx, session.SessionCode)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionResponse{
		Session:      buildSessionPayload(view.Session),
		UpdatedItems: view.UpdatedItems,
	})
}

func (h *SessionHandlers) mergeSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_service_unavailable", "session service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.CustomerCode) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxSessionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		GuestSessionCode string `json:"guest_session_code"`
		CountryCode      string `json:"country_code"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.GuestSessionCode) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "guest_session_code is required", http.StatusBadRequest))
		return
	}

	view, err := h.sessions.MergeOnLogin(ctx, req.GuestSessionCode, identity.CustomerCode, req.CountryCode)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionResponse{
		Session:      buildSessionPayload(view.Session),
		UpdatedItems: view.UpdatedItems,
	})
}

func (h *SessionHandlers) resetCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}

	updated, err := h.sessions.ResetCheckoutSession(ctx, session.SessionCode)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(updated)})
}

// loadOwnedSession fetches the session from the path parameter and verifies
// the caller owns it. Support and admin roles may act on any session.
func (h *SessionHandlers) loadOwnedSession(w http.ResponseWriter, r *http.Request) (domain.Session, bool) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_service_unavailable", "session service is unavailable", http.StatusServiceUnavailable))
		return domain.Session{}, false
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.CustomerCode) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return domain.Session{}, false
	}

	code := strings.TrimSpace(chi.URLParam(r, "sessionCode"))
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session code is required", http.StatusBadRequest))
		return domain.Session{}, false
	}

	session, err := h.sessions.GetSession(ctx, code)
	if err != nil {
		writeServiceError(ctx, w, err)
		return domain.Session{}, false
	}

	if session.OwnerID != identity.CustomerCode && !identity.HasAnyRole(auth.RoleSupport, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", fmt.Sprintf("session %s does not belong to the caller", code), http.StatusForbidden))
		return domain.Session{}, false
	}

	return session, true
}
