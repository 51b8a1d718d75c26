package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/auth"
	"github.com/minutemart/order-api/internal/services"
)

type stubSessionService struct {
	createFunc       func(ctx context.Context, cmd services.CreateSessionCommand) (domain.Session, error)
	getFunc          func(ctx context.Context, code string) (domain.Session, error)
	modifyFunc       func(ctx context.Context, code string, items []services.SessionItemInput, header services.SessionHeaderPatch) (domain.Session, error)
	addItemFunc      func(ctx context.Context, code, sku string, quantity int, price decimal.Decimal) (domain.Session, error)
	setQuantityFunc  func(ctx context.Context, code, sku string, quantity int) (domain.Session, error)
	removeItemFunc   func(ctx context.Context, code, sku string) (domain.Session, error)
	setPaymentFunc   func(ctx context.Context, code string, header services.SessionHeaderPatch) (domain.Session, error)
	resetPaymentFunc func(ctx context.Context, code string) (domain.Session, error)
	refreshFunc      func(ctx context.Context, code string) (services.SessionView, error)
	mergeFunc        func(ctx context.Context, guestCode, customerCode, countryCode string) (services.SessionView, error)
	resetFunc        func(ctx context.Context, code string) (domain.Session, error)
	reactivateFunc   func(ctx context.Context, code string) error
}

func (s *stubSessionService) CreateSession(ctx context.Context, cmd services.CreateSessionCommand) (domain.Session, error) {
	if s.createFunc == nil {
		return domain.Session{}, nil
	}
	return s.createFunc(ctx, cmd)
}

func (s *stubSessionService) GetSession(ctx context.Context, code string) (domain.Session, error) {
	if s.getFunc == nil {
		return domain.Session{}, services.ErrSessionNotFound
	}
	return s.getFunc(ctx, code)
}

func (s *stubSessionService) ModifySession(ctx context.Context, code string, items []services.SessionItemInput, header services.SessionHeaderPatch) (domain.Session, error) {
	if s.modifyFunc == nil {
		return domain.Session{}, nil
	}
	return s.modifyFunc(ctx, code, items, header)
}

func (s *stubSessionService) AddItem(ctx context.Context, code, sku string, quantity int, price decimal.Decimal) (domain.Session, error) {
	if s.addItemFunc == nil {
		return domain.Session{}, nil
	}
	return s.addItemFunc(ctx, code, sku, quantity, price)
}

func (s *stubSessionService) SetQuantity(ctx context.Context, code, sku string, quantity int) (domain.Session, error) {
	if s.setQuantityFunc == nil {
		return domain.Session{}, nil
	}
	return s.setQuantityFunc(ctx, code, sku, quantity)
}

func (s *stubSessionService) RemoveItem(ctx context.Context, code, sku string) (domain.Session, error) {
	if s.removeItemFunc == nil {
		return domain.Session{}, nil
	}
	return s.removeItemFunc(ctx, code, sku)
}

func (s *stubSessionService) SetPaymentMethod(ctx context.Context, code string, header services.SessionHeaderPatch) (domain.Session, error) {
	if s.setPaymentFunc == nil {
		return domain.Session{}, nil
	}
	return s.setPaymentFunc(ctx, code, header)
}

func (s *stubSessionService) ResetPaymentMethod(ctx context.Context, code string) (domain.Session, error) {
	if s.resetPaymentFunc == nil {
		return domain.Session{}, nil
	}
	return s.resetPaymentFunc(ctx, code)
}

func (s *stubSessionService) RefreshSession(ctx context.Context, code string) (services.SessionView, error) {
	if s.refreshFunc == nil {
		return services.SessionView{}, nil
	}
	return s.refreshFunc(ctx, code)
}

func (s *stubSessionService) MergeOnLogin(ctx context.Context, guestCode, customerCode, countryCode string) (services.SessionView, error) {
	if s.mergeFunc == nil {
		return services.SessionView{}, nil
	}
	return s.mergeFunc(ctx, guestCode, customerCode, countryCode)
}

func (s *stubSessionService) ResetCheckoutSession(ctx context.Context, code string) (domain.Session, error) {
	if s.resetFunc == nil {
		return domain.Session{}, nil
	}
	return s.resetFunc(ctx, code)
}

func (s *stubSessionService) ReactivateOrderSession(ctx context.Context, code string) error {
	if s.reactivateFunc == nil {
		return nil
	}
	return s.reactivateFunc(ctx, code)
}

func sampleSession() domain.Session {
	return domain.Session{
		ID:           1,
		SessionCode:  "sess-1",
		OwnerType:    domain.SessionOwnerCustomer,
		OwnerID:      "cust-1",
		CountryCode:  "AE",
		CurrencyCode: "AED",
		Status:       domain.SessionStatusActive,
		Items: []domain.SessionItem{
			{SessionID: 1, SKU: "sku-a", Quantity: 2, Price: decimal.NewFromInt(10)},
		},
	}
}

func sessionTestRouter(service services.SessionService) chi.Router {
	handler := NewSessionHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/sessions", handler.Routes)
	return router
}

func authedRequest(method, target string, body string, customerCode string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	identity := &auth.Identity{CustomerCode: customerCode, Roles: []string{auth.RoleCustomer}}
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func TestSessionHandlersCreateSession(t *testing.T) {
	service := &stubSessionService{
		createFunc: func(ctx context.Context, cmd services.CreateSessionCommand) (domain.Session, error) {
			if cmd.OwnerID != "cust-1" {
				t.Fatalf("unexpected owner id %q", cmd.OwnerID)
			}
			if cmd.OwnerType != domain.SessionOwnerCustomer {
				t.Fatalf("unexpected owner type %q", cmd.OwnerType)
			}
			if cmd.CountryCode != "AE" || cmd.CurrencyCode != "AED" {
				t.Fatalf("unexpected locale %q %q", cmd.CountryCode, cmd.CurrencyCode)
			}
			return sampleSession(), nil
		},
	}

	router := sessionTestRouter(service)
	req := authedRequest(http.MethodPost, "/sessions/", `{"country_code":"AE","currency_code":"AED"}`, "cust-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Session.SessionCode != "sess-1" {
		t.Fatalf("unexpected session code %q", resp.Session.SessionCode)
	}
	if len(resp.Session.Items) != 1 || resp.Session.Items[0].SKU != "sku-a" {
		t.Fatalf("unexpected items %+v", resp.Session.Items)
	}
}

func TestSessionHandlersCreateSessionRequiresIdentity(t *testing.T) {
	router := sessionTestRouter(&stubSessionService{})
	req := httptest.NewRequest(http.MethodPost, "/sessions/", strings.NewReader(`{"country_code":"AE"}`))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestSessionHandlersGetSessionRejectsForeignOwner(t *testing.T) {
	service := &stubSessionService{
		getFunc: func(ctx context.Context, code string) (domain.Session, error) {
			return sampleSession(), nil
		},
	}

	router := sessionTestRouter(service)
	req := authedRequest(http.MethodGet, "/sessions/sess-1", "", "cust-2")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSessionHandlersGetSessionAllowsSupportRole(t *testing.T) {
	service := &stubSessionService{
		getFunc: func(ctx context.Context, code string) (domain.Session, error) {
			return sampleSession(), nil
		},
	}

	router := sessionTestRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil)
	identity := &auth.Identity{CustomerCode: "agent-1", Roles: []string{auth.RoleSupport}}
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSessionHandlersAddItemValidatesInput(t *testing.T) {
	service := &stubSessionService{
		getFunc: func(ctx context.Context, code string) (domain.Session, error) {
			return sampleSession(), nil
		},
	}

	router := sessionTestRouter(service)
	req := authedRequest(http.MethodPost, "/sessions/sess-1/items", `{"sku":"","quantity":0}`, "cust-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSessionHandlersAddItemForwardsToService(t *testing.T) {
	var gotSKU string
	var gotQuantity int
	service := &stubSessionService{
		getFunc: func(ctx context.Context, code string) (domain.Session, error) {
			return sampleSession(), nil
		},
		addItemFunc: func(ctx context.Context, code, sku string, quantity int, price decimal.Decimal) (domain.Session, error) {
			gotSKU = sku
			gotQuantity = quantity
			if !price.Equal(decimal.RequireFromString("5.50")) {
				t.Fatalf("unexpected price %s", price)
			}
			return sampleSession(), nil
		},
	}

	router := sessionTestRouter(service)
	req := authedRequest(http.MethodPost, "/sessions/sess-1/items", `{"sku":"sku-b","quantity":3,"price":"5.50"}`, "cust-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotSKU != "sku-b" || gotQuantity != 3 {
		t.Fatalf("unexpected forward %q %d", gotSKU, gotQuantity)
	}
}

func TestSessionHandlersModifySessionInactiveConflict(t *testing.T) {
	service := &stubSessionService{
		getFunc: func(ctx context.Context, code string) (domain.Session, error) {
			return sampleSession(), nil
		},
		modifyFunc: func(ctx context.Context, code string, items []services.SessionItemInput, header services.SessionHeaderPatch) (domain.Session, error) {
			return domain.Session{}, services.ErrSessionInactive
		},
	}

	router := sessionTestRouter(service)
	req := authedRequest(http.MethodPatch, "/sessions/sess-1", `{"items":[{"sku":"sku-a","quantity":1,"price":"10"}]}`, "cust-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSessionHandlersRefreshReportsAdjustedLines(t *testing.T) {
	service := &stubSessionService{
		getFunc: func(ctx context.Context, code string) (domain.Session, error) {
			return sampleSession(), nil
		},
		refreshFunc: func(ctx context.Context, code string) (services.SessionView, error) {
			return services.SessionView{
				Session: sampleSession(),
				UpdatedItems: []domain.UpdatedItem{
					{SKU: "sku-a", OldQuantity: 2, NewQuantity: 1, Reason: domain.UpdateReasonQuantityCap},
				},
			}, nil
		},
	}

	router := sessionTestRouter(service)
	req := authedRequest(http.MethodPost, "/sessions/sess-1/refresh", "", "cust-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.UpdatedItems) != 1 || resp.UpdatedItems[0].Reason != domain.UpdateReasonQuantityCap {
		t.Fatalf("unexpected updated items %+v", resp.UpdatedItems)
	}
}

func TestSessionHandlersMergeUsesIdentityCustomer(t *testing.T) {
	var gotGuest, gotCustomer string
	service := &stubSessionService{
		mergeFunc: func(ctx context.Context, guestCode, customerCode, countryCode string) (services.SessionView, error) {
			gotGuest = guestCode
			gotCustomer = customerCode
			return services.SessionView{Session: sampleSession()}, nil
		},
	}

	router := sessionTestRouter(service)
	req := authedRequest(http.MethodPost, "/sessions/merge", `{"guest_session_code":"guest-9","country_code":"AE"}`, "cust-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotGuest != "guest-9" || gotCustomer != "cust-1" {
		t.Fatalf("unexpected merge args %q %q", gotGuest, gotCustomer)
	}
}

func TestSessionHandlersNotFoundMapsTo404(t *testing.T) {
	router := sessionTestRouter(&stubSessionService{})
	req := authedRequest(http.MethodGet, "/sessions/missing", "", "cust-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
	}
}
