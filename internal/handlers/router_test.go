package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRouterUnknownRouteReturnsJSON404(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["error"] != errorNotFoundCode {
		t.Fatalf("unexpected error code %v", payload["error"])
	}
}

func TestRouterUnconfiguredGroupReturns501(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected status 501, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRouterMountsConfiguredRegistrars(t *testing.T) {
	router := NewRouter(
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
				writeJSONResponse(w, http.StatusOK, map[string]any{"pong": true})
			})
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ping", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRouterHealthzAlwaysRegistered(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestRouterAppliesGroupMiddleware(t *testing.T) {
	marker := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Group", "webhooks")
			next.ServeHTTP(w, req)
		})
	}

	router := NewRouter(
		WithWebhookMiddlewares(marker),
		WithWebhookRoutes(func(r chi.Router) {
			r.Post("/payments", func(w http.ResponseWriter, req *http.Request) {
				writeJSONResponse(w, http.StatusOK, map[string]any{"status": "processed"})
			})
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Group") != "webhooks" {
		t.Fatalf("expected group middleware header, got %q", rr.Header().Get("X-Group"))
	}
}
