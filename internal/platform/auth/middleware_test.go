package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type stubTokenVerifier struct {
	claims   jwt.MapClaims
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyToken(_ context.Context, token string) (jwt.MapClaims, error) {
	s.received = token
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

func TestRequireAuthAllowsValidToken(t *testing.T) {
	verifier := &stubTokenVerifier{claims: jwt.MapClaims{
		"sub":   "cust-123",
		"email": "user@example.com",
		"role":  RoleSupport,
	}}
	authn := NewAuthenticator(verifier)

	handler := authn.RequireAuth(RoleSupport)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if identity.CustomerCode != "cust-123" {
			t.Fatalf("unexpected subject: %s", identity.CustomerCode)
		}
		if !identity.HasRole(RoleSupport) {
			t.Fatal("expected support role")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer token-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", rec.Code, rec.Body.String())
	}
	if verifier.received != "token-abc" {
		t.Fatalf("expected the bearer token forwarded, got %q", verifier.received)
	}
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{})

	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthExpiredToken(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{err: ErrTokenExpired})

	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer expired")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthMissingRoleUsesFallback(t *testing.T) {
	verifier := &stubTokenVerifier{claims: jwt.MapClaims{"sub": "cust-9"}}
	authn := NewAuthenticator(verifier)

	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if !identity.HasRole(RoleCustomer) {
			t.Fatalf("expected fallback role, got %v", identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestRequireAuthInsufficientRole(t *testing.T) {
	verifier := &stubTokenVerifier{claims: jwt.MapClaims{"sub": "cust-9", "role": RoleCustomer}}
	authn := NewAuthenticator(verifier)

	handler := authn.RequireAuth(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func setupBearerTest(t *testing.T, claims jwt.MapClaims) (*JWKSCache, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	jwk := jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     "customer-key",
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}); err != nil {
			t.Fatalf("encode jwks: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "customer-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return NewJWKSCache(server.URL, WithJWKSLogger(noopLogger{})), signed
}

func TestVerifyTokenLeewayToleratesClockSkew(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "cust-9",
		"exp": float64(time.Now().Add(-10 * time.Second).Unix()),
	}
	cache, signed := setupBearerTest(t, claims)

	strict := NewJWTVerifier(cache)
	if _, err := strict.VerifyToken(context.Background(), signed); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired without leeway, got %v", err)
	}

	tolerant := NewJWTVerifier(cache, WithLeeway(time.Minute))
	got, err := tolerant.VerifyToken(context.Background(), signed)
	if err != nil {
		t.Fatalf("expected skewed token accepted, got %v", err)
	}
	if got["sub"] != "cust-9" {
		t.Fatalf("unexpected claims: %v", got)
	}
}

func TestVerifyTokenLeewayStillRejectsExpired(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "cust-9",
		"exp": float64(time.Now().Add(-10 * time.Minute).Unix()),
	}
	cache, signed := setupBearerTest(t, claims)

	verifier := NewJWTVerifier(cache, WithLeeway(time.Minute))
	if _, err := verifier.VerifyToken(context.Background(), signed); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired beyond the leeway, got %v", err)
	}
}
