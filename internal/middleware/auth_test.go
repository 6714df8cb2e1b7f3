package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/crm_service/internal/logging"
)

func generateTestKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return privateKey, &privateKey.PublicKey
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims(userID, role string) *Claims {
	return &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "crm-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-User", GetUserID(r.Context()))
		w.Header().Set("X-Role", GetUserRole(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareSkipPaths(t *testing.T) {
	_, pub := generateTestKeys(t)
	handler := NewAuthMiddleware(pub, "", logging.New("test", "error", "json"), []string{"/healthz"}).Handler(echoIdentity())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	priv, pub := generateTestKeys(t)
	other, _ := generateTestKeys(t)
	handler := NewAuthMiddleware(pub, "crm-auth", logging.New("test", "error", "json"), nil).Handler(echoIdentity())

	expired := validClaims("u1", "employee")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := validClaims("u1", "employee")
	wrongIssuer.Issuer = "elsewhere"

	hs256, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("u1", "admin")).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", "token123"},
		{"wrong scheme", "Basic token123"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired", "Bearer " + signToken(t, priv, expired)},
		{"wrong key", "Bearer " + signToken(t, other, validClaims("u1", "admin"))},
		{"wrong issuer", "Bearer " + signToken(t, priv, wrongIssuer)},
		{"missing user", "Bearer " + signToken(t, priv, validClaims("", "admin"))},
		{"hmac algorithm", "Bearer " + hs256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/customers/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddlewarePropagatesIdentity(t *testing.T) {
	priv, pub := generateTestKeys(t)
	handler := NewAuthMiddleware(pub, "crm-auth", logging.New("test", "error", "json"), nil).Handler(echoIdentity())

	req := httptest.NewRequest(http.MethodGet, "/customers/x", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, validClaims("u1", "manager")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("X-User"); got != "u1" {
		t.Errorf("user = %q, want u1", got)
	}
	if got := rec.Header().Get("X-Role"); got != "manager" {
		t.Errorf("role = %q, want manager", got)
	}
}

func TestParsePublicKey(t *testing.T) {
	_, pub := generateTestKeys(t)
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	raw := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParsePublicKey(raw)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed.N.Cmp(pub.N) != 0 {
		t.Error("parsed key differs")
	}
	if _, err := ParsePublicKey([]byte("nope")); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestAuthMiddlewareRejectsReservedUser(t *testing.T) {
	priv, pub := generateTestKeys(t)
	handler := NewAuthMiddleware(pub, "crm-auth", logging.New("test", "error", "json"), nil).
		Reserve("system").
		Handler(echoIdentity())

	for user, want := range map[string]int{"system": http.StatusUnauthorized, "u1": http.StatusOK} {
		req := httptest.NewRequest(http.MethodGet, "/customers/x", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, priv, validClaims(user, "admin")))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("%s: status = %d, want %d", user, rec.Code, want)
		}
	}
}
