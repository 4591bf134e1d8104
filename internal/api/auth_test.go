package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func jwtSubject(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: sub}
}

func mustIssue(t *testing.T, auth *Authenticator, subject, role string) string {
	t.Helper()
	token, err := auth.Issue(subject, role, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func TestNewAuthenticator_EmptySecretDisables(t *testing.T) {
	auth := NewAuthenticator("", zap.NewNop())
	if auth != nil {
		t.Fatal("expected nil authenticator for empty secret")
	}

	called := false
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !called {
		t.Error("disabled auth should pass requests through")
	}
}

func TestAuthenticator_Middleware(t *testing.T) {
	auth := NewAuthenticator(testSecret, zap.NewNop())
	other := NewAuthenticator("other-secret", zap.NewNop())

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	tests := []struct {
		name           string
		header         string
		expectedStatus int
		expectedSub    string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + mustIssue(t, other, "u1", ""), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + mustIssue(t, auth, "", ""), http.StatusUnauthorized, ""},
		{"valid user", "Bearer " + mustIssue(t, auth, "u1", ""), http.StatusOK, "u1"},
		{"service without subject", "Bearer " + mustIssue(t, auth, "", RoleService), http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *Claims
			h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = ClaimsFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus == http.StatusOK && seen.Subject != tt.expectedSub {
				t.Errorf("expected subject %q, got %q", tt.expectedSub, seen.Subject)
			}
			if tt.expectedStatus != http.StatusOK && rec.Header().Get("Content-Type") != "application/problem+json" {
				t.Errorf("expected problem+json, got %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestRequireService(t *testing.T) {
	h := RequireService(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		claims         *Claims
		expectedStatus int
	}{
		{"auth disabled", nil, http.StatusOK},
		{"service", &Claims{Role: RoleService}, http.StatusOK},
		{"user", &Claims{RegisteredClaims: jwtSubject("u1")}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", nil)
			if tt.claims != nil {
				req = withClaims(req, tt.claims)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	r := chi.NewRouter()
	r.With(RequireUser("userID")).Get("/users/{userID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name           string
		claims         *Claims
		path           string
		expectedStatus int
	}{
		{"own user", &Claims{RegisteredClaims: jwtSubject("u1")}, "/users/u1", http.StatusOK},
		{"other user", &Claims{RegisteredClaims: jwtSubject("u1")}, "/users/u2", http.StatusForbidden},
		{"service", &Claims{Role: RoleService}, "/users/u2", http.StatusOK},
		{"auth disabled", nil, "/users/u2", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.claims != nil {
				req = withClaims(req, tt.claims)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}
