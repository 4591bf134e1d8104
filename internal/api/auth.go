package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// RoleService marks tokens issued to backend services (promoter dashboard,
// ticketing) that may dispatch notifications and act on any user.
const RoleService = "service"

// Claims carried in bearer tokens. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type claimsKey struct{}

// ClaimsFromContext returns the authenticated claims, or nil when auth is
// disabled.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Authenticator verifies HS256 bearer tokens. A nil *Authenticator disables
// authentication.
type Authenticator struct {
	secret []byte
	logger *zap.Logger
}

// NewAuthenticator returns nil when secret is empty.
func NewAuthenticator(secret string, logger *zap.Logger) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// Issue signs a token for subject. Used by tooling and tests.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "eventhub",
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || tokenString == "" {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "Missing bearer token", "")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			a.logger.Debug("rejected bearer token", zap.Error(err))
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid token", "")
			return
		}
		if claims.Subject == "" && claims.Role != RoleService {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid token", "token has no subject")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

var errForbidden = errors.New("forbidden")

// authorize reports whether the caller may act on userID. Service tokens may
// act on anyone; user tokens only on themselves.
func authorize(r *http.Request, userID string) error {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return nil
	}
	if claims.Role == RoleService || claims.Subject == userID {
		return nil
	}
	return errForbidden
}

// RequireService only admits service tokens.
func RequireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := ClaimsFromContext(r.Context()); claims != nil && claims.Role != RoleService {
			writeProblem(w, http.StatusForbidden, "forbidden", "Service token required", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser admits the user named by the URL parameter param, or a service.
func RequireUser(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := authorize(r, chi.URLParam(r, param)); err != nil {
				writeProblem(w, http.StatusForbidden, "forbidden", "Not allowed for this user", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
