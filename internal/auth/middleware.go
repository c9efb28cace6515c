package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ms-purchase/internal/logger"
)

type contextKey string

const buyerKey contextKey = "buyer"

var (
	ErrMissingToken = errors.New("missing Authorization header")
	ErrMalformed    = errors.New("invalid Authorization header format")
)

// Buyer is the authenticated identity taken from the bearer token.
type Buyer struct {
	ID    string
	Email string
	Name  string
	Roles []string
}

func (b Buyer) HasRole(role string) bool {
	for _, r := range b.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// TokenVerifier turns a raw bearer token into a Buyer.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Buyer, error)
}

// RejectFunc writes the response for a request that failed authentication.
type RejectFunc func(w http.ResponseWriter, status int, message string)

func plainReject(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

// Middleware authenticates every request with verifier and stores the
// Buyer in the request context. reject may be nil.
func Middleware(verifier TokenVerifier, log *logger.Logger, reject RejectFunc) func(http.Handler) http.Handler {
	if reject == nil {
		reject = plainReject
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				reject(w, http.StatusUnauthorized, err.Error())
				return
			}

			buyer, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				log.LogSecurity("TOKEN_REJECTED", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
				reject(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if buyer.ID == "" {
				reject(w, http.StatusUnauthorized, "token has no subject")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithBuyer(r.Context(), *buyer)))
		})
	}
}

// RequireRole lets through only callers whose token carries role. It must
// run after Middleware.
func RequireRole(role string, log *logger.Logger, reject RejectFunc) func(http.Handler) http.Handler {
	if reject == nil {
		reject = plainReject
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buyer, ok := BuyerFrom(r.Context())
			if !ok {
				reject(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !buyer.HasRole(role) {
				log.LogSecurity("ROLE_DENIED", fmt.Sprintf("%s lacks %s for %s %s", buyer.ID, role, r.Method, r.URL.Path))
				reject(w, http.StatusForbidden, "missing role "+role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractTokenFromRequest returns the token of a "Bearer <token>" header.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrMalformed
	}
	return parts[1], nil
}

func WithBuyer(ctx context.Context, buyer Buyer) context.Context {
	return context.WithValue(ctx, buyerKey, buyer)
}

// BuyerFrom returns the authenticated buyer, if any.
func BuyerFrom(ctx context.Context) (Buyer, bool) {
	buyer, ok := ctx.Value(buyerKey).(Buyer)
	return buyer, ok
}

// UserID is a shortcut for handlers that only need the subject.
func UserID(ctx context.Context) string {
	buyer, _ := BuyerFrom(ctx)
	return buyer.ID
}
