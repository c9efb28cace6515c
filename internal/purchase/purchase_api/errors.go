package purchase_api

import (
	"errors"
	"net/http"

	"ms-purchase/internal/models"
)

// ErrorPolicy maps a service error to the HTTP status and public message
// the handler answers with.
type ErrorPolicy func(err error) (status int, message string)

// DefaultErrorPolicy classifies the shared error kinds.
func DefaultErrorPolicy(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, models.ErrInvalidCart):
		return http.StatusBadRequest, "Invalid cart"
	case errors.Is(err, models.ErrOutOfStock):
		return http.StatusConflict, "Not enough tickets left"
	case errors.Is(err, models.ErrPriceMismatch):
		return http.StatusConflict, "Prices changed, refresh the cart"
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict, "Operation not allowed in the current state"
	case errors.Is(err, models.ErrGatewayRejected):
		return http.StatusPaymentRequired, "Payment provider rejected the request"
	case errors.Is(err, models.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "Payment provider unavailable, try again"
	}
	return http.StatusInternalServerError, "Internal error"
}
