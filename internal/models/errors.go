package models

import "errors"

// Error kinds shared by every layer. Callers wrap them with %w and
// classify with errors.Is.
var (
	ErrOutOfStock         = errors.New("out of stock")
	ErrInvalidState       = errors.New("invalid state")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
	ErrNotFound           = errors.New("not found")
	ErrPriceMismatch      = errors.New("price mismatch")
	ErrInvalidCart        = errors.New("invalid cart")
	ErrInvalidTicketType  = errors.New("invalid ticket type")
)
