package services

import (
	"context"
	"strings"

	"ms-purchase/internal/models"

	"github.com/shopspring/decimal"
)

// Gateway is the contract every payment provider adapter satisfies. The
// adapter only talks to the provider; purchase state is never touched here.
//
// CreatePaymentRequest must be idempotent on req.IdempotencyKey: calling it
// twice with the same key yields the same external reference. Failures are
// reported as models.ErrGatewayUnavailable (transient, safe to retry) or
// models.ErrGatewayRejected (terminal for this request).
type Gateway interface {
	Name() string
	CreatePaymentRequest(ctx context.Context, req models.PaymentRequest) (*models.PaymentSession, error)
	GetPaymentStatus(ctx context.Context, externalReference string) (*models.PaymentOutcome, error)
}

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// ToMinorUnits converts an amount to the integer unit providers bill in
// (cents for usd, yen for jpy).
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}
