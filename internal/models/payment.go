package models

import (
	"github.com/shopspring/decimal"
)

type Payer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// PaymentRequest is what the orchestrator hands to a gateway adapter.
// IdempotencyKey identifies one payment attempt of a purchase, so a retried
// request never produces a second external charge.
type PaymentRequest struct {
	PurchaseID     string
	Amount         decimal.Decimal
	Currency       string
	Payer          Payer
	Description    string
	IdempotencyKey string
}

type PaymentSession struct {
	HostedURL         string `json:"payment_url"`
	ExternalReference string `json:"external_reference"`
}

type PaymentOutcomeStatus string

const (
	PaymentSucceeded PaymentOutcomeStatus = "succeeded"
	PaymentFailed    PaymentOutcomeStatus = "failed"
	// PaymentOpen means the gateway has not settled the request yet.
	PaymentOpen PaymentOutcomeStatus = "open"
)

// PaymentOutcome is the gateway's verdict on a payment request, delivered
// by webhook, Kafka or polling. A zero Amount skips the amount check.
type PaymentOutcome struct {
	ExternalReference string               `json:"external_reference"`
	Status            PaymentOutcomeStatus `json:"status"`
	Amount            decimal.Decimal      `json:"amount"`
}
