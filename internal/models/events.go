package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PurchaseEventType string

const (
	EventPurchaseCreated   PurchaseEventType = "purchase.created"
	EventPurchasePaid      PurchaseEventType = "purchase.paid"
	EventPurchaseCancelled PurchaseEventType = "purchase.cancelled"
)

// PurchaseEvent is the payload published to Kafka and streamed over SSE
// whenever a purchase changes state.
type PurchaseEvent struct {
	Type        PurchaseEventType `json:"type"`
	PurchaseID  string            `json:"purchase_id"`
	BuyerID     string            `json:"buyer_id"`
	EventID     string            `json:"event_id"`
	Status      PurchaseStatus    `json:"status"`
	TotalPrice  decimal.Decimal   `json:"total_price"`
	Currency    string            `json:"currency"`
	TicketCount int               `json:"ticket_count"`
	Reason      CancelReason      `json:"reason,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

func NewPurchaseEvent(t PurchaseEventType, p Purchase, ticketCount int) PurchaseEvent {
	return PurchaseEvent{
		Type:        t,
		PurchaseID:  p.ID,
		BuyerID:     p.BuyerID,
		EventID:     p.EventID,
		Status:      p.Status,
		TotalPrice:  p.TotalPrice,
		Currency:    p.Currency,
		TicketCount: ticketCount,
		Reason:      p.CancelReason,
		OccurredAt:  time.Now().UTC(),
	}
}

// PaymentOutcomeEvent is consumed from the payment outcome topic.
type PaymentOutcomeEvent struct {
	PurchaseID        string               `json:"purchase_id"`
	ExternalReference string               `json:"external_reference"`
	Status            PaymentOutcomeStatus `json:"status"`
	Amount            decimal.Decimal      `json:"amount"`
}

func (e PaymentOutcomeEvent) Outcome() PaymentOutcome {
	return PaymentOutcome{
		ExternalReference: e.ExternalReference,
		Status:            e.Status,
		Amount:            e.Amount,
	}
}
