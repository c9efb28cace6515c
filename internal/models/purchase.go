package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchasePaid      PurchaseStatus = "paid"
	PurchaseValidated PurchaseStatus = "validated"
	PurchaseCancelled PurchaseStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentCard         PaymentMethod = "card"
	PaymentWallet       PaymentMethod = "wallet"
	PaymentPromoCode    PaymentMethod = "promo_code"
	PaymentCash         PaymentMethod = "cash"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCard, PaymentWallet, PaymentPromoCode, PaymentCash, PaymentBankTransfer:
		return true
	}
	return false
}

// UsesHostedGateway reports whether the method is settled through the
// external payment gateway's hosted page.
func (m PaymentMethod) UsesHostedGateway() bool {
	return m == PaymentCard
}

type CancelReason string

const (
	CancelByBuyer   CancelReason = "buyer"
	CancelByTimeout CancelReason = "timeout"
)

type Purchase struct {
	bun.BaseModel `bun:"table:purchases,alias:p"`

	ID               string          `bun:"id,pk" json:"id"`
	BuyerID          string          `bun:"buyer_id,notnull,unique:buyer_idempotency" json:"buyer_id"`
	BuyerEmail       string          `bun:"buyer_email" json:"buyer_email,omitempty"`
	BuyerName        string          `bun:"buyer_name" json:"buyer_name,omitempty"`
	EventID          string          `bun:"event_id,notnull" json:"event_id"`
	TotalPrice       decimal.Decimal `bun:"total_price,type:numeric(12,2),notnull" json:"total_price"`
	Currency         string          `bun:"currency,notnull" json:"currency"`
	PaymentMethod    PaymentMethod   `bun:"payment_method,notnull" json:"payment_method"`
	Status           PurchaseStatus  `bun:"status,notnull" json:"status"`
	PaymentReference string          `bun:"payment_reference,nullzero" json:"payment_reference,omitempty"`
	PaymentURL       string          `bun:"payment_url,nullzero" json:"payment_url,omitempty"`
	PaymentAttempts  int             `bun:"payment_attempts,notnull,default:0" json:"payment_attempts"`
	IdempotencyKey   string          `bun:"idempotency_key,nullzero,unique:buyer_idempotency" json:"-"`
	CancelReason     CancelReason    `bun:"cancel_reason,nullzero" json:"cancel_reason,omitempty"`
	CreatedAt        time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt        time.Time       `bun:"updated_at,notnull" json:"updated_at"`
	PaidAt           *time.Time      `bun:"paid_at" json:"paid_at,omitempty"`
	CancelledAt      *time.Time      `bun:"cancelled_at" json:"cancelled_at,omitempty"`
}

type PurchaseWithTickets struct {
	Purchase Purchase `json:"purchase"`
	Tickets  []Ticket `json:"tickets"`
	// PaymentDeadline is set while the purchase is pending; after it the
	// purchase is cancelled and its tickets released.
	PaymentDeadline *time.Time `json:"payment_deadline,omitempty"`
}

// LineItem is one cart row as handed over by the cart aggregator.
type LineItem struct {
	TicketTypeID string          `json:"ticket_type_id"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
}

type CreatePurchaseRequest struct {
	BuyerID        string        `json:"-"`
	BuyerEmail     string        `json:"-"`
	BuyerName      string        `json:"-"`
	EventID        string        `json:"event_id"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	LineItems      []LineItem    `json:"line_items"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// Total is the cart total computed from the client supplied unit prices.
func (r CreatePurchaseRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range r.LineItems {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
