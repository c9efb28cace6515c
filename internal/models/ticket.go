package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketPaid      TicketStatus = "paid"
	TicketValidated TicketStatus = "validated"
	TicketCancelled TicketStatus = "cancelled"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketPending, TicketPaid, TicketValidated, TicketCancelled:
		return true
	}
	return false
}

type Ticket struct {
	bun.BaseModel `bun:"table:tickets,alias:t"`

	ID           string          `bun:"id,pk" json:"id"`
	PurchaseID   string          `bun:"purchase_id,notnull" json:"purchase_id"`
	TicketTypeID string          `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	EventID      string          `bun:"event_id,notnull" json:"event_id"`
	PurchaserID  string          `bun:"purchaser_id,notnull" json:"purchaser_id"`
	PricePaid    decimal.Decimal `bun:"price_paid,type:numeric(12,2),notnull" json:"price_paid"`
	Code         string          `bun:"code,notnull,unique" json:"code"`
	Status       TicketStatus    `bun:"status,notnull" json:"status"`
	IssuedAt     time.Time       `bun:"issued_at,notnull" json:"issued_at"`
	UpdatedAt    time.Time       `bun:"updated_at,notnull" json:"updated_at"`
	ScannedAt    *time.Time      `bun:"scanned_at" json:"scanned_at,omitempty"`
}
