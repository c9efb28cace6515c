package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// EventTicketType is a priced category of admission for an event. Price is
// never updated once the row exists; Reserved counts tickets of this type
// that are not cancelled.
type EventTicketType struct {
	bun.BaseModel `bun:"table:event_ticket_types,alias:ett"`

	ID        string          `bun:"id,pk" json:"id"`
	EventID   string          `bun:"event_id,notnull" json:"event_id"`
	Name      string          `bun:"name,notnull" json:"name"`
	Price     decimal.Decimal `bun:"price,type:numeric(12,2),notnull" json:"price"`
	Capacity  int             `bun:"capacity,notnull" json:"capacity"`
	Reserved  int             `bun:"reserved,notnull" json:"reserved"`
	CreatedAt time.Time       `bun:"created_at,notnull" json:"created_at"`
}

func (t *EventTicketType) Available() int {
	return t.Capacity - t.Reserved
}

type Availability struct {
	TicketTypeID string `json:"ticket_type_id"`
	EventID      string `json:"event_id"`
	Capacity     int    `json:"capacity"`
	Reserved     int    `json:"reserved"`
	Available    int    `json:"available"`
}
