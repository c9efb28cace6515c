package analytics

import (
	"context"
	"fmt"

	"ms-purchase/internal/models"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Service aggregates sales figures for event organisers.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db}
}

// EventSales is the sales report of one event. Revenue and tickets count
// only purchases that were paid, whether or not they were scanned since.
type EventSales struct {
	EventID          string            `json:"event_id"`
	TotalRevenue     decimal.Decimal   `json:"total_revenue"`
	TotalTicketsSold int               `json:"total_tickets_sold"`
	TicketsScanned   int               `json:"tickets_scanned"`
	PurchasesByState map[string]int    `json:"purchases_by_status"`
	SalesByType      []TicketTypeSales `json:"sales_by_ticket_type"`
}

// TicketTypeSales contains sales metrics for one ticket type.
type TicketTypeSales struct {
	TicketTypeID string          `json:"ticket_type_id" bun:"ticket_type_id"`
	Name         string          `json:"name" bun:"name"`
	Capacity     int             `json:"capacity" bun:"capacity"`
	Reserved     int             `json:"reserved" bun:"reserved"`
	TicketsSold  int             `json:"tickets_sold" bun:"tickets_sold"`
	Revenue      decimal.Decimal `json:"revenue" bun:"revenue"`
}

var soldStatuses = []models.TicketStatus{models.TicketPaid, models.TicketValidated}

// GetEventSales returns revenue, sold tickets and purchase counts for an
// event.
func (s *Service) GetEventSales(ctx context.Context, eventID string) (*EventSales, error) {
	report := &EventSales{
		EventID:          eventID,
		TotalRevenue:     decimal.Zero,
		PurchasesByState: map[string]int{},
		SalesByType:      []TicketTypeSales{},
	}

	var byStatus []struct {
		Status models.PurchaseStatus `bun:"status"`
		Count  int                   `bun:"count"`
	}
	err := s.db.NewSelect().
		Model((*models.Purchase)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Where("event_id = ?", eventID).
		Group("status").
		Scan(ctx, &byStatus)
	if err != nil {
		return nil, fmt.Errorf("count purchases for event %s: %w", eventID, err)
	}
	for _, row := range byStatus {
		report.PurchasesByState[string(row.Status)] = row.Count
	}

	// every ticket type of the event, sold or not
	err = s.db.NewSelect().
		TableExpr("event_ticket_types AS ett").
		ColumnExpr("ett.id AS ticket_type_id").
		ColumnExpr("ett.name, ett.capacity, ett.reserved").
		ColumnExpr("COUNT(t.id) AS tickets_sold").
		ColumnExpr("COALESCE(SUM(t.price_paid), 0) AS revenue").
		Join("LEFT JOIN tickets AS t ON t.ticket_type_id = ett.id AND t.status IN (?)", bun.In(soldStatuses)).
		Where("ett.event_id = ?", eventID).
		GroupExpr("ett.id, ett.name, ett.capacity, ett.reserved").
		OrderExpr("ett.name ASC").
		Scan(ctx, &report.SalesByType)
	if err != nil {
		return nil, fmt.Errorf("sales by ticket type for event %s: %w", eventID, err)
	}
	for _, row := range report.SalesByType {
		report.TotalTicketsSold += row.TicketsSold
		report.TotalRevenue = report.TotalRevenue.Add(row.Revenue)
	}

	report.TicketsScanned, err = s.db.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("event_id = ?", eventID).
		Where("status = ?", models.TicketValidated).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count scanned tickets for event %s: %w", eventID, err)
	}

	return report, nil
}
