package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/metrics"
	"ms-purchase/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Ledger tracks how many units of each ticket type are taken. All writes
// run on the caller's bun.IDB so they commit or roll back together with the
// purchase that caused them.
type Ledger struct {
	DB     *bun.DB
	Logger *logger.Logger
}

func NewLedger(db *bun.DB, log *logger.Logger) *Ledger {
	return &Ledger{DB: db, Logger: log}
}

// Reserve takes qty units of a ticket type. The check and the increment are
// one conditional UPDATE, so two buyers racing for the last unit cannot both
// win.
func (l *Ledger) Reserve(ctx context.Context, idb bun.IDB, ticketTypeID string, qty int) error {
	if qty < 1 {
		return fmt.Errorf("%w: quantity must be at least 1, got %d", models.ErrInvalidCart, qty)
	}

	res, err := idb.NewUpdate().
		Model((*models.EventTicketType)(nil)).
		Set("reserved = reserved + ?", qty).
		Where("id = ?", ticketTypeID).
		Where("reserved + ? <= capacity", qty).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("reserve %d of ticket type %s: %w", qty, ticketTypeID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve %d of ticket type %s: %w", qty, ticketTypeID, err)
	}
	if affected == 1 {
		return nil
	}

	exists, err := idb.NewSelect().
		Model((*models.EventTicketType)(nil)).
		Where("id = ?", ticketTypeID).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("look up ticket type %s: %w", ticketTypeID, err)
	}
	if !exists {
		metrics.TrackReservationFailure("unknown_type")
		return fmt.Errorf("ticket type %s: %w", ticketTypeID, models.ErrNotFound)
	}

	metrics.TrackReservationFailure("out_of_stock")
	l.Logger.Warn("INVENTORY", fmt.Sprintf("Ticket type %s cannot cover %d more unit(s)", ticketTypeID, qty))
	return fmt.Errorf("ticket type %s has fewer than %d unit(s) left: %w", ticketTypeID, qty, models.ErrOutOfStock)
}

// Release cancels the given tickets if they are still pending and hands
// their units back. A ticket already cancelled (or paid) is skipped, so
// releasing the same set twice returns the units exactly once. Returns the
// number of tickets actually released.
func (l *Ledger) Release(ctx context.Context, idb bun.IDB, ticketIDs []string) (int, error) {
	now := time.Now().UTC()
	perType := make(map[string]int)
	released := 0

	for _, ticketID := range ticketIDs {
		var ticketTypeID string
		err := idb.NewSelect().
			Model((*models.Ticket)(nil)).
			Column("ticket_type_id").
			Where("id = ?", ticketID).
			Scan(ctx, &ticketTypeID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("look up ticket %s: %w", ticketID, err)
		}

		res, err := idb.NewUpdate().
			Model((*models.Ticket)(nil)).
			Set("status = ?", models.TicketCancelled).
			Set("updated_at = ?", now).
			Where("id = ?", ticketID).
			Where("status = ?", models.TicketPending).
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("cancel ticket %s: %w", ticketID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("cancel ticket %s: %w", ticketID, err)
		}
		if n == 1 {
			perType[ticketTypeID]++
			released++
		}
	}

	// Fixed order keeps concurrent releases from deadlocking on type rows.
	typeIDs := make([]string, 0, len(perType))
	for id := range perType {
		typeIDs = append(typeIDs, id)
	}
	sort.Strings(typeIDs)

	for _, typeID := range typeIDs {
		n := perType[typeID]
		res, err := idb.NewUpdate().
			Model((*models.EventTicketType)(nil)).
			Set("reserved = reserved - ?", n).
			Where("id = ?", typeID).
			Where("reserved >= ?", n).
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("return %d unit(s) to ticket type %s: %w", n, typeID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("return %d unit(s) to ticket type %s: %w", n, typeID, err)
		}
		if affected != 1 {
			return 0, fmt.Errorf("ticket type %s reserved count is below %d", typeID, n)
		}
	}

	if released > 0 {
		metrics.TrackTicketsReleased(released)
		l.Logger.Info("INVENTORY", fmt.Sprintf("Released %d ticket(s) across %d ticket type(s)", released, len(typeIDs)))
	}
	return released, nil
}

func (l *Ledger) GetTicketType(ctx context.Context, idb bun.IDB, ticketTypeID string) (*models.EventTicketType, error) {
	var tt models.EventTicketType
	err := idb.NewSelect().
		Model(&tt).
		Where("id = ?", ticketTypeID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket type %s: %w", ticketTypeID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket type %s: %w", ticketTypeID, err)
	}
	return &tt, nil
}

// Availability reports capacity minus the units held by non-cancelled
// tickets.
func (l *Ledger) Availability(ctx context.Context, ticketTypeID string) (*models.Availability, error) {
	tt, err := l.GetTicketType(ctx, l.DB, ticketTypeID)
	if err != nil {
		return nil, err
	}
	return &models.Availability{
		TicketTypeID: tt.ID,
		EventID:      tt.EventID,
		Capacity:     tt.Capacity,
		Reserved:     tt.Reserved,
		Available:    tt.Available(),
	}, nil
}

// CreateTicketType registers a ticket type mirrored from the event catalog.
func (l *Ledger) CreateTicketType(ctx context.Context, tt *models.EventTicketType) error {
	switch {
	case tt.EventID == "" || tt.Name == "":
		return fmt.Errorf("event and name are required: %w", models.ErrInvalidTicketType)
	case tt.Capacity < 0:
		return fmt.Errorf("capacity must not be negative, got %d: %w", tt.Capacity, models.ErrInvalidTicketType)
	case tt.Price.IsNegative():
		return fmt.Errorf("price must not be negative, got %s: %w", tt.Price, models.ErrInvalidTicketType)
	}
	if tt.ID == "" {
		tt.ID = uuid.NewString()
	}
	tt.Reserved = 0
	if tt.CreatedAt.IsZero() {
		tt.CreatedAt = time.Now().UTC()
	}
	if _, err := l.DB.NewInsert().Model(tt).Exec(ctx); err != nil {
		return fmt.Errorf("create ticket type %s: %w", tt.ID, err)
	}
	l.Logger.LogDatabase("INSERT", "event_ticket_types", fmt.Sprintf("%s capacity=%d price=%s", tt.ID, tt.Capacity, tt.Price))
	return nil
}
