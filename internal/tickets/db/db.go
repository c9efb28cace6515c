package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-purchase/internal/models"

	"github.com/uptrace/bun"
)

type DB struct {
	Bun *bun.DB
}

func (d *DB) CreateTicket(ctx context.Context, idb bun.IDB, ticket *models.Ticket) error {
	_, err := idb.NewInsert().Model(ticket).Exec(ctx)
	return err
}

func (d *DB) GetTicketByID(ctx context.Context, id string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DB) GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket code: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTicketsByPurchase → every ticket of a purchase, oldest first
func (d *DB) GetTicketsByPurchase(ctx context.Context, idb bun.IDB, purchaseID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := idb.NewSelect().
		Model(&tickets).
		Where("purchase_id = ?", purchaseID).
		Order("issued_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

// GetTicketIDsByStatus → IDs of a purchase's tickets in one status
func (d *DB) GetTicketIDsByStatus(ctx context.Context, idb bun.IDB, purchaseID string, status models.TicketStatus) ([]string, error) {
	var ids []string
	err := idb.NewSelect().
		Model((*models.Ticket)(nil)).
		Column("id").
		Where("purchase_id = ?", purchaseID).
		Where("status = ?", status).
		Order("id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// TransitionPurchaseTickets moves every ticket of the purchase that is in
// from to to and returns how many rows moved.
func (d *DB) TransitionPurchaseTickets(ctx context.Context, idb bun.IDB, purchaseID string, from, to models.TicketStatus) (int, error) {
	res, err := idb.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", time.Now().UTC()).
		Where("purchase_id = ?", purchaseID).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkValidated is a compare-and-set paid → validated. False means the
// ticket was not paid at the time of the update.
func (d *DB) MarkValidated(ctx context.Context, idb bun.IDB, ticketID string, at time.Time) (bool, error) {
	res, err := idb.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketValidated).
		Set("scanned_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", ticketID).
		Where("status = ?", models.TicketPaid).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (d *DB) CountByStatus(ctx context.Context, idb bun.IDB, purchaseID string, status models.TicketStatus) (int, error) {
	return idb.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("purchase_id = ?", purchaseID).
		Where("status = ?", status).
		Count(ctx)
}
