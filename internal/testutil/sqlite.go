// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"ms-purchase/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// NewSQLiteDB opens a private in-memory SQLite database with the purchase
// schema. A single connection serialises concurrent transactions the way
// row locks do in Postgres.
func NewSQLiteDB(t testing.TB) *bun.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.EventTicketType)(nil),
		(*models.Purchase)(nil),
		(*models.Ticket)(nil),
	} {
		if _, err := bunDB.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			t.Fatalf("Failed to create table for %T: %v", model, err)
		}
	}

	return bunDB
}

// SeedTicketType inserts a ticket type with the given price and capacity.
func SeedTicketType(t testing.TB, db bun.IDB, eventID, name, price string, capacity int) *models.EventTicketType {
	t.Helper()

	tt := &models.EventTicketType{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Name:      name,
		Price:     decimal.RequireFromString(price),
		Capacity:  capacity,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := db.NewInsert().Model(tt).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to seed ticket type: %v", err)
	}
	return tt
}

// CountActiveTickets counts tickets of a type that are not cancelled.
func CountActiveTickets(t testing.TB, db bun.IDB, ticketTypeID string) int {
	t.Helper()

	n, err := db.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("ticket_type_id = ?", ticketTypeID).
		Where("status != ?", models.TicketCancelled).
		Count(context.Background())
	if err != nil {
		t.Fatalf("Failed to count tickets: %v", err)
	}
	return n
}
