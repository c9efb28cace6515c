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

func (d *DB) CreatePurchase(ctx context.Context, idb bun.IDB, purchase *models.Purchase) error {
	_, err := idb.NewInsert().Model(purchase).Exec(ctx)
	return err
}

// GetPurchaseByID → one purchase, read through idb so callers inside a
// transaction see their own writes
func (d *DB) GetPurchaseByID(ctx context.Context, idb bun.IDB, id string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := idb.NewSelect().
		Model(&purchase).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("purchase %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (d *DB) GetPurchaseByIdempotencyKey(ctx context.Context, buyerID, key string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := d.Bun.NewSelect().
		Model(&purchase).
		Where("buyer_id = ?", buyerID).
		Where("idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("purchase with key %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (d *DB) GetPurchaseByPaymentReference(ctx context.Context, ref string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := d.Bun.NewSelect().
		Model(&purchase).
		Where("payment_reference = ?", ref).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("purchase for payment %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// ListPurchasesByBuyer → newest first
func (d *DB) ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]models.Purchase, error) {
	purchases := []models.Purchase{}
	err := d.Bun.NewSelect().
		Model(&purchases).
		Where("buyer_id = ?", buyerID).
		Order("created_at DESC", "id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return purchases, nil
}

// ListStalePending → pending purchases created before cutoff, oldest first
func (d *DB) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := d.Bun.NewSelect().
		Model(&purchases).
		Where("status = ?", models.PurchasePending).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return purchases, nil
}

// SetPaymentSession stores the gateway session on a pending purchase that
// has none yet. False means another request stored one first or the
// purchase left pending.
func (d *DB) SetPaymentSession(ctx context.Context, id, ref, url string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("payment_reference = ?", ref).
		Set("payment_url = ?", url).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", models.PurchasePending).
		Where("payment_reference IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClearPaymentSession drops the session ref from a pending purchase and
// counts the failed attempt. False means the purchase moved on or holds a
// different session.
func (d *DB) ClearPaymentSession(ctx context.Context, id, ref string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("payment_reference = NULL").
		Set("payment_url = NULL").
		Set("payment_attempts = payment_attempts + 1").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", models.PurchasePending).
		Where("payment_reference = ?", ref).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPaid is a compare-and-set pending → paid.
func (d *DB) MarkPaid(ctx context.Context, idb bun.IDB, id, ref string, at time.Time) (bool, error) {
	q := idb.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("status = ?", models.PurchasePaid).
		Set("paid_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", models.PurchasePending)
	if ref != "" {
		q = q.Set("payment_reference = COALESCE(payment_reference, ?)", ref)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkCancelled is a compare-and-set pending → cancelled.
func (d *DB) MarkCancelled(ctx context.Context, idb bun.IDB, id string, reason models.CancelReason, at time.Time) (bool, error) {
	res, err := idb.NewUpdate().
		Model((*models.Purchase)(nil)).
		Set("status = ?", models.PurchaseCancelled).
		Set("cancel_reason = ?", reason).
		Set("cancelled_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", models.PurchasePending).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
