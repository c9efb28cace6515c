package purchase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/metrics"
	"ms-purchase/internal/models"
	"ms-purchase/internal/payment/services"
	tickets "ms-purchase/internal/tickets/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type DBLayer interface {
	CreatePurchase(ctx context.Context, idb bun.IDB, purchase *models.Purchase) error
	GetPurchaseByID(ctx context.Context, idb bun.IDB, id string) (*models.Purchase, error)
	GetPurchaseByIdempotencyKey(ctx context.Context, buyerID, key string) (*models.Purchase, error)
	GetPurchaseByPaymentReference(ctx context.Context, ref string) (*models.Purchase, error)
	ClearPaymentSession(ctx context.Context, id, ref string) (bool, error)
	ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]models.Purchase, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error)
	SetPaymentSession(ctx context.Context, id, ref, url string) (bool, error)
	MarkPaid(ctx context.Context, idb bun.IDB, id, ref string, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, idb bun.IDB, id string, reason models.CancelReason, at time.Time) (bool, error)
}

type TicketDBLayer interface {
	GetTicketsByPurchase(ctx context.Context, idb bun.IDB, purchaseID string) ([]models.Ticket, error)
	GetTicketIDsByStatus(ctx context.Context, idb bun.IDB, purchaseID string, status models.TicketStatus) ([]string, error)
	TransitionPurchaseTickets(ctx context.Context, idb bun.IDB, purchaseID string, from, to models.TicketStatus) (int, error)
}

type Issuer interface {
	Issue(ctx context.Context, idb bun.IDB, req tickets.IssueRequest) (*models.Ticket, error)
}

type Inventory interface {
	GetTicketType(ctx context.Context, idb bun.IDB, ticketTypeID string) (*models.EventTicketType, error)
	Release(ctx context.Context, idb bun.IDB, ticketIDs []string) (int, error)
}

// PaymentLocker serialises payment requests for one purchase across
// service instances.
type PaymentLocker interface {
	Lock(ctx context.Context, purchaseID string) (func(), error)
}

type HoldStore interface {
	SetHold(ctx context.Context, purchaseID string, ttl time.Duration) error
	ClearHold(ctx context.Context, purchaseID string) error
}

type EventPublisher interface {
	PublishPurchaseEvent(ctx context.Context, event models.PurchaseEvent) error
}

type StatusNotifier interface {
	Emit(event models.PurchaseEvent)
}

const sweepBatchSize = 100

type PurchaseService struct {
	Bun       *bun.DB
	DB        DBLayer
	Tickets   TicketDBLayer
	Issuer    Issuer
	Inventory Inventory
	Gateway   services.Gateway
	Logger    *logger.Logger

	// Optional collaborators; nil disables them.
	Locker    PaymentLocker
	Holds     HoldStore
	Publisher EventPublisher
	Notifier  StatusNotifier

	Currency string
	HoldTTL  time.Duration
	Now      func() time.Time
}

func NewPurchaseService(
	bunDB *bun.DB,
	db DBLayer,
	ticketDB TicketDBLayer,
	issuer Issuer,
	inventory Inventory,
	gateway services.Gateway,
	log *logger.Logger,
) *PurchaseService {
	return &PurchaseService{
		Bun:       bunDB,
		DB:        db,
		Tickets:   ticketDB,
		Issuer:    issuer,
		Inventory: inventory,
		Gateway:   gateway,
		Logger:    log,
		Locker:    newLocalLocker(),
		Currency:  "usd",
		HoldTTL:   15 * time.Minute,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// ---------------- CREATE ----------------

// CreatePurchase turns a cart into a pending purchase. The purchase row,
// every ticket and every inventory reservation are written in one
// transaction: either all of them exist afterwards or none do.
func (s *PurchaseService) CreatePurchase(ctx context.Context, req models.CreatePurchaseRequest) (*models.PurchaseWithTickets, error) {
	items, err := normalizeCart(&req)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	if req.IdempotencyKey != "" {
		existing, err := s.replay(ctx, req, total)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	now := s.Now()
	purchase := &models.Purchase{
		ID:             uuid.NewString(),
		BuyerID:        req.BuyerID,
		BuyerEmail:     req.BuyerEmail,
		BuyerName:      req.BuyerName,
		EventID:        req.EventID,
		TotalPrice:     total,
		Currency:       s.Currency,
		PaymentMethod:  req.PaymentMethod,
		Status:         models.PurchasePending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var issued []models.Ticket
	err = s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		issued = issued[:0]

		for _, item := range items {
			tt, err := s.Inventory.GetTicketType(ctx, tx, item.TicketTypeID)
			if err != nil {
				return err
			}
			if tt.EventID != req.EventID {
				return fmt.Errorf("%w: ticket type %s does not belong to event %s", models.ErrInvalidCart, tt.ID, req.EventID)
			}
			if !tt.Price.Equal(item.UnitPrice) {
				return fmt.Errorf("%w: ticket type %s costs %s, cart says %s", models.ErrPriceMismatch, tt.ID, tt.Price, item.UnitPrice)
			}
		}

		if err := s.DB.CreatePurchase(ctx, tx, purchase); err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}

		for _, item := range items {
			for i := 0; i < item.Quantity; i++ {
				ticket, err := s.Issuer.Issue(ctx, tx, tickets.IssueRequest{
					PurchaseID:   purchase.ID,
					TicketTypeID: item.TicketTypeID,
					EventID:      req.EventID,
					PurchaserID:  req.BuyerID,
					Price:        item.UnitPrice,
				})
				if err != nil {
					return err
				}
				issued = append(issued, *ticket)
			}
		}
		return nil
	})
	if err != nil {
		if req.IdempotencyKey != "" && !isDomainError(err) {
			// lost a race with an identical request; hand back the winner
			if existing, lookupErr := s.replay(ctx, req, total); existing != nil || errors.Is(lookupErr, models.ErrInvalidCart) {
				return existing, lookupErr
			}
		}
		s.Logger.Warn("PURCHASE", fmt.Sprintf("Create for buyer %s on event %s rolled back: %v", req.BuyerID, req.EventID, err))
		return nil, err
	}

	metrics.TrackPurchaseCreated(purchase.EventID)
	metrics.TrackTransition(string(models.PurchasePending), "create")
	s.Logger.LogPurchase("CREATED", purchase.ID, fmt.Sprintf("%d ticket(s), total %s %s", len(issued), total.StringFixed(2), purchase.Currency))

	if s.Holds != nil {
		if err := s.Holds.SetHold(ctx, purchase.ID, s.HoldTTL); err != nil {
			s.Logger.Warn("PURCHASE", fmt.Sprintf("Failed to set payment hold for %s, sweeper will expire it: %v", purchase.ID, err))
		}
	}
	s.announce(ctx, models.EventPurchaseCreated, *purchase, len(issued))

	return s.view(purchase, issued), nil
}

// replay returns the purchase already created under req's idempotency key,
// or nil when there is none. A key reused for a different cart is refused.
func (s *PurchaseService) replay(ctx context.Context, req models.CreatePurchaseRequest, total decimal.Decimal) (*models.PurchaseWithTickets, error) {
	existing, err := s.DB.GetPurchaseByIdempotencyKey(ctx, req.BuyerID, req.IdempotencyKey)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.EventID != req.EventID || existing.PaymentMethod != req.PaymentMethod || !existing.TotalPrice.Equal(total) {
		return nil, fmt.Errorf("%w: idempotency key %q was used for a different cart (purchase %s)", models.ErrInvalidCart, req.IdempotencyKey, existing.ID)
	}
	ticketList, err := s.Tickets.GetTicketsByPurchase(ctx, s.Bun, existing.ID)
	if err != nil {
		return nil, err
	}
	s.Logger.LogPurchase("REPLAYED", existing.ID, "idempotency key matched an existing purchase")
	return s.view(existing, ticketList), nil
}

// normalizeCart validates the cart, merges repeated ticket types and sorts
// the result by ticket type so concurrent purchases lock type rows in the
// same order.
func normalizeCart(req *models.CreatePurchaseRequest) ([]models.LineItem, error) {
	if req.BuyerID == "" {
		return nil, fmt.Errorf("%w: buyer is required", models.ErrInvalidCart)
	}
	if req.EventID == "" {
		return nil, fmt.Errorf("%w: event_id is required", models.ErrInvalidCart)
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentCard
	}
	if !req.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", models.ErrInvalidCart, req.PaymentMethod)
	}
	if !req.PaymentMethod.UsesHostedGateway() {
		// nothing settles these methods, a purchase would only hold stock
		return nil, fmt.Errorf("%w: payment method %q is not accepted", models.ErrInvalidCart, req.PaymentMethod)
	}
	if len(req.LineItems) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", models.ErrInvalidCart)
	}

	merged := make(map[string]models.LineItem, len(req.LineItems))
	for _, item := range req.LineItems {
		switch {
		case item.TicketTypeID == "":
			return nil, fmt.Errorf("%w: line item without ticket_type_id", models.ErrInvalidCart)
		case item.Quantity < 1:
			return nil, fmt.Errorf("%w: quantity for %s must be at least 1", models.ErrInvalidCart, item.TicketTypeID)
		case item.UnitPrice.IsNegative():
			return nil, fmt.Errorf("%w: negative price for %s", models.ErrInvalidCart, item.TicketTypeID)
		}
		if prev, ok := merged[item.TicketTypeID]; ok {
			if !prev.UnitPrice.Equal(item.UnitPrice) {
				return nil, fmt.Errorf("%w: conflicting prices for %s", models.ErrInvalidCart, item.TicketTypeID)
			}
			prev.Quantity += item.Quantity
			merged[item.TicketTypeID] = prev
			continue
		}
		merged[item.TicketTypeID] = item
	}

	items := make([]models.LineItem, 0, len(merged))
	for _, item := range merged {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TicketTypeID < items[j].TicketTypeID })
	return items, nil
}

// ---------------- PAYMENT ----------------

// RequestPayment opens a hosted payment session for a pending purchase, or
// returns the one already opened. The gateway call runs outside any
// transaction; its idempotency key is the purchase ID plus the number of
// sessions that already failed, so retries after a failure get a new page.
func (s *PurchaseService) RequestPayment(ctx context.Context, purchaseID string) (*models.PaymentSession, error) {
	if s.Locker != nil {
		unlock, err := s.Locker.Lock(ctx, purchaseID)
		if err != nil {
			// still safe: the gateway dedupes on the key and the store is a CAS
			s.Logger.Warn("PAYMENT", fmt.Sprintf("Proceeding without payment lock for %s: %v", purchaseID, err))
		} else {
			defer unlock()
		}
	}

	p, err := s.DB.GetPurchaseByID(ctx, s.Bun, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PurchasePending {
		return nil, fmt.Errorf("purchase %s is %s: %w", p.ID, p.Status, models.ErrInvalidState)
	}
	if !p.PaymentMethod.UsesHostedGateway() {
		return nil, fmt.Errorf("purchase %s is settled by %s, not the payment gateway: %w", p.ID, p.PaymentMethod, models.ErrInvalidState)
	}
	if p.PaymentReference != "" {
		return &models.PaymentSession{HostedURL: p.PaymentURL, ExternalReference: p.PaymentReference}, nil
	}

	session, err := s.Gateway.CreatePaymentRequest(ctx, models.PaymentRequest{
		PurchaseID:     p.ID,
		Amount:         p.TotalPrice,
		Currency:       p.Currency,
		Payer:          models.Payer{Email: p.BuyerEmail, Name: p.BuyerName},
		IdempotencyKey: paymentAttemptKey(p),
	})
	if err != nil {
		s.Logger.Error("PAYMENT", fmt.Sprintf("Gateway %s refused purchase %s: %v", s.Gateway.Name(), p.ID, err))
		return nil, err
	}

	stored, err := s.DB.SetPaymentSession(ctx, p.ID, session.ExternalReference, session.HostedURL)
	if err != nil {
		return nil, fmt.Errorf("store payment session for %s: %w", p.ID, err)
	}
	if !stored {
		current, err := s.DB.GetPurchaseByID(ctx, s.Bun, p.ID)
		if err != nil {
			return nil, err
		}
		if current.PaymentReference == "" {
			return nil, fmt.Errorf("purchase %s is %s: %w", p.ID, current.Status, models.ErrInvalidState)
		}
		return &models.PaymentSession{HostedURL: current.PaymentURL, ExternalReference: current.PaymentReference}, nil
	}

	s.Logger.LogPurchase("PAYMENT_REQUESTED", p.ID, fmt.Sprintf("%s session %s", s.Gateway.Name(), session.ExternalReference))
	return session, nil
}

// ConfirmPayment applies a gateway outcome. A success moves the purchase and
// all its pending tickets to paid in one transaction; repeating it is a
// no-op. A failure leaves the purchase pending and drops its session so the
// buyer can try again before the hold expires.
func (s *PurchaseService) ConfirmPayment(ctx context.Context, purchaseID string, outcome models.PaymentOutcome) (*models.Purchase, error) {
	p, err := s.DB.GetPurchaseByID(ctx, s.Bun, purchaseID)
	if err != nil {
		return nil, err
	}

	switch outcome.Status {
	case models.PaymentSucceeded:
	case models.PaymentFailed:
		s.Logger.LogPurchase("PAYMENT_FAILED", p.ID, fmt.Sprintf("gateway reported failure for %s", outcome.ExternalReference))
		return s.abandonSession(ctx, p, outcome.ExternalReference)
	default:
		return p, nil
	}

	switch p.Status {
	case models.PurchasePaid, models.PurchaseValidated:
		return p, nil
	case models.PurchaseCancelled:
		s.Logger.Error("PAYMENT", fmt.Sprintf("Payment %s succeeded for cancelled purchase %s", outcome.ExternalReference, p.ID))
		return nil, fmt.Errorf("purchase %s is cancelled: %w", p.ID, models.ErrInvalidState)
	}

	if p.PaymentReference != "" && outcome.ExternalReference != "" && p.PaymentReference != outcome.ExternalReference {
		return nil, fmt.Errorf("payment %s does not belong to purchase %s: %w", outcome.ExternalReference, p.ID, models.ErrInvalidState)
	}
	if !outcome.Amount.IsZero() && !outcome.Amount.Equal(p.TotalPrice) {
		return nil, fmt.Errorf("%w: purchase %s totals %s, gateway settled %s", models.ErrPriceMismatch, p.ID, p.TotalPrice, outcome.Amount)
	}

	var (
		moved    int
		noop     bool
		final    *models.Purchase
		paidTime = s.Now()
	)
	err = s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		ok, err := s.DB.MarkPaid(ctx, tx, p.ID, outcome.ExternalReference, paidTime)
		if err != nil {
			return fmt.Errorf("mark purchase %s paid: %w", p.ID, err)
		}
		if !ok {
			current, err := s.DB.GetPurchaseByID(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			if current.Status == models.PurchasePaid || current.Status == models.PurchaseValidated {
				noop, final = true, current
				return nil
			}
			return fmt.Errorf("purchase %s is %s: %w", p.ID, current.Status, models.ErrInvalidState)
		}

		moved, err = s.Tickets.TransitionPurchaseTickets(ctx, tx, p.ID, models.TicketPending, models.TicketPaid)
		if err != nil {
			return fmt.Errorf("mark tickets of %s paid: %w", p.ID, err)
		}
		final, err = s.DB.GetPurchaseByID(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return final, nil
	}

	metrics.TrackTransition(string(models.PurchasePaid), "payment")
	s.Logger.LogPurchase("PAID", p.ID, fmt.Sprintf("%d ticket(s) paid via %s", moved, outcome.ExternalReference))
	if s.Holds != nil {
		if err := s.Holds.ClearHold(ctx, p.ID); err != nil {
			s.Logger.Warn("PURCHASE", fmt.Sprintf("Failed to clear hold for %s: %v", p.ID, err))
		}
	}
	s.announce(ctx, models.EventPurchasePaid, *final, moved)
	return final, nil
}

// abandonSession forgets a failed payment session so the buyer can ask for
// a new one. Only the session the outcome names is cleared; a stale failure
// for an older session leaves the current one alone.
func (s *PurchaseService) abandonSession(ctx context.Context, p *models.Purchase, ref string) (*models.Purchase, error) {
	if ref == "" || p.Status != models.PurchasePending || p.PaymentReference != ref {
		return p, nil
	}
	cleared, err := s.DB.ClearPaymentSession(ctx, p.ID, ref)
	if err != nil {
		return nil, fmt.Errorf("clear payment session of %s: %w", p.ID, err)
	}
	if cleared {
		s.Logger.LogPurchase("PAYMENT_RESET", p.ID, fmt.Sprintf("session %s abandoned, buyer may retry", ref))
	}
	return s.DB.GetPurchaseByID(ctx, s.Bun, p.ID)
}

func paymentAttemptKey(p *models.Purchase) string {
	if p.PaymentAttempts == 0 {
		return p.ID
	}
	return fmt.Sprintf("%s-%d", p.ID, p.PaymentAttempts)
}

// ConfirmPaymentEvent applies an outcome delivered on the message bus. An
// event without a purchase ID is matched by its external reference.
func (s *PurchaseService) ConfirmPaymentEvent(ctx context.Context, ev models.PaymentOutcomeEvent) (*models.Purchase, error) {
	purchaseID := ev.PurchaseID
	if purchaseID == "" {
		if ev.ExternalReference == "" {
			return nil, fmt.Errorf("payment outcome without purchase or reference: %w", models.ErrNotFound)
		}
		p, err := s.DB.GetPurchaseByPaymentReference(ctx, ev.ExternalReference)
		if err != nil {
			return nil, err
		}
		purchaseID = p.ID
	}
	return s.ConfirmPayment(ctx, purchaseID, ev.Outcome())
}

// ReconcilePayment asks the gateway about a pending purchase's session and
// applies the answer.
func (s *PurchaseService) ReconcilePayment(ctx context.Context, purchaseID string) (*models.Purchase, error) {
	p, err := s.DB.GetPurchaseByID(ctx, s.Bun, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PurchasePending || p.PaymentReference == "" {
		return p, nil
	}

	outcome, err := s.Gateway.GetPaymentStatus(ctx, p.PaymentReference)
	if err != nil {
		return nil, err
	}
	return s.ConfirmPayment(ctx, p.ID, *outcome)
}

// ---------------- CANCEL ----------------

// CancelPurchase cancels a pending purchase and returns the units of its
// pending tickets to inventory. Paid tickets are never touched.
func (s *PurchaseService) CancelPurchase(ctx context.Context, purchaseID string, reason models.CancelReason) (*models.Purchase, error) {
	var (
		released int
		final    *models.Purchase
	)
	err := s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		p, err := s.DB.GetPurchaseByID(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if p.Status != models.PurchasePending {
			return fmt.Errorf("cannot cancel purchase %s in status %s: %w", p.ID, p.Status, models.ErrInvalidState)
		}

		ok, err := s.DB.MarkCancelled(ctx, tx, p.ID, reason, s.Now())
		if err != nil {
			return fmt.Errorf("cancel purchase %s: %w", p.ID, err)
		}
		if !ok {
			return fmt.Errorf("purchase %s changed state during cancellation: %w", p.ID, models.ErrInvalidState)
		}

		ids, err := s.Tickets.GetTicketIDsByStatus(ctx, tx, p.ID, models.TicketPending)
		if err != nil {
			return err
		}
		released, err = s.Inventory.Release(ctx, tx, ids)
		if err != nil {
			return err
		}

		final, err = s.DB.GetPurchaseByID(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.TrackTransition(string(models.PurchaseCancelled), string(reason))
	s.Logger.LogPurchase("CANCELLED", final.ID, fmt.Sprintf("reason=%s, %d ticket(s) released", reason, released))
	if s.Holds != nil {
		if err := s.Holds.ClearHold(ctx, final.ID); err != nil {
			s.Logger.Warn("PURCHASE", fmt.Sprintf("Failed to clear hold for %s: %v", final.ID, err))
		}
	}
	s.announce(ctx, models.EventPurchaseCancelled, *final, released)
	return final, nil
}

// ---------------- EXPIRY ----------------

// ExpirePurchase cancels a pending purchase whose payment window has
// closed. A purchase with a payment session is reconciled first so a
// payment that landed without its webhook is not thrown away.
func (s *PurchaseService) ExpirePurchase(ctx context.Context, purchaseID string) error {
	p, err := s.DB.GetPurchaseByID(ctx, s.Bun, purchaseID)
	if err != nil {
		return err
	}
	if p.Status != models.PurchasePending {
		return nil
	}
	if s.Now().Sub(p.CreatedAt) < s.HoldTTL {
		return nil
	}

	if p.PaymentReference != "" {
		reconciled, err := s.ReconcilePayment(ctx, p.ID)
		if err != nil {
			// the gateway may yet settle; try again next sweep
			return fmt.Errorf("reconcile %s before expiry: %w", p.ID, err)
		}
		if reconciled.Status != models.PurchasePending {
			return nil
		}
	}

	_, err = s.CancelPurchase(ctx, p.ID, models.CancelByTimeout)
	if errors.Is(err, models.ErrInvalidState) {
		return nil
	}
	return err
}

// SweepExpired expires every stale pending purchase and returns how many
// it looked at.
func (s *PurchaseService) SweepExpired(ctx context.Context) (int, error) {
	stale, err := s.DB.ListStalePending(ctx, s.Now().Add(-s.HoldTTL), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	for _, p := range stale {
		if err := s.ExpirePurchase(ctx, p.ID); err != nil {
			s.Logger.Warn("SWEEPER", fmt.Sprintf("Could not expire purchase %s: %v", p.ID, err))
		}
	}
	return len(stale), nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *PurchaseService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info("SWEEPER", fmt.Sprintf("Expiring unpaid purchases every %s", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepExpired(ctx); err != nil {
				s.Logger.Error("SWEEPER", fmt.Sprintf("Sweep failed: %v", err))
			} else if n > 0 {
				s.Logger.Info("SWEEPER", fmt.Sprintf("Checked %d stale purchase(s)", n))
			}
		}
	}
}

// ---------------- READS ----------------

func (s *PurchaseService) GetPurchase(ctx context.Context, purchaseID string) (*models.PurchaseWithTickets, error) {
	p, err := s.DB.GetPurchaseByID(ctx, s.Bun, purchaseID)
	if err != nil {
		return nil, err
	}
	ticketList, err := s.Tickets.GetTicketsByPurchase(ctx, s.Bun, purchaseID)
	if err != nil {
		return nil, err
	}
	return s.view(p, ticketList), nil
}

// view pairs a purchase with its tickets and, while it is still pending,
// the moment it expires.
func (s *PurchaseService) view(p *models.Purchase, ticketList []models.Ticket) *models.PurchaseWithTickets {
	res := &models.PurchaseWithTickets{Purchase: *p, Tickets: ticketList}
	if p.Status == models.PurchasePending {
		deadline := p.CreatedAt.Add(s.HoldTTL)
		res.PaymentDeadline = &deadline
	}
	return res
}

func (s *PurchaseService) ListPurchasesForBuyer(ctx context.Context, buyerID string) ([]models.Purchase, error) {
	return s.DB.ListPurchasesByBuyer(ctx, buyerID)
}

func (s *PurchaseService) ListTicketsForPurchase(ctx context.Context, purchaseID string) ([]models.Ticket, error) {
	if _, err := s.DB.GetPurchaseByID(ctx, s.Bun, purchaseID); err != nil {
		return nil, err
	}
	return s.Tickets.GetTicketsByPurchase(ctx, s.Bun, purchaseID)
}

// ---------------- HELPERS ----------------

func (s *PurchaseService) announce(ctx context.Context, t models.PurchaseEventType, p models.Purchase, ticketCount int) {
	event := models.NewPurchaseEvent(t, p, ticketCount)
	if s.Publisher != nil {
		if err := s.Publisher.PublishPurchaseEvent(ctx, event); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish %s for %s: %v", t, p.ID, err))
		}
	}
	if s.Notifier != nil {
		s.Notifier.Emit(event)
	}
}

func isDomainError(err error) bool {
	for _, target := range []error{
		models.ErrOutOfStock, models.ErrInvalidState, models.ErrNotFound,
		models.ErrPriceMismatch, models.ErrInvalidCart,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// localLocker is the single-instance fallback when no Redis lock is wired.
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newLocalLocker() *localLocker {
	return &localLocker{locks: make(map[string]*refMutex)}
}

func (l *localLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &refMutex{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}, nil
}
