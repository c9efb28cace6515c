package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ms-purchase/internal/inventory"
	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"
	purchasedb "ms-purchase/internal/purchase/db"
	"ms-purchase/internal/testutil"
	ticketdb "ms-purchase/internal/tickets/db"
	tickets "ms-purchase/internal/tickets/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

// fakeGateway opens a new external payment on every call, so a duplicate
// call would show up as a second reference.
type fakeGateway struct {
	mu       sync.Mutex
	calls    int32
	err      error
	delay    time.Duration
	statuses map[string]models.PaymentOutcome
	keys     []string
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CreatePaymentRequest(ctx context.Context, req models.PaymentRequest) (*models.PaymentSession, error) {
	n := atomic.AddInt32(&g.calls, 1)
	g.mu.Lock()
	g.keys = append(g.keys, req.IdempotencyKey)
	g.mu.Unlock()
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return nil, g.err
	}
	ref := fmt.Sprintf("pay_%s_%d", req.PurchaseID[:8], n)
	return &models.PaymentSession{HostedURL: "https://pay.test/" + ref, ExternalReference: ref}, nil
}

func (g *fakeGateway) GetPaymentStatus(ctx context.Context, ref string) (*models.PaymentOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if out, ok := g.statuses[ref]; ok {
		return &out, nil
	}
	return &models.PaymentOutcome{ExternalReference: ref, Status: models.PaymentOpen}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.PurchaseEvent
}

func (p *recordingPublisher) PublishPurchaseEvent(_ context.Context, e models.PurchaseEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []models.PurchaseEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.PurchaseEventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	db        *bun.DB
	svc       *PurchaseService
	gateway   *fakeGateway
	publisher *recordingPublisher
	ledger    *inventory.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	log := logger.NewNop()

	ledger := inventory.NewLedger(db, log)
	tdb := &ticketdb.DB{Bun: db}
	issuer := tickets.NewTicketService(tdb, db, ledger, log)
	gw := &fakeGateway{statuses: map[string]models.PaymentOutcome{}}
	pub := &recordingPublisher{}

	svc := NewPurchaseService(db, &purchasedb.DB{Bun: db}, tdb, issuer, ledger, gw, log)
	svc.Publisher = pub
	return &fixture{db: db, svc: svc, gateway: gw, publisher: pub, ledger: ledger}
}

func cart(eventID string, items ...models.LineItem) models.CreatePurchaseRequest {
	return models.CreatePurchaseRequest{
		BuyerID:       "buyer-1",
		BuyerEmail:    "buyer@example.com",
		BuyerName:     "Ada Buyer",
		EventID:       eventID,
		PaymentMethod: models.PaymentCard,
		LineItems:     items,
	}
}

func line(tt *models.EventTicketType, qty int) models.LineItem {
	return models.LineItem{TicketTypeID: tt.ID, Quantity: qty, UnitPrice: tt.Price}
}

func (f *fixture) reserved(t *testing.T, id string) int {
	a, err := f.ledger.Availability(context.Background(), id)
	require.NoError(t, err)
	return a.Reserved
}

func (f *fixture) countRows(t *testing.T, model interface{}) int {
	n, err := f.db.NewSelect().Model(model).Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestCreatePurchase_TotalsAndTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	general := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 100)
	vip := testutil.SeedTicketType(t, f.db, "evt-1", "VIP", "25.00", 10)

	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(general, 2), line(vip, 1)))
	require.NoError(t, err)

	assert.Equal(t, models.PurchasePending, res.Purchase.Status)
	assert.True(t, decimal.NewFromInt(45).Equal(res.Purchase.TotalPrice), "total was %s", res.Purchase.TotalPrice)
	require.Len(t, res.Tickets, 3)

	sum := decimal.Zero
	codes := map[string]bool{}
	perType := map[string]int{}
	for _, tk := range res.Tickets {
		assert.Equal(t, models.TicketPending, tk.Status)
		assert.Equal(t, "buyer-1", tk.PurchaserID)
		assert.Equal(t, res.Purchase.ID, tk.PurchaseID)
		codes[tk.Code] = true
		perType[tk.TicketTypeID]++
		sum = sum.Add(tk.PricePaid)
		if tk.TicketTypeID == vip.ID {
			assert.True(t, decimal.NewFromInt(25).Equal(tk.PricePaid))
		} else {
			assert.True(t, decimal.NewFromInt(10).Equal(tk.PricePaid))
		}
	}
	assert.Len(t, codes, 3, "every ticket gets its own code")
	assert.Equal(t, 2, perType[general.ID])
	assert.Equal(t, 1, perType[vip.ID])
	assert.True(t, sum.Equal(res.Purchase.TotalPrice))

	assert.Equal(t, 2, f.reserved(t, general.ID))
	assert.Equal(t, 1, f.reserved(t, vip.ID))
	assert.Equal(t, []models.PurchaseEventType{models.EventPurchaseCreated}, f.publisher.types())

	stored, err := f.svc.GetPurchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Tickets, 3)
	assert.True(t, decimal.NewFromInt(45).Equal(stored.Purchase.TotalPrice))
}

func TestCreatePurchase_RollsBackWhenAnyLineFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plenty := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 100)
	scarce := testutil.SeedTicketType(t, f.db, "evt-1", "VIP", "25.00", 1)

	_, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(plenty, 3), line(scarce, 2)))
	require.ErrorIs(t, err, models.ErrOutOfStock)

	assert.Zero(t, f.countRows(t, (*models.Purchase)(nil)))
	assert.Zero(t, f.countRows(t, (*models.Ticket)(nil)))
	assert.Zero(t, f.reserved(t, plenty.ID))
	assert.Zero(t, f.reserved(t, scarce.ID))
	assert.Empty(t, f.publisher.types())
}

func TestCreatePurchase_CapacityOneRace(t *testing.T) {
	f := newFixture(t)
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "Last seat", "50.00", 1)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := cart("evt-1", line(tt, 1))
			req.BuyerID = fmt.Sprintf("buyer-%d", i)
			_, results[i] = f.svc.CreatePurchase(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var ok, outOfStock int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrOutOfStock):
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)
	assert.Equal(t, 1, testutil.CountActiveTickets(t, f.db, tt.ID))
	assert.Equal(t, 1, f.countRows(t, (*models.Purchase)(nil)))
}

func TestCreatePurchase_ConservationUnderLoad(t *testing.T) {
	f := newFixture(t)
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "5.00", 10)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := cart("evt-1", line(tt, 1+i%3))
			req.BuyerID = fmt.Sprintf("buyer-%d", i)
			_, _ = f.svc.CreatePurchase(context.Background(), req)
		}(i)
	}
	wg.Wait()

	active := testutil.CountActiveTickets(t, f.db, tt.ID)
	assert.LessOrEqual(t, active, 10)
	assert.Equal(t, active, f.reserved(t, tt.ID))
}

func TestCreatePurchase_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	otherEvent := testutil.SeedTicketType(t, f.db, "evt-2", "General", "10.00", 10)

	cases := []struct {
		name string
		req  models.CreatePurchaseRequest
		want error
	}{
		{"empty cart", cart("evt-1"), models.ErrInvalidCart},
		{"zero quantity", cart("evt-1", models.LineItem{TicketTypeID: tt.ID, Quantity: 0, UnitPrice: tt.Price}), models.ErrInvalidCart},
		{"other event", cart("evt-1", line(otherEvent, 1)), models.ErrInvalidCart},
		{"unknown type", cart("evt-1", models.LineItem{TicketTypeID: "nope", Quantity: 1, UnitPrice: tt.Price}), models.ErrNotFound},
		{"stale price", cart("evt-1", models.LineItem{TicketTypeID: tt.ID, Quantity: 1, UnitPrice: decimal.RequireFromString("8.00")}), models.ErrPriceMismatch},
		{"bad method", func() models.CreatePurchaseRequest {
			r := cart("evt-1", line(tt, 1))
			r.PaymentMethod = "barter"
			return r
		}(), models.ErrInvalidCart},
		{"no buyer", func() models.CreatePurchaseRequest {
			r := cart("evt-1", line(tt, 1))
			r.BuyerID = ""
			return r
		}(), models.ErrInvalidCart},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreatePurchase(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, f.reserved(t, tt.ID))
	assert.Zero(t, f.countRows(t, (*models.Ticket)(nil)))
}

func TestCreatePurchase_MergesRepeatedLines(t *testing.T) {
	f := newFixture(t)
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)

	res, err := f.svc.CreatePurchase(context.Background(), cart("evt-1", line(tt, 1), line(tt, 2)))
	require.NoError(t, err)
	assert.Len(t, res.Tickets, 3)
	assert.True(t, decimal.NewFromInt(30).Equal(res.Purchase.TotalPrice))
}

func TestCreatePurchase_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)

	req := cart("evt-1", line(tt, 2))
	req.IdempotencyKey = "checkout-42"

	first, err := f.svc.CreatePurchase(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.CreatePurchase(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Purchase.ID, second.Purchase.ID)
	assert.Len(t, second.Tickets, 2)
	assert.Equal(t, 2, f.reserved(t, tt.ID))

	other := req
	other.BuyerID = "buyer-2"
	third, err := f.svc.CreatePurchase(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.Purchase.ID, third.Purchase.ID, "keys are scoped per buyer")

	// same key, different cart
	changed := cart("evt-1", line(tt, 3))
	changed.IdempotencyKey = req.IdempotencyKey
	_, err = f.svc.CreatePurchase(ctx, changed)
	assert.ErrorIs(t, err, models.ErrInvalidCart)

	elsewhere := testutil.SeedTicketType(t, f.db, "evt-2", "General", "10.00", 10)
	moved := cart("evt-2", line(elsewhere, 2))
	moved.IdempotencyKey = req.IdempotencyKey
	_, err = f.svc.CreatePurchase(ctx, moved)
	assert.ErrorIs(t, err, models.ErrInvalidCart)
	assert.Zero(t, f.reserved(t, elsewhere.ID))
	assert.Equal(t, 2, f.reserved(t, tt.ID))
}

func TestRequestPayment_StoresSessionOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 2)))
	require.NoError(t, err)

	f.gateway.delay = 20 * time.Millisecond
	var wg sync.WaitGroup
	refs := make([]string, 4)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := f.svc.RequestPayment(ctx, res.Purchase.ID)
			if assert.NoError(t, err) {
				refs[i] = session.ExternalReference
			}
		}(i)
	}
	wg.Wait()

	for _, ref := range refs {
		assert.Equal(t, refs[0], ref)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.gateway.calls))

	again, err := f.svc.RequestPayment(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, refs[0], again.ExternalReference)

	stored, err := f.svc.GetPurchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, refs[0], stored.Purchase.PaymentReference)
	assert.Equal(t, models.PurchasePending, stored.Purchase.Status)
}

func TestRequestPayment_NewSessionAfterFailedOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 2)))
	require.NoError(t, err)

	first, err := f.svc.RequestPayment(ctx, res.Purchase.ID)
	require.NoError(t, err)

	p, err := f.svc.ConfirmPayment(ctx, res.Purchase.ID, models.PaymentOutcome{ExternalReference: first.ExternalReference, Status: models.PaymentFailed})
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, p.Status)
	assert.Empty(t, p.PaymentReference)
	assert.Equal(t, 1, p.PaymentAttempts)

	retry, err := f.svc.RequestPayment(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ExternalReference, retry.ExternalReference)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.gateway.calls))
	assert.Equal(t, []string{res.Purchase.ID, res.Purchase.ID + "-1"}, f.gateway.keys)

	again, err := f.svc.RequestPayment(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, retry.ExternalReference, again.ExternalReference)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.gateway.calls))

	// a late failure of the first session does not drop the second
	p, err = f.svc.ConfirmPayment(ctx, res.Purchase.ID, models.PaymentOutcome{ExternalReference: first.ExternalReference, Status: models.PaymentFailed})
	require.NoError(t, err)
	assert.Equal(t, retry.ExternalReference, p.PaymentReference)

	paid, err := f.svc.ConfirmPayment(ctx, res.Purchase.ID, models.PaymentOutcome{ExternalReference: retry.ExternalReference, Status: models.PaymentSucceeded, Amount: decimal.NewFromInt(20)})
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePaid, paid.Status)
	assert.Equal(t, 2, f.reserved(t, tt.ID))
}

func TestRequestPayment_GatewayFailureLeavesPurchaseUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 1)))
	require.NoError(t, err)

	f.gateway.err = fmt.Errorf("%w: timeout", models.ErrGatewayUnavailable)
	_, err = f.svc.RequestPayment(ctx, res.Purchase.ID)
	require.ErrorIs(t, err, models.ErrGatewayUnavailable)

	stored, err := f.svc.GetPurchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, stored.Purchase.Status)
	assert.Empty(t, stored.Purchase.PaymentReference)

	f.gateway.err = nil
	session, err := f.svc.RequestPayment(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, session.HostedURL)
}

func TestRequestPayment_RefusesNonGatewayAndSettledPurchases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)

	// methods nothing settles are refused before any stock is held
	for _, method := range []models.PaymentMethod{models.PaymentCash, models.PaymentWallet, models.PaymentPromoCode, models.PaymentBankTransfer} {
		req := cart("evt-1", line(tt, 1))
		req.PaymentMethod = method
		_, err := f.svc.CreatePurchase(ctx, req)
		assert.ErrorIs(t, err, models.ErrInvalidCart, method)
	}
	assert.Zero(t, f.reserved(t, tt.ID))
	assert.Zero(t, f.countRows(t, (*models.Purchase)(nil)))

	card, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 1)))
	require.NoError(t, err)
	_, err = f.svc.CancelPurchase(ctx, card.Purchase.ID, models.CancelByBuyer)
	require.NoError(t, err)
	_, err = f.svc.RequestPayment(ctx, card.Purchase.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = f.svc.RequestPayment(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, atomic.LoadInt32(&f.gateway.calls))
}

func TestConfirmPayment_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 3)))
	require.NoError(t, err)
	session, err := f.svc.RequestPayment(ctx, res.Purchase.ID)
	require.NoError(t, err)

	outcome := models.PaymentOutcome{ExternalReference: session.ExternalReference, Status: models.PaymentSucceeded, Amount: decimal.RequireFromString("30")}
	first, err := f.svc.ConfirmPayment(ctx, res.Purchase.ID, outcome)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePaid, first.Status)
	require.NotNil(t, first.PaidAt)

	second, err := f.svc.ConfirmPayment(ctx, res.Purchase.ID, outcome)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePaid, second.Status)
	assert.Equal(t, first.PaidAt.Unix(), second.PaidAt.Unix())

	ticketList, err := f.svc.ListTicketsForPurchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	for _, tk := range ticketList {
		assert.Equal(t, models.TicketPaid, tk.Status)
	}
	assert.Equal(t, 3, f.reserved(t, tt.ID))
	assert.Equal(t, []models.PurchaseEventType{models.EventPurchaseCreated, models.EventPurchasePaid}, f.publisher.types())
}

func TestConfirmPayment_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 1)))
	require.NoError(t, err)

	// failed outcome: stays pending
	p, err := f.svc.ConfirmPayment(ctx, res.Purchase.ID, models.PaymentOutcome{Status: models.PaymentFailed})
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, p.Status)

	// wrong amount
	_, err = f.svc.ConfirmPayment(ctx, res.Purchase.ID, models.PaymentOutcome{Status: models.PaymentSucceeded, Amount: decimal.NewFromInt(9)})
	assert.ErrorIs(t, err, models.ErrPriceMismatch)

	// cancelled purchase cannot be paid
	_, err = f.svc.CancelPurchase(ctx, res.Purchase.ID, models.CancelByBuyer)
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, res.Purchase.ID, models.PaymentOutcome{Status: models.PaymentSucceeded})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = f.svc.ConfirmPayment(ctx, "missing", models.PaymentOutcome{Status: models.PaymentSucceeded})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConfirmPaymentEvent_MatchesByReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 2)))
	require.NoError(t, err)
	require.NotNil(t, res.PaymentDeadline)

	session, err := f.svc.RequestPayment(ctx, res.Purchase.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPaymentEvent(ctx, models.PaymentOutcomeEvent{ExternalReference: "pay_unknown", Status: models.PaymentSucceeded})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.svc.ConfirmPaymentEvent(ctx, models.PaymentOutcomeEvent{Status: models.PaymentSucceeded})
	assert.ErrorIs(t, err, models.ErrNotFound)

	p, err := f.svc.ConfirmPaymentEvent(ctx, models.PaymentOutcomeEvent{
		ExternalReference: session.ExternalReference,
		Status:            models.PaymentSucceeded,
		Amount:            decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	assert.Equal(t, res.Purchase.ID, p.ID)
	assert.Equal(t, models.PurchasePaid, p.Status)

	stored, err := f.svc.GetPurchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PaymentDeadline)
}

func TestCancelPurchase_ReleasesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	b := testutil.SeedTicketType(t, f.db, "evt-1", "VIP", "25.00", 5)
	keep, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(a, 1)))
	require.NoError(t, err)
	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(a, 2), line(b, 2)))
	require.NoError(t, err)
	require.Equal(t, 3, f.reserved(t, a.ID))
	require.Equal(t, 2, f.reserved(t, b.ID))

	cancelled, err := f.svc.CancelPurchase(ctx, res.Purchase.ID, models.CancelByBuyer)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCancelled, cancelled.Status)
	assert.Equal(t, models.CancelByBuyer, cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	ticketList, err := f.svc.ListTicketsForPurchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	require.Len(t, ticketList, 4)
	for _, tk := range ticketList {
		assert.Equal(t, models.TicketCancelled, tk.Status)
	}
	assert.Equal(t, 1, f.reserved(t, a.ID))
	assert.Equal(t, 0, f.reserved(t, b.ID))

	_, err = f.svc.CancelPurchase(ctx, res.Purchase.ID, models.CancelByBuyer)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, 1, f.reserved(t, a.ID), "second cancel must not release again")

	// the untouched purchase keeps its ticket
	other, err := f.svc.GetPurchase(ctx, keep.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketPending, other.Tickets[0].Status)
}

func TestCancelPurchase_PaidIsRejectedAndUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 2)))
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, res.Purchase.ID, models.PaymentOutcome{Status: models.PaymentSucceeded})
	require.NoError(t, err)

	_, err = f.svc.CancelPurchase(ctx, res.Purchase.ID, models.CancelByBuyer)
	require.ErrorIs(t, err, models.ErrInvalidState)

	after, err := f.svc.GetPurchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePaid, after.Purchase.Status)
	for _, tk := range after.Tickets {
		assert.Equal(t, models.TicketPaid, tk.Status)
	}
	assert.Equal(t, 2, f.reserved(t, tt.ID))
}

func TestConfirmAndCancelRace_OneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)
	res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 2)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var confirmErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = f.svc.ConfirmPayment(ctx, res.Purchase.ID, models.PaymentOutcome{Status: models.PaymentSucceeded})
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = f.svc.CancelPurchase(ctx, res.Purchase.ID, models.CancelByBuyer)
	}()
	wg.Wait()

	final, err := f.svc.GetPurchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	switch final.Purchase.Status {
	case models.PurchasePaid:
		assert.NoError(t, confirmErr)
		assert.ErrorIs(t, cancelErr, models.ErrInvalidState)
		assert.Equal(t, 2, f.reserved(t, tt.ID))
	case models.PurchaseCancelled:
		assert.NoError(t, cancelErr)
		assert.ErrorIs(t, confirmErr, models.ErrInvalidState)
		assert.Equal(t, 0, f.reserved(t, tt.ID))
	default:
		t.Fatalf("unexpected final status %s", final.Purchase.Status)
	}
}

func TestExpiry_CancelsStaleAndReconcilesPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)

	stale, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 1)))
	require.NoError(t, err)
	paidLate, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 1)))
	require.NoError(t, err)
	session, err := f.svc.RequestPayment(ctx, paidLate.Purchase.ID)
	require.NoError(t, err)
	f.gateway.statuses[session.ExternalReference] = models.PaymentOutcome{
		ExternalReference: session.ExternalReference, Status: models.PaymentSucceeded, Amount: decimal.NewFromInt(10),
	}

	// not yet due
	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.svc.Now = func() time.Time { return time.Now().UTC().Add(f.svc.HoldTTL + time.Minute) }
	n, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := f.svc.GetPurchase(ctx, stale.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCancelled, got.Purchase.Status)
	assert.Equal(t, models.CancelByTimeout, got.Purchase.CancelReason)

	got, err = f.svc.GetPurchase(ctx, paidLate.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePaid, got.Purchase.Status)

	assert.Equal(t, 1, f.reserved(t, tt.ID))
}

func TestListPurchasesForBuyer_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := testutil.SeedTicketType(t, f.db, "evt-1", "General", "10.00", 10)

	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		f.svc.Now = func() time.Time { return at }
		res, err := f.svc.CreatePurchase(ctx, cart("evt-1", line(tt, 1)))
		require.NoError(t, err)
		ids = append(ids, res.Purchase.ID)
	}

	list, err := f.svc.ListPurchasesForBuyer(ctx, "buyer-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})

	empty, err := f.svc.ListPurchasesForBuyer(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = f.svc.ListTicketsForPurchase(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
