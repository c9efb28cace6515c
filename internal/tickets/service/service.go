package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"
	"ms-purchase/internal/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type TicketDBLayer interface {
	CreateTicket(ctx context.Context, idb bun.IDB, ticket *models.Ticket) error
	GetTicketByID(ctx context.Context, id string) (*models.Ticket, error)
	GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error)
	GetTicketsByPurchase(ctx context.Context, idb bun.IDB, purchaseID string) ([]models.Ticket, error)
	MarkValidated(ctx context.Context, idb bun.IDB, ticketID string, at time.Time) (bool, error)
	CountByStatus(ctx context.Context, idb bun.IDB, purchaseID string, status models.TicketStatus) (int, error)
}

// Reserver is the slice of the inventory ledger the issuer needs.
type Reserver interface {
	Reserve(ctx context.Context, idb bun.IDB, ticketTypeID string, qty int) error
}

type TicketService struct {
	DB     TicketDBLayer
	Bun    *bun.DB
	Ledger Reserver
	Logger *logger.Logger

	generateCode func() (string, error)
}

func NewTicketService(db TicketDBLayer, bunDB *bun.DB, ledger Reserver, log *logger.Logger) *TicketService {
	return &TicketService{
		DB:           db,
		Bun:          bunDB,
		Ledger:       ledger,
		Logger:       log,
		generateCode: utils.GenerateTicketCode,
	}
}

type IssueRequest struct {
	PurchaseID   string
	TicketTypeID string
	EventID      string
	PurchaserID  string
	Price        decimal.Decimal
}

// Issue reserves one unit of the ticket type and records one pending
// ticket for it, both on idb. An exhausted type surfaces as
// models.ErrOutOfStock and the caller is expected to roll idb back.
func (s *TicketService) Issue(ctx context.Context, idb bun.IDB, req IssueRequest) (*models.Ticket, error) {
	if err := s.Ledger.Reserve(ctx, idb, req.TicketTypeID, 1); err != nil {
		return nil, err
	}

	code, err := s.generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate ticket code: %w", err)
	}

	now := time.Now().UTC()
	ticket := &models.Ticket{
		ID:           uuid.NewString(),
		PurchaseID:   req.PurchaseID,
		TicketTypeID: req.TicketTypeID,
		EventID:      req.EventID,
		PurchaserID:  req.PurchaserID,
		PricePaid:    req.Price,
		Code:         code,
		Status:       models.TicketPending,
		IssuedAt:     now,
		UpdatedAt:    now,
	}

	if err := s.DB.CreateTicket(ctx, idb, ticket); err != nil {
		return nil, fmt.Errorf("insert ticket for purchase %s: %w", req.PurchaseID, err)
	}
	s.Logger.Debug("TICKET", fmt.Sprintf("Issued ticket %s (type %s) for purchase %s", ticket.ID, req.TicketTypeID, req.PurchaseID))
	return ticket, nil
}

func (s *TicketService) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	return s.DB.GetTicketByID(ctx, ticketID)
}

func (s *TicketService) GetTicketsByPurchase(ctx context.Context, purchaseID string) ([]models.Ticket, error) {
	return s.DB.GetTicketsByPurchase(ctx, s.Bun, purchaseID)
}

// ValidateTicket admits a paid ticket once. When the last paid ticket of a
// purchase is scanned the purchase itself becomes validated.
func (s *TicketService) ValidateTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	var validated *models.Ticket

	err := s.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		ok, err := s.DB.MarkValidated(ctx, tx, ticketID, now)
		if err != nil {
			return fmt.Errorf("validate ticket %s: %w", ticketID, err)
		}

		var ticket models.Ticket
		err = tx.NewSelect().Model(&ticket).Where("id = ?", ticketID).Limit(1).Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("ticket %s: %w", ticketID, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load ticket %s: %w", ticketID, err)
		}
		if !ok {
			return fmt.Errorf("ticket %s is %s, only paid tickets can be validated: %w", ticketID, ticket.Status, models.ErrInvalidState)
		}

		remaining, err := s.DB.CountByStatus(ctx, tx, ticket.PurchaseID, models.TicketPaid)
		if err != nil {
			return err
		}
		if remaining == 0 {
			_, err := tx.NewUpdate().
				Model((*models.Purchase)(nil)).
				Set("status = ?", models.PurchaseValidated).
				Set("updated_at = ?", now).
				Where("id = ?", ticket.PurchaseID).
				Where("status = ?", models.PurchasePaid).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("mark purchase %s validated: %w", ticket.PurchaseID, err)
			}
		}

		validated = &ticket
		return nil
	})
	if err != nil {
		s.Logger.Warn("TICKET", fmt.Sprintf("Validation of ticket %s refused: %v", ticketID, err))
		return nil, err
	}

	s.Logger.Info("TICKET", fmt.Sprintf("Ticket %s validated for purchase %s", ticketID, validated.PurchaseID))
	return validated, nil
}

// ValidateCode looks a ticket up by its admission code and validates it.
func (s *TicketService) ValidateCode(ctx context.Context, code string) (*models.Ticket, error) {
	if !utils.IsTicketCode(code) {
		return nil, fmt.Errorf("malformed ticket code: %w", models.ErrNotFound)
	}
	ticket, err := s.DB.GetTicketByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.ValidateTicket(ctx, ticket.ID)
}
