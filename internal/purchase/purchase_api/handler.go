package purchase_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ms-purchase/internal/auth"
	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"
	"ms-purchase/internal/tickets/qr"
	"ms-purchase/internal/utils"

	"github.com/go-chi/chi/v5"
)

// PurchaseService is what the HTTP layer needs from the orchestrator.
type PurchaseService interface {
	CreatePurchase(ctx context.Context, req models.CreatePurchaseRequest) (*models.PurchaseWithTickets, error)
	GetPurchase(ctx context.Context, purchaseID string) (*models.PurchaseWithTickets, error)
	ListPurchasesForBuyer(ctx context.Context, buyerID string) ([]models.Purchase, error)
	ListTicketsForPurchase(ctx context.Context, purchaseID string) ([]models.Ticket, error)
	RequestPayment(ctx context.Context, purchaseID string) (*models.PaymentSession, error)
	CancelPurchase(ctx context.Context, purchaseID string, reason models.CancelReason) (*models.Purchase, error)
}

// TicketPrinter renders the printable tickets of a purchase.
type TicketPrinter interface {
	Render(purchase models.Purchase, tickets []models.Ticket) ([]byte, error)
}

type Handler struct {
	Purchases PurchaseService
	Logger    *logger.Logger
	Policy    ErrorPolicy
	Events    *SSEHandler
	Printer   TicketPrinter
}

func NewHandler(purchases PurchaseService, log *logger.Logger, policy ErrorPolicy) *Handler {
	if policy == nil {
		policy = DefaultErrorPolicy
	}
	return &Handler{Purchases: purchases, Logger: log, Policy: policy}
}

// RegisterRoutes mounts the buyer endpoints; r must already authenticate.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/purchases", func(r chi.Router) {
		r.Post("/", h.CreatePurchase)
		r.Get("/", h.ListPurchases)
		r.Get("/{purchaseId}", h.GetPurchase)
		r.Get("/{purchaseId}/tickets", h.ListTickets)
		r.Get("/{purchaseId}/tickets/{ticketId}/qr", h.TicketQR)
		r.Post("/{purchaseId}/payment", h.RequestPayment)
		r.Delete("/{purchaseId}", h.CancelPurchase)
		if h.Printer != nil {
			r.Get("/{purchaseId}/pdf", h.TicketsPDF)
		}
		if h.Events != nil {
			r.Get("/{purchaseId}/events", h.Events.HandlePurchaseEvents)
		}
	})
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	buyer, _ := auth.BuyerFrom(r.Context())

	var req models.CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("CreatePurchase: bad body: %v", err))
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	req.BuyerID = buyer.ID
	req.BuyerEmail = buyer.Email
	req.BuyerName = buyer.Name
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	res, err := h.Purchases.CreatePurchase(r.Context(), req)
	if err != nil {
		h.fail(w, "CreatePurchase", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Purchase created", res))
}

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.Purchases.ListPurchasesForBuyer(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "ListPurchases", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Purchases", purchases))
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	res, ok := h.owned(w, r)
	if !ok {
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Purchase", res))
}

func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	res, ok := h.owned(w, r)
	if !ok {
		return
	}
	tickets, err := h.Purchases.ListTicketsForPurchase(r.Context(), res.Purchase.ID)
	if err != nil {
		h.fail(w, "ListTickets", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Tickets", tickets))
}

// TicketQR serves the admission code of one ticket as a PNG.
func (h *Handler) TicketQR(w http.ResponseWriter, r *http.Request) {
	res, ok := h.owned(w, r)
	if !ok {
		return
	}
	ticketID := chi.URLParam(r, "ticketId")
	for _, ticket := range res.Tickets {
		if ticket.ID != ticketID {
			continue
		}
		img, err := qr.TicketPNG(ticket, qr.DefaultSize)
		if err != nil {
			h.fail(w, "TicketQR", err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "private, no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(img)
		return
	}
	h.fail(w, "TicketQR", fmt.Errorf("ticket %s: %w", ticketID, models.ErrNotFound))
}

// TicketsPDF serves every presentable ticket of a purchase as one document.
func (h *Handler) TicketsPDF(w http.ResponseWriter, r *http.Request) {
	res, ok := h.owned(w, r)
	if !ok {
		return
	}
	doc, err := h.Printer.Render(res.Purchase, res.Tickets)
	if err != nil {
		h.fail(w, "TicketsPDF", err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"tickets-%s.pdf\"", res.Purchase.ID))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

func (h *Handler) RequestPayment(w http.ResponseWriter, r *http.Request) {
	res, ok := h.owned(w, r)
	if !ok {
		return
	}
	session, err := h.Purchases.RequestPayment(r.Context(), res.Purchase.ID)
	if err != nil {
		h.fail(w, "RequestPayment", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment session ready", session))
}

func (h *Handler) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	res, ok := h.owned(w, r)
	if !ok {
		return
	}
	cancelled, err := h.Purchases.CancelPurchase(r.Context(), res.Purchase.ID, models.CancelByBuyer)
	if err != nil {
		h.fail(w, "CancelPurchase", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Purchase cancelled", cancelled))
}

// owned loads the purchase in the URL and answers 404 unless the caller
// bought it, so other buyers cannot probe purchase IDs.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request) (*models.PurchaseWithTickets, bool) {
	purchaseID := chi.URLParam(r, "purchaseId")
	res, err := h.Purchases.GetPurchase(r.Context(), purchaseID)
	if err != nil {
		h.fail(w, "GetPurchase", err)
		return nil, false
	}
	if res.Purchase.BuyerID != auth.UserID(r.Context()) {
		h.Logger.LogSecurity("FOREIGN_PURCHASE", fmt.Sprintf("%s asked for purchase %s", auth.UserID(r.Context()), purchaseID))
		h.fail(w, "GetPurchase", fmt.Errorf("purchase %s: %w", purchaseID, models.ErrNotFound))
		return nil, false
	}
	return res, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status, message := h.Policy(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Debug("API", fmt.Sprintf("%s: %v", op, err))
	}
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = ""
	}
	utils.WriteJSON(w, status, utils.ErrorResponse(message, detail))
}
