package ticket_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"ms-purchase/internal/auth"
	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"
	"ms-purchase/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const ScannerRole = "SCANNER"

type TicketValidator interface {
	GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error)
	ValidateTicket(ctx context.Context, ticketID string) (*models.Ticket, error)
	ValidateCode(ctx context.Context, code string) (*models.Ticket, error)
}

// Inventory is the ticket type catalog with its live counters.
type Inventory interface {
	Availability(ctx context.Context, ticketTypeID string) (*models.Availability, error)
	CreateTicketType(ctx context.Context, tt *models.EventTicketType) error
}

type Handler struct {
	Tickets   TicketValidator
	Inventory Inventory
	Logger    *logger.Logger
}

func NewHandler(tickets TicketValidator, inventory Inventory, log *logger.Logger) *Handler {
	return &Handler{Tickets: tickets, Inventory: inventory, Logger: log}
}

// RegisterScannerRoutes mounts the admission endpoints. r must authenticate
// and require ScannerRole.
func (h *Handler) RegisterScannerRoutes(r chi.Router) {
	r.Get("/tickets/{ticketId}", h.GetTicket)
	r.Post("/tickets/validate", h.ValidateByCode)
	r.Post("/tickets/{ticketId}/validate", h.ValidateTicket)
}

// RegisterOrganizerRoutes mounts catalog management. r must require the
// organizer role.
func (h *Handler) RegisterOrganizerRoutes(r chi.Router) {
	r.Post("/ticket-types", h.CreateTicketType)
}

// RegisterPublicRoutes mounts the unauthenticated endpoints.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/ticket-types/{ticketTypeId}/availability", h.GetAvailability)
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	ticket, err := h.Tickets.GetTicket(r.Context(), ticketID)
	if errors.Is(err, models.ErrNotFound) {
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Ticket not found", ""))
		return
	}
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetTicket %s: %v", ticketID, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not load ticket", ""))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket", ticket))
}

func (h *Handler) ValidateTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	h.Logger.Info("API", fmt.Sprintf("ValidateTicket: ticketId=%s scanner=%s", ticketID, auth.UserID(r.Context())))

	ticket, err := h.Tickets.ValidateTicket(r.Context(), ticketID)
	h.respondValidation(w, ticket, err)
}

// ValidateByCode admits a ticket by the code printed on it.
// Expected body: {"code": "TKT-..."}
func (h *Handler) ValidateByCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("code is required", ""))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("ValidateByCode: scanner=%s", auth.UserID(r.Context())))

	ticket, err := h.Tickets.ValidateCode(r.Context(), body.Code)
	h.respondValidation(w, ticket, err)
}

func (h *Handler) respondValidation(w http.ResponseWriter, ticket *models.Ticket, err error) {
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket validated", ticket))
	case errors.Is(err, models.ErrNotFound):
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Ticket not found", ""))
	case errors.Is(err, models.ErrInvalidState):
		utils.WriteJSON(w, http.StatusConflict, utils.ErrorResponse("Ticket cannot be admitted", err.Error()))
	default:
		h.Logger.Error("API", fmt.Sprintf("Ticket validation failed: %v", err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Validation failed", ""))
	}
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	ticketTypeID := chi.URLParam(r, "ticketTypeId")
	availability, err := h.Inventory.Availability(r.Context(), ticketTypeID)
	if errors.Is(err, models.ErrNotFound) {
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Ticket type not found", ""))
		return
	}
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetAvailability %s: %v", ticketTypeID, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not read availability", ""))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Availability", availability))
}

// CreateTicketType registers a sellable ticket type for an event.
// Expected body: {"event_id": "...", "name": "VIP", "price": "99.50", "capacity": 100}
func (h *Handler) CreateTicketType(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID  string          `json:"event_id"`
		Name     string          `json:"name"`
		Price    decimal.Decimal `json:"price"`
		Capacity int             `json:"capacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	tt := &models.EventTicketType{
		EventID:  body.EventID,
		Name:     body.Name,
		Price:    body.Price,
		Capacity: body.Capacity,
	}
	err := h.Inventory.CreateTicketType(r.Context(), tt)
	if errors.Is(err, models.ErrInvalidTicketType) {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid ticket type", err.Error()))
		return
	}
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateTicketType for event %s: %v", body.EventID, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not create ticket type", ""))
		return
	}

	h.Logger.Info("API", fmt.Sprintf("Ticket type %s created for event %s by %s", tt.ID, tt.EventID, auth.UserID(r.Context())))
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Ticket type created", tt))
}
