package analytics_api

import (
	"context"
	"fmt"
	"net/http"

	"ms-purchase/internal/analytics"
	"ms-purchase/internal/auth"
	"ms-purchase/internal/logger"
	"ms-purchase/internal/utils"

	"github.com/go-chi/chi/v5"
)

const OrganizerRole = "ORGANIZER"

type SalesReporter interface {
	GetEventSales(ctx context.Context, eventID string) (*analytics.EventSales, error)
}

// Handler handles analytics HTTP endpoints
type Handler struct {
	Service SalesReporter
	Logger  *logger.Logger
}

func NewHandler(service SalesReporter, logger *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: logger}
}

// RegisterRoutes registers the analytics routes; r must already require
// OrganizerRole.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events/{eventId}/sales", h.GetEventSales)
}

func (h *Handler) GetEventSales(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	h.Logger.Info("ANALYTICS", fmt.Sprintf("GetEventSales: eventId=%s by %s", eventID, auth.UserID(r.Context())))

	report, err := h.Service.GetEventSales(r.Context(), eventID)
	if err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Failed to build sales report for %s: %v", eventID, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Failed to load sales", ""))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event sales", report))
}
