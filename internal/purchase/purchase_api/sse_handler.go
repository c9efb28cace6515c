package purchase_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-purchase/internal/auth"
	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"

	"github.com/go-chi/chi/v5"
)

// EventSubscriber hands out a per-purchase event stream.
type EventSubscriber interface {
	Subscribe(ctx context.Context, purchaseID string) <-chan models.PurchaseEvent
}

// PurchaseLookup resolves the purchase owner before a stream is opened.
type PurchaseLookup interface {
	GetPurchase(ctx context.Context, purchaseID string) (*models.PurchaseWithTickets, error)
}

// SSEHandler streams status changes of a single purchase to its buyer.
type SSEHandler struct {
	Logger    *logger.Logger
	Events    EventSubscriber
	Purchases PurchaseLookup
}

func NewSSEHandler(log *logger.Logger, events EventSubscriber, purchases PurchaseLookup) *SSEHandler {
	return &SSEHandler{Logger: log, Events: events, Purchases: purchases}
}

func (h *SSEHandler) HandlePurchaseEvents(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchaseId")

	res, err := h.Purchases.GetPurchase(r.Context(), purchaseID)
	if err != nil || res.Purchase.BuyerID != auth.UserID(r.Context()) {
		http.Error(w, "Purchase not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// streams outlive the server's WriteTimeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h.setupSSEHeaders(w)
	ctx := r.Context()
	eventChan := h.Events.Subscribe(ctx, purchaseID)

	// the current status goes first so a late subscriber never waits for a
	// transition that already happened
	fmt.Fprintf(w, "event: connected\ndata: {\"purchase_id\":%q,\"status\":%q}\n\n", purchaseID, res.Purchase.Status)
	flusher.Flush()

	h.Logger.Info("SSE", fmt.Sprintf("Client connected to purchase %s", purchaseID))

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				h.Logger.Debug("SSE", fmt.Sprintf("Channel closed for purchase: %s", purchaseID))
				return
			}
			jsonData, err := json.Marshal(event)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize purchase event: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, jsonData)
			flusher.Flush()

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from purchase %s", purchaseID))
			return
		}
	}
}

func (h *SSEHandler) setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
}
