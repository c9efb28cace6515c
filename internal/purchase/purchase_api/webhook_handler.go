package purchase_api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"
	"ms-purchase/internal/payment/services"
	"ms-purchase/internal/utils"

	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 65536

// WebhookParser verifies and decodes a provider callback.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*services.WebhookNotification, error)
}

// PaymentConfirmer applies a payment outcome to a purchase.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, purchaseID string, outcome models.PaymentOutcome) (*models.Purchase, error)
}

type WebhookHandler struct {
	Parser    WebhookParser
	Purchases PaymentConfirmer
	Logger    *logger.Logger
}

func NewWebhookHandler(parser WebhookParser, purchases PaymentConfirmer, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{Parser: parser, Purchases: purchases, Logger: log}
}

// RegisterRoutes mounts the unauthenticated provider callback; the request
// signature is the credential.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/payments/stripe/webhook", h.HandleStripeWebhook)
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Error reading request body: %v", err))
		utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Error reading request body", ""))
		return
	}

	n, err := h.Parser.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var whErr *services.WebhookError
		if errors.As(err, &whErr) {
			if whErr.Category == "validation" {
				h.Logger.LogSecurity("WEBHOOK_SIGNATURE", whErr.InternalError)
			} else {
				h.Logger.Error("WEBHOOK", whErr.InternalError)
			}
			utils.WriteJSON(w, whErr.StatusCode, utils.ErrorResponse(whErr.PublicError, ""))
			return
		}
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Unexpected webhook error: %v", err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Webhook processing error", ""))
		return
	}

	if n.Ignored {
		h.Logger.Debug("WEBHOOK", fmt.Sprintf("Ignoring event %s (%s)", n.EventID, n.EventType))
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event ignored", nil))
		return
	}

	p, err := h.Purchases.ConfirmPayment(r.Context(), n.PurchaseID, n.Outcome)
	switch {
	case err == nil:
		h.Logger.LogPurchase("WEBHOOK", n.PurchaseID, fmt.Sprintf("%s applied, status %s", n.EventType, p.Status))
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event processed", nil))
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrPriceMismatch):
		// redelivery cannot fix these, so acknowledge and keep a trail
		h.Logger.Warn("WEBHOOK", fmt.Sprintf("Event %s for purchase %s not applied: %v", n.EventID, n.PurchaseID, err))
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event acknowledged", nil))
	default:
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Event %s for purchase %s failed: %v", n.EventID, n.PurchaseID, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Webhook processing error", ""))
	}
}
