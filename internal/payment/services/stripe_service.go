package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

// Stripe refuses checkout sessions that expire sooner than this.
const minStripeSessionTTL = 30 * time.Minute

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// SuccessURL and CancelURL may contain {purchase_id}.
	SuccessURL string
	CancelURL  string
	SessionTTL time.Duration
	// Backends overrides the API endpoint; tests point it at httptest.
	Backends *stripe.Backends
}

// StripeGateway creates hosted Stripe Checkout sessions.
type StripeGateway struct {
	client *client.API
	cfg    StripeConfig
	log    *logger.Logger
}

func NewStripeGateway(cfg StripeConfig, log *logger.Logger) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(cfg.SecretKey, cfg.Backends)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeGateway{client: sc, cfg: cfg, log: log}, nil
}

func (s *StripeGateway) Name() string { return "stripe" }

func (s *StripeGateway) CreatePaymentRequest(ctx context.Context, req models.PaymentRequest) (*models.PaymentSession, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", models.ErrGatewayRejected, req.Amount)
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Tickets for purchase %s", req.PurchaseID)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(expandPurchaseURL(s.cfg.SuccessURL, req.PurchaseID)),
		CancelURL:         stripe.String(expandPurchaseURL(s.cfg.CancelURL, req.PurchaseID)),
		ClientReferenceID: stripe.String(req.PurchaseID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"purchase_id": req.PurchaseID},
		},
	}
	if req.Payer.Email != "" {
		params.CustomerEmail = stripe.String(req.Payer.Email)
	}
	if s.cfg.SessionTTL >= minStripeSessionTTL {
		params.ExpiresAt = stripe.Int64(time.Now().Add(s.cfg.SessionTTL).Unix())
	}
	params.AddMetadata("purchase_id", req.PurchaseID)
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.Context = ctx

	session, err := s.client.CheckoutSessions.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Checkout session for purchase %s failed: %v", req.PurchaseID, err))
		return nil, classifyStripeError(err)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Checkout session %s created for purchase %s (%s %s)",
		session.ID, req.PurchaseID, strings.ToUpper(req.Currency), req.Amount.StringFixed(2)))
	return &models.PaymentSession{HostedURL: session.URL, ExternalReference: session.ID}, nil
}

func (s *StripeGateway) GetPaymentStatus(ctx context.Context, externalReference string) (*models.PaymentOutcome, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	session, err := s.client.CheckoutSessions.Get(externalReference, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return sessionOutcome(session), nil
}

func sessionOutcome(session *stripe.CheckoutSession) *models.PaymentOutcome {
	outcome := &models.PaymentOutcome{
		ExternalReference: session.ID,
		Status:            models.PaymentOpen,
		Amount:            FromMinorUnits(session.AmountTotal, string(session.Currency)),
	}
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		outcome.Status = models.PaymentSucceeded
	case session.Status == stripe.CheckoutSessionStatusExpired:
		outcome.Status = models.PaymentFailed
	}
	return outcome
}

// classifyStripeError maps Stripe failures onto the gateway error kinds:
// rate limits, 5xx and transport errors are transient, everything else is
// a rejection.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("%w: stripe %s: %s", models.ErrGatewayUnavailable, stripeErr.Type, stripeErr.Msg)
		}
		return fmt.Errorf("%w: stripe %s: %s", models.ErrGatewayRejected, stripeErr.Type, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
}

func expandPurchaseURL(tmpl, purchaseID string) string {
	return strings.ReplaceAll(tmpl, "{purchase_id}", purchaseID)
}

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int
	PublicError   string
	InternalError string
	OriginalErr   error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

// WebhookNotification is a verified Stripe event reduced to what the
// purchase orchestrator needs. Ignored is set for event types that carry no
// payment outcome.
type WebhookNotification struct {
	EventID    string
	EventType  string
	PurchaseID string
	Outcome    models.PaymentOutcome
	ReceivedAt time.Time
	Ignored    bool
}

// ParseWebhook verifies the Stripe-Signature header and decodes checkout
// session events.
func (s *StripeGateway) ParseWebhook(payload []byte, signature string) (*WebhookNotification, error) {
	if s.cfg.WebhookSecret == "" {
		return nil, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Webhook signature verification failed",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	n := &WebhookNotification{
		EventID:    event.ID,
		EventType:  string(event.Type),
		ReceivedAt: time.Unix(event.Created, 0),
	}

	var status models.PaymentOutcomeStatus
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		status = models.PaymentSucceeded
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed, stripe.EventTypeCheckoutSessionExpired:
		status = models.PaymentFailed
	default:
		n.Ignored = true
		return n, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid checkout session payload",
			InternalError: fmt.Sprintf("Failed to unmarshal checkout session: %v", err),
			OriginalErr:   err,
		}
	}

	// completed fires before settlement for delayed methods
	if event.Type == stripe.EventTypeCheckoutSessionCompleted &&
		session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		status = models.PaymentOpen
	}

	n.PurchaseID = session.Metadata["purchase_id"]
	if n.PurchaseID == "" {
		n.PurchaseID = session.ClientReferenceID
	}
	if n.PurchaseID == "" {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Missing purchase reference",
			InternalError: fmt.Sprintf("Checkout session %s carries no purchase_id", session.ID),
		}
	}

	n.Outcome = models.PaymentOutcome{
		ExternalReference: session.ID,
		Status:            status,
		Amount:            FromMinorUnits(session.AmountTotal, string(session.Currency)),
	}
	return n, nil
}
