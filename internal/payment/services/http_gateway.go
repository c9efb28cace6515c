package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"

	"github.com/shopspring/decimal"
)

type HTTPGatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGateway talks to a provider exposing a plain JSON API:
//
//	POST {base}/payments        -> {paymentUrl, externalReference}
//	GET  {base}/payments/{ref}  -> {externalReference, status, amount}
type HTTPGateway struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	log     *logger.Logger
}

func NewHTTPGateway(cfg HTTPGatewayConfig, log *logger.Logger) (*HTTPGateway, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid payment gateway url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		hc:      &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

func (g *HTTPGateway) Name() string { return "http" }

type httpPaymentRequest struct {
	Amount   decimal.Decimal   `json:"amount"`
	Currency string            `json:"currency"`
	Payer    models.Payer      `json:"payer"`
	Metadata map[string]string `json:"metadata"`
}

type httpPaymentResponse struct {
	PaymentURL        string `json:"paymentUrl"`
	ExternalReference string `json:"externalReference"`
}

type httpStatusResponse struct {
	ExternalReference string          `json:"externalReference"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
}

func (g *HTTPGateway) CreatePaymentRequest(ctx context.Context, req models.PaymentRequest) (*models.PaymentSession, error) {
	body, err := json.Marshal(httpPaymentRequest{
		Amount:   req.Amount,
		Currency: strings.ToUpper(req.Currency),
		Payer:    req.Payer,
		Metadata: map[string]string{"purchaseId": req.PurchaseID},
	})
	if err != nil {
		return nil, fmt.Errorf("encode payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	g.authorize(httpReq)

	var out httpPaymentResponse
	if err := g.do(httpReq, &out); err != nil {
		g.log.Error("GATEWAY", fmt.Sprintf("Payment request for purchase %s failed: %v", req.PurchaseID, err))
		return nil, err
	}
	if out.PaymentURL == "" || out.ExternalReference == "" {
		return nil, fmt.Errorf("%w: response missing paymentUrl or externalReference", models.ErrGatewayUnavailable)
	}

	g.log.Info("GATEWAY", fmt.Sprintf("Payment request %s created for purchase %s", out.ExternalReference, req.PurchaseID))
	return &models.PaymentSession{HostedURL: out.PaymentURL, ExternalReference: out.ExternalReference}, nil
}

func (g *HTTPGateway) GetPaymentStatus(ctx context.Context, externalReference string) (*models.PaymentOutcome, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/payments/"+url.PathEscape(externalReference), nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	g.authorize(httpReq)

	var out httpStatusResponse
	if err := g.do(httpReq, &out); err != nil {
		return nil, err
	}

	outcome := &models.PaymentOutcome{
		ExternalReference: externalReference,
		Status:            models.PaymentOpen,
		Amount:            out.Amount,
	}
	switch strings.ToLower(out.Status) {
	case "succeeded", "paid", "completed":
		outcome.Status = models.PaymentSucceeded
	case "failed", "declined", "expired", "cancelled", "canceled":
		outcome.Status = models.PaymentFailed
	}
	return outcome, nil
}

func (g *HTTPGateway) authorize(req *http.Request) {
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
}

// do sends req and decodes a 2xx JSON body into out. Transport failures and
// 5xx/429 map to ErrGatewayUnavailable, other statuses to ErrGatewayRejected.
func (g *HTTPGateway) do(req *http.Request, out interface{}) error {
	resp, err := g.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", models.ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", models.ErrGatewayRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", models.ErrGatewayUnavailable, err)
	}
	return nil
}
