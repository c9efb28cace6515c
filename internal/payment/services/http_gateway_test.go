package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider mimics an idempotent payment provider: one reference per
// Idempotency-Key.
type fakeProvider struct {
	mu       sync.Mutex
	byKey    map[string]string
	calls    int
	failNext int
	status   int
	lastBody httpPaymentRequest
	lastAuth string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{byKey: make(map[string]string)}
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastAuth = r.Header.Get("Authorization")

	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		w.Write([]byte(`{"error":"card declined"}`))
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/payments":
		if err := json.NewDecoder(r.Body).Decode(&f.lastBody); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		ref, ok := f.byKey[key]
		if !ok {
			ref = "ref-" + key
			f.byKey[key] = ref
		}
		json.NewEncoder(w).Encode(httpPaymentResponse{PaymentURL: "https://pay.example/" + ref, ExternalReference: ref})
	case r.Method == http.MethodGet && r.URL.Path == "/payments/ref-paid":
		json.NewEncoder(w).Encode(httpStatusResponse{ExternalReference: "ref-paid", Status: "SUCCEEDED", Amount: decimal.NewFromInt(45)})
	case r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(httpStatusResponse{Status: "pending"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newHTTPGateway(t *testing.T, provider *fakeProvider) *HTTPGateway {
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)
	gw, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Second}, logger.NewNop())
	require.NoError(t, err)
	return gw
}

func paymentRequest(purchaseID string) models.PaymentRequest {
	return models.PaymentRequest{
		PurchaseID:     purchaseID,
		Amount:         decimal.RequireFromString("45.00"),
		Currency:       "usd",
		Payer:          models.Payer{Email: "buyer@example.com", Name: "Ada Buyer"},
		IdempotencyKey: purchaseID,
	}
}

func TestHTTPGateway_CreatePaymentRequest(t *testing.T) {
	provider := newFakeProvider()
	gw := newHTTPGateway(t, provider)

	session, err := gw.CreatePaymentRequest(context.Background(), paymentRequest("p-1"))
	require.NoError(t, err)
	assert.Equal(t, "ref-p-1", session.ExternalReference)
	assert.Equal(t, "https://pay.example/ref-p-1", session.HostedURL)

	assert.Equal(t, "Bearer secret", provider.lastAuth)
	assert.Equal(t, "USD", provider.lastBody.Currency)
	assert.Equal(t, "p-1", provider.lastBody.Metadata["purchaseId"])
	assert.Equal(t, "buyer@example.com", provider.lastBody.Payer.Email)
	assert.True(t, decimal.NewFromInt(45).Equal(provider.lastBody.Amount))

	again, err := gw.CreatePaymentRequest(context.Background(), paymentRequest("p-1"))
	require.NoError(t, err)
	assert.Equal(t, session.ExternalReference, again.ExternalReference)
}

func TestHTTPGateway_ErrorClassification(t *testing.T) {
	provider := newFakeProvider()
	gw := newHTTPGateway(t, provider)

	provider.failNext = 1
	_, err := gw.CreatePaymentRequest(context.Background(), paymentRequest("p-2"))
	assert.True(t, errors.Is(err, models.ErrGatewayUnavailable), "got %v", err)

	provider.status = http.StatusPaymentRequired
	_, err = gw.CreatePaymentRequest(context.Background(), paymentRequest("p-2"))
	assert.True(t, errors.Is(err, models.ErrGatewayRejected), "got %v", err)
	assert.Contains(t, err.Error(), "card declined")
}

func TestHTTPGateway_Unreachable(t *testing.T) {
	gw, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, logger.NewNop())
	require.NoError(t, err)

	_, err = gw.CreatePaymentRequest(context.Background(), paymentRequest("p-3"))
	assert.True(t, errors.Is(err, models.ErrGatewayUnavailable), "got %v", err)
}

func TestHTTPGateway_GetPaymentStatus(t *testing.T) {
	gw := newHTTPGateway(t, newFakeProvider())

	outcome, err := gw.GetPaymentStatus(context.Background(), "ref-paid")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, outcome.Status)
	assert.True(t, decimal.NewFromInt(45).Equal(outcome.Amount))

	outcome, err = gw.GetPaymentStatus(context.Background(), "ref-other")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentOpen, outcome.Status)
}

func TestNewHTTPGateway_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: "not a url"}, logger.NewNop())
	assert.Error(t, err)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(4500), ToMinorUnits(decimal.RequireFromString("45"), "usd"))
	assert.Equal(t, int64(1999), ToMinorUnits(decimal.RequireFromString("19.99"), "EUR"))
	assert.Equal(t, int64(500), ToMinorUnits(decimal.RequireFromString("500"), "jpy"))
	assert.True(t, decimal.RequireFromString("19.99").Equal(FromMinorUnits(1999, "usd")))
	assert.True(t, decimal.NewFromInt(500).Equal(FromMinorUnits(500, "JPY")))
}
