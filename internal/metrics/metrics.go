package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	purchasesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchases_created_total",
			Help: "Purchases created per event",
		},
		[]string{"event_id"},
	)

	purchaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_transitions_total",
			Help: "Purchase status transitions by target status and trigger",
		},
		[]string{"status", "trigger"},
	)

	reservationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_reservation_failures_total",
			Help: "Reservations refused by the ledger",
		},
		[]string{"reason"},
	)

	ticketsReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_tickets_released_total",
			Help: "Pending tickets returned to inventory",
		},
	)

	gatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_gateway_requests_total",
			Help: "Payment gateway calls by gateway and outcome",
		},
		[]string{"gateway", "outcome"},
	)

	gatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_request_duration_seconds",
			Help:    "Latency of payment gateway calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"gateway"},
	)

	httpRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func TrackPurchaseCreated(eventID string) {
	purchasesCreated.WithLabelValues(eventID).Inc()
}

func TrackTransition(status, trigger string) {
	purchaseTransitions.WithLabelValues(status, trigger).Inc()
}

func TrackReservationFailure(reason string) {
	reservationFailures.WithLabelValues(reason).Inc()
}

func TrackTicketsReleased(n int) {
	ticketsReleased.Add(float64(n))
}

func TrackGatewayCall(gateway, outcome string, took time.Duration) {
	gatewayRequests.WithLabelValues(gateway, outcome).Inc()
	gatewayLatency.WithLabelValues(gateway).Observe(took.Seconds())
}

func TrackHTTPRequest(method, route, status string, took time.Duration) {
	httpRequests.WithLabelValues(method, route, status).Observe(took.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Exposed for tests in other packages.
var (
	PurchasesCreated    = purchasesCreated
	PurchaseTransitions = purchaseTransitions
	ReservationFailures = reservationFailures
	GatewayRequests     = gatewayRequests
)
