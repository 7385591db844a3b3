package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpgate/internal/adapters/exchanges"
)

var (
	// Exchange metrics
	ExchangeAPICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpgate_exchange_api_calls_total",
			Help: "Total number of exchange API calls",
		},
		[]string{"exchange", "operation", "status"}, // status: success|error|rate_limited
	)

	ExchangeAPILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpgate_exchange_api_latency_seconds",
			Help:    "Exchange API latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"exchange", "operation"},
	)

	// Trading metrics
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpgate_orders_placed_total",
			Help: "Primary orders accepted by an exchange",
		},
		[]string{"exchange", "side", "type"},
	)

	ProtectiveOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpgate_protective_orders_total",
			Help: "Protective order operations",
		},
		[]string{"exchange", "kind", "action"}, // kind: stop_loss|take_profit, action: cancel|create|error
	)

	DegradedPositions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpgate_degraded_positions_total",
			Help: "Primary orders left live after a protective leg failed",
		},
		[]string{"exchange"},
	)
)

var registerOnce sync.Once

// Init registers all metrics with Prometheus. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ExchangeAPICalls)
		prometheus.MustRegister(ExchangeAPILatency)
		prometheus.MustRegister(OrdersPlaced)
		prometheus.MustRegister(ProtectiveOrders)
		prometheus.MustRegister(DegradedPositions)
	})
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExchangeAPICall records an exchange API call
func RecordExchangeAPICall(exchange, operation string, latency time.Duration, err error) {
	status := "success"
	switch {
	case err == nil:
	case isRateLimited(err):
		status = "rate_limited"
	default:
		status = "error"
	}

	ExchangeAPICalls.WithLabelValues(exchange, operation, status).Inc()
	ExchangeAPILatency.WithLabelValues(exchange, operation).Observe(latency.Seconds())
}

// RecordOrderPlaced counts an accepted primary order
func RecordOrderPlaced(exchange string, side exchanges.OrderSide, orderType exchanges.OrderType) {
	OrdersPlaced.WithLabelValues(exchange, string(side), string(orderType)).Inc()
}

// RecordProtectiveOrder counts a stop-loss or take-profit cancel/create/error
func RecordProtectiveOrder(exchange, kind, action string) {
	ProtectiveOrders.WithLabelValues(exchange, kind, action).Inc()
}

// RecordDegradedPosition counts a live primary order whose protection failed
func RecordDegradedPosition(exchange string) {
	DegradedPositions.WithLabelValues(exchange).Inc()
}
