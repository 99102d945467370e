package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	}, []string{"fulfillment_mode"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of applied order status transitions",
	}, []string{"from", "to"})

	OrderConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_conflicts_total",
		Help: "Total number of conditional writes rejected because the stored state changed",
	}, []string{"resource"})

	OrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_expired_total",
		Help: "Total number of submitted orders canceled after the payment timeout",
	})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment attempts created",
	}, []string{"gateway"})

	PaymentResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_results_total",
		Help: "Total number of resolved payment attempts by outcome",
	}, []string{"gateway", "status"})

	PaymentProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of gateway submissions",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway"})

	GatewayTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_timeouts_total",
		Help: "Total number of gateway calls that timed out",
	}, []string{"gateway"})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of provider callbacks handled",
	}, []string{"gateway", "result"})

	PaymentAfterCancelTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_after_cancel_total",
		Help: "Succeeded payments received for orders that were already canceled",
	})

	ManualVerificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manual_payment_verifications_total",
		Help: "Total number of manual payments verified by an operator",
	})

	LedgerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_write_retries_total",
		Help: "Total number of retried ledger write operations",
	})

	LedgerWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_write_failures_total",
		Help: "Ledger writes that failed after all retries",
	})

	NotifierSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_subscribers",
		Help: "Current number of change stream subscribers",
	})

	NotifierOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifier_overflows_total",
		Help: "Subscribers dropped because their buffer was full",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
