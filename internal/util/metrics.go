package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_completed_total",
		Help: "Total number of orders completed by a matched payment",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of orders cancelled by the user",
	})

	OrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_expired_total",
		Help: "Total number of pending orders expired by the sweeper",
	})

	PaymentChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_checks_total",
		Help: "Payment check attempts by outcome",
	}, []string{"outcome"})

	PaymentCheckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_check_latency_seconds",
		Help:    "Latency of blockchain payment checks",
		Buckets: prometheus.DefBuckets,
	})

	RateFetchDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rate_fetch_degraded_total",
		Help: "Times the rate oracle served a stale or fallback rate",
	})

	TxClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_claim_conflicts_total",
		Help: "Transaction hash claims lost to a concurrent order",
	})

	LinksAllocatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "links_allocated_total",
		Help: "Content links handed out",
	})

	LinksExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "links_exhausted_total",
		Help: "Allocation attempts that found no free link, by location",
	}, []string{"location_id"})

	ExplorerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "explorer_requests_total",
		Help: "Blockchain explorer API requests by result",
	}, []string{"result"})

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
