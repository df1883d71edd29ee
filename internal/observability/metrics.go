package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "rides_created_total", Help: "Total rides accepted into dispatch"})
	RidesByOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "rides_terminal_total", Help: "Rides reaching a terminal status"},
		[]string{"status"},
	)

	OffersSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_sent_total", Help: "Offers dispatched to drivers"})
	OffersByOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_resolved_total", Help: "Offers resolved by outcome"},
		[]string{"outcome"},
	)
	OfferWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taxi_dispatch",
		Name:      "offer_wait_seconds",
		Help:      "Time from offer sent to resolution",
		Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90},
	})

	FraudVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "fraud_verdicts_total", Help: "Fraud guard verdicts by decision"},
		[]string{"decision", "reason"},
	)

	ActiveCoordinators = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_dispatch", Name: "active_coordinators", Help: "Rides currently being dispatched"})
	HeartbeatsIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "heartbeats_ingested_total", Help: "Driver heartbeats ingested"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
