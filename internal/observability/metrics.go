package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	SessionsStarted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_started_total", Help: "Dispatch sessions started"})
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_finished_total", Help: "Dispatch sessions finished by outcome"}, []string{"outcome"})
	SessionsActive   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active", Help: "Dispatch sessions currently running"})
	SessionDuration  = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Time from session start to its terminal outcome",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
	}, []string{"outcome"})

	OffersSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Offers delivered to candidates"})
	OfferFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_failures_total", Help: "Offers the transport could not deliver"})
	Decisions      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "decisions_total", Help: "Candidate decisions by kind"}, []string{"decision"})
	RacesLost      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assignment_races_lost_total", Help: "Acceptances discarded because the ride was no longer searching"})
	StaleDecisions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stale_decisions_total", Help: "Decisions with no matching waiter, ignored by the transport"})
	RidersOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "riders_connected", Help: "Riders with a live websocket connection"})
	ObserverDrops  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "observer_drops_total", Help: "Ride changes dropped because the observer backlog was full"})
	ReaperActions  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "reaper_actions_total", Help: "Stale searching rides handled by the reaper"}, []string{"action"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
