// Package metrics holds the Prometheus collectors for the tracking engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Persistence outcomes recorded by the recorder.
const (
	PersistOK        = "ok"
	PersistStale     = "stale"
	PersistTransient = "transient"
	PersistOpen      = "breaker_open"
)

var (
	SamplesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldtrack_samples_received_total",
		Help: "Position samples accepted for broadcast.",
	})

	SamplesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldtrack_samples_rejected_total",
		Help: "Position samples rejected as invalid input.",
	})

	Deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldtrack_observer_deliveries_total",
		Help: "Location events enqueued to observer connections.",
	})

	ObserverDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldtrack_observer_dropped_total",
		Help: "Oldest undelivered events discarded for slow observers.",
	})

	Observers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldtrack_observers",
		Help: "Currently registered observer connections.",
	})

	Relay = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_relay_total",
		Help: "Cross-instance relay operations grouped by result.",
	}, []string{"result"})

	Persist = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_persist_total",
		Help: "Path point writes grouped by outcome.",
	}, []string{"result"})

	PersistQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldtrack_persist_queue_dropped_total",
		Help: "Path points dropped because the persistence queue was full or closed.",
	})

	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldtrack_persist_duration_seconds",
		Help:    "Latency of individual path point writes.",
		Buckets: prometheus.DefBuckets,
	})

	TripEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_trip_events_total",
		Help: "Trip lifecycle transitions grouped by event.",
	}, []string{"event"})
)
