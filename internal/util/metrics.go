package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservations created",
	})

	ReservationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_rejected_total",
		Help: "Total number of rejected reservation requests",
	}, []string{"reason"})

	ReservationsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_confirmed_total",
		Help: "Total number of reservations confirmed into reserved stock",
	})

	ReservationsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_released_total",
		Help: "Total number of reservations released before confirmation",
	})

	ReservationRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_create_retries_total",
		Help: "Total number of reservation checks repeated because stock changed underneath",
	})

	ReservationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reservation_operation_latency_seconds",
		Help:    "Latency of reservation operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	AllocationChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_changes_total",
		Help: "Total number of allocation row changes",
	}, []string{"reason"})

	AllocationUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_units_total",
		Help: "Units moved by allocation changes",
	}, []string{"reason"})

	ReplenishedUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replenished_units_total",
		Help: "Units moved from the shared pool by replenishment",
	})

	ReplenishShortfallTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replenish_shortfall_units_total",
		Help: "Units replenishment needed but could not find in the pool",
	})

	MarketplaceSyncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_sync_items_total",
		Help: "Items pushed to marketplaces by result",
	}, []string{"channel", "result"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Duration of periodic sweeps",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})

	FulfillmentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_events_total",
		Help: "Fulfillment events consumed by outcome",
	}, []string{"type", "outcome"})

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
