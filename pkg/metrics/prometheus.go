package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_messages_stored_total",
			Help: "Total number of messages persisted by delivery type",
		},
		[]string{"delivery_type"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_dispatch_total",
			Help: "Total number of processing attempts by delivery type and outcome",
		},
		[]string{"delivery_type", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeflow_dispatch_duration_seconds",
			Help:    "Message dispatch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"delivery_type"},
	)

	DispatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_dispatch_retries_total",
			Help: "Total number of retries scheduled after transient failures",
		},
		[]string{"delivery_type"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storeflow_sweep_duration_seconds",
			Help:    "Duration of a full sweep over due messages",
			Buckets: prometheus.DefBuckets,
		},
	)

	InboxDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_inbox_duplicates_total",
			Help: "Total number of redelivered messages dropped by the inbox",
		},
		[]string{"source"},
	)
)
