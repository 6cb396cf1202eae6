// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_poll_cycles_total",
		Help: "Poll cycles run, by trigger",
	}, []string{"trigger"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_poll_cycle_duration_seconds",
		Help:    "Duration of one poll cycle",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	NewMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_new_messages_total",
		Help: "Messages detected as new, by account and kind",
	}, []string{"account", "kind"})

	SkippedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_skipped_messages_total",
		Help: "Messages not relayed, by reason",
	}, []string{"reason"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Per-channel deliveries, by channel kind and outcome",
	}, []string{"channel", "outcome"})

	RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_retry_queue_depth",
		Help: "Failed deliveries waiting for another attempt",
	})

	TranslationCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_translation_calls_total",
		Help: "Translation requests, by outcome",
	}, []string{"outcome"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_errors_total",
		Help: "Upstream request failures, by account and kind",
	}, []string{"account", "kind"})

	LastCycleTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_last_cycle_timestamp_seconds",
		Help: "Unix time the last poll cycle finished",
	})
)
