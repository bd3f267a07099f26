// Package metrics holds the Prometheus instruments for the trading core.
// Everything registers on the default registry and is served by promhttp on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paperbroker"

var (
	// ExecutionsTotal counts execution attempts by terminal status.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Execution attempts by terminal status.",
	}, []string{"status"})

	// PriceLookupFailures counts oracle lookups that yielded no usable price,
	// timeouts included.
	PriceLookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_lookup_failures_total",
		Help:      "Price lookups that returned no usable price.",
	})

	// ExecutionDelay observes the time between signal creation and execution.
	ExecutionDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_delay_seconds",
		Help:      "Delay between signal creation and execution.",
		Buckets:   prometheus.DefBuckets,
	})

	// SnapshotWrites counts balance snapshot rows appended to the ledger.
	SnapshotWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_writes_total",
		Help:      "Balance snapshot rows appended.",
	})

	// TickersCollected counts market ticks ingested by the price collector.
	TickersCollected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tickers_collected_total",
		Help:      "Market ticks ingested by the price collector.",
	})
)
