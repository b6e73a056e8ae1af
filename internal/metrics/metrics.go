// Package metrics declares the scanner's Prometheus instrumentation and a
// small HTTP server exposing it. All labels come from bounded sets (exchange
// names, operations, profiles) so cardinality stays flat.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scan cycle metrics

	ScanCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpflow_scan_cycles_total",
		Help: "Completed scan cycles by outcome",
	}, []string{"outcome"}) // ok, failed, skipped

	ScanCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpflow_scan_cycle_duration_seconds",
		Help:    "Wall time of one scan cycle",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	SymbolsScanned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpflow_symbols_scanned",
		Help: "Symbols surviving snapshot build in the latest cycle",
	})

	SymbolsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpflow_symbols_dropped_total",
		Help: "Symbols dropped from a cycle after snapshot failure",
	})

	FailureStreak = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpflow_cycle_failure_streak",
		Help: "Consecutive fully-failed cycles",
	})

	// Adapter metrics

	AdapterRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpflow_adapter_requests_total",
		Help: "Exchange adapter calls by operation and result",
	}, []string{"operation", "result"}) // ok, error, circuit_open

	AdapterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpflow_adapter_latency_seconds",
		Help:    "Exchange adapter call latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"operation"})

	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpflow_adapter_circuit_state",
		Help: "Adapter circuit state: 0 closed, 1 half-open, 2 open",
	})

	// Output metrics

	FramesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpflow_frames_published_total",
		Help: "Ranking frames published to the broadcast bus",
	})

	FramesDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpflow_frames_dropped",
		Help: "Frames dropped on full subscriber buffers since start",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpflow_broadcast_subscribers",
		Help: "Currently attached broadcast subscribers",
	})

	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpflow_signals_emitted_total",
		Help: "Rule signals enqueued, by rule",
	}, []string{"rule"})

	SignalDeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpflow_signal_delivery_failures_total",
		Help: "Best-effort signal delivery failures, by sink",
	}, []string{"sink"})

	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpflow_persist_failures_total",
		Help: "Fire-and-forget persistence failures, by target",
	}, []string{"target"}) // postgres, redis
)
