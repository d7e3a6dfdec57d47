// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Connection metrics
	ConnectionState   *prometheus.GaugeVec
	StateTransitions  *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	HeartbeatTimeouts *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	MalformedMessages *prometheus.CounterVec

	// Ingestion metrics
	EventsRouted       *prometheus.CounterVec
	EventFreshness     *prometheus.HistogramVec
	LastEventTimestamp *prometheus.GaugeVec

	// Sink metrics
	SinkQueueDepth   prometheus.Gauge
	SinkFlushes      prometheus.Counter
	SinkFlushLatency prometheus.Histogram
	SinkRowsWritten  *prometheus.CounterVec
	SinkDuplicates   *prometheus.CounterVec
	SinkRejected     *prometheus.CounterVec
	SinkDropped      prometheus.Counter
	SinkRetries      prometheus.Counter
	SinkFailed       prometheus.Gauge

	// Aggregator metrics
	OpenWindows       prometheus.Gauge
	WindowsClosed     *prometheus.CounterVec
	LateEvents        *prometheus.CounterVec
	ClockSkewSamples  *prometheus.CounterVec
	AggregatorDropped prometheus.Counter
	AggregatorQueue   prometheus.Gauge

	// Publisher metrics
	PublishErrors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "perps_ops"
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "connection_state",
			Help:      "Current supervisor state (0=disconnected 1=connecting 2=subscribing 3=streaming 4=degraded 5=stopped)",
		}, []string{"venue"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "state_transitions_total",
			Help:      "Total number of supervisor state transitions by target state",
		}, []string{"venue", "to"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts",
		}, []string{"venue"}),
		HeartbeatTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "heartbeat_timeouts_total",
			Help:      "Total number of connections dropped for missing heartbeats",
		}, []string{"venue"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "protocol_errors_total",
			Help:      "Total number of rejected subscriptions or handshakes",
		}, []string{"venue"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "frames_received_total",
			Help:      "Total number of websocket frames received",
		}, []string{"venue"}),
		MalformedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "malformed_messages_total",
			Help:      "Total number of unrecognized or malformed messages dropped",
		}, []string{"venue"}),

		// Ingestion metrics
		EventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_routed_total",
			Help:      "Total number of canonical events routed by kind",
		}, []string{"venue", "kind"}),
		EventFreshness: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "event_freshness_seconds",
			Help:      "Arrival time minus venue event time",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"venue"}),
		LastEventTimestamp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "last_event_timestamp",
			Help:      "Unix timestamp of the last canonical event per venue",
		}, []string{"venue"}),

		// Sink metrics
		SinkQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "queue_depth",
			Help:      "Events waiting in the sink queue",
		}),
		SinkFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "flushes_total",
			Help:      "Total number of batch flushes",
		}),
		SinkFlushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "flush_duration_seconds",
			Help:      "Batch flush duration including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		SinkRowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "rows_written_total",
			Help:      "Total number of new rows written by table",
		}, []string{"table"}),
		SinkDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "duplicates_total",
			Help:      "Total number of events skipped as duplicates by table",
		}, []string{"table"}),
		SinkRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "rows_rejected_total",
			Help:      "Total number of rows dropped for failing validation",
		}, []string{"table"}),
		SinkDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "dropped_total",
			Help:      "Total number of events dropped by the drop-oldest policy",
		}),
		SinkRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "retries_total",
			Help:      "Total number of storage write retries",
		}),
		SinkFailed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "failed",
			Help:      "1 once the sink has exhausted its retry budget",
		}),

		// Aggregator metrics
		OpenWindows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "open_windows",
			Help:      "Number of open feature windows",
		}),
		WindowsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "windows_closed_total",
			Help:      "Total number of closed feature windows",
		}, []string{"venue", "partial"}),
		LateEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "late_events_total",
			Help:      "Total number of events that arrived after their window closed",
		}, []string{"venue", "symbol"}),
		ClockSkewSamples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "clock_skew_samples_total",
			Help:      "Total number of samples whose event time is ahead of arrival beyond tolerance",
		}, []string{"venue"}),
		AggregatorDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "dropped_total",
			Help:      "Total number of samples dropped by the drop-oldest policy",
		}),
		AggregatorQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "queue_depth",
			Help:      "Samples waiting in the aggregator queue",
		}),

		// Publisher metrics
		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "errors_total",
			Help:      "Total number of failed best-effort publishes by target",
		}, []string{"target"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", prometheus.DefaultRegisterer)

// OrDefault returns m, or DefaultMetrics when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m == nil {
		return DefaultMetrics
	}
	return m
}
