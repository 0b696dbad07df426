// Package metrics holds the Prometheus instruments of one rank.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all instruments of a rank. Every series carries a constant
// rank label so several ranks can share one registry in a local cluster.
type Metrics struct {
	// Collective phase timing
	PhaseSeconds *prometheus.HistogramVec // memstripe_collective_phase_seconds{op,phase}
	CallSeconds  *prometheus.HistogramVec // memstripe_collective_call_seconds{op,role}

	BytesWritten prometheus.Counter
	BytesRead    prometheus.Counter
	FatalAborts  *prometheus.CounterVec // memstripe_fatal_aborts_total{reason}

	// Namespace replication
	Notifications *prometheus.CounterVec // memstripe_notifications_total{type,direction}

	// Capacity gauges
	UsedInodes   prometheus.Gauge
	UsedBlocks   prometheus.Gauge
	ArenaBuffers prometheus.Gauge
}

// New registers the instruments of rank with registry. A nil registry gets a
// private one, which keeps repeated construction in tests legal.
func New(registry prometheus.Registerer, rank int) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"rank": strconv.Itoa(rank)}, registry)
	f := promauto.With(reg)

	return &Metrics{
		PhaseSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memstripe_collective_phase_seconds",
			Help:    "Duration of the scatter, gather and commit phases of collective I/O",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op", "phase"}),

		CallSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memstripe_collective_call_seconds",
			Help:    "Duration of whole collective read and write calls",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op", "role"}),

		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "memstripe_bytes_written_total",
			Help: "Bytes committed by collective writes initiated on this rank",
		}),

		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "memstripe_bytes_read_total",
			Help: "Bytes returned by collective reads initiated on this rank",
		}),

		FatalAborts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memstripe_fatal_aborts_total",
			Help: "Transitions of the engine into a terminal state",
		}, []string{"reason"}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memstripe_notifications_total",
			Help: "Request notifications sent and received",
		}, []string{"type", "direction"}),

		UsedInodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "memstripe_used_inodes",
			Help: "Inodes registered in the local inode table",
		}),

		UsedBlocks: f.NewGauge(prometheus.GaugeOpts{
			Name: "memstripe_used_blocks",
			Help: "Blocks accounted to files in the local inode table",
		}),

		ArenaBuffers: f.NewGauge(prometheus.GaugeOpts{
			Name: "memstripe_arena_buffers",
			Help: "Block buffers currently allocated in the local arena",
		}),
	}
}

// Handler serves the default gatherer, or gatherer when given.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
