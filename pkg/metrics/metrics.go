// Package metrics exposes the broker's operational metrics through a
// Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's instruments, bound to one registry so tests
// can run brokers side by side
type Metrics struct {
	Registry *prometheus.Registry

	PartitionCount        prometheus.GaugeFunc
	LeaderCount           prometheus.GaugeFunc
	OfflinePartitionCount prometheus.GaugeFunc
	ProducePurgatorySize  prometheus.GaugeFunc
	FetchPurgatorySize    prometheus.GaugeFunc

	FailedProduces prometheus.Counter
	FailedFetches  prometheus.Counter

	AppendLatency prometheus.Histogram
}

// Gauges are late-bound callbacks into the replica manager
type Gauges struct {
	PartitionCount        func() float64
	LeaderCount           func() float64
	OfflinePartitionCount func() float64
	ProducePurgatorySize  func() float64
	FetchPurgatorySize    func() float64
}

// New creates a registry with the broker's instruments registered
func New(brokerID int32, g Gauges) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	constLabels := prometheus.Labels{"broker": strconv.Itoa(int(brokerID))}

	m := &Metrics{Registry: registry}

	m.PartitionCount = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "corelog_partition_count",
		Help:        "Number of partitions hosted on this broker",
		ConstLabels: constLabels,
	}, g.PartitionCount)
	m.LeaderCount = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "corelog_leader_count",
		Help:        "Number of partitions this broker leads",
		ConstLabels: constLabels,
	}, g.LeaderCount)
	m.OfflinePartitionCount = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "corelog_offline_partition_count",
		Help:        "Number of partitions in failed log directories",
		ConstLabels: constLabels,
	}, g.OfflinePartitionCount)
	m.ProducePurgatorySize = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "corelog_produce_purgatory_size",
		Help:        "Delayed produce operations pending",
		ConstLabels: constLabels,
	}, g.ProducePurgatorySize)
	m.FetchPurgatorySize = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "corelog_fetch_purgatory_size",
		Help:        "Delayed fetch operations pending",
		ConstLabels: constLabels,
	}, g.FetchPurgatorySize)

	m.FailedProduces = factory.NewCounter(prometheus.CounterOpts{
		Name:        "corelog_failed_produce_requests_total",
		Help:        "Produce requests answered with an error",
		ConstLabels: constLabels,
	})
	m.FailedFetches = factory.NewCounter(prometheus.CounterOpts{
		Name:        "corelog_failed_fetch_requests_total",
		Help:        "Fetch requests answered with an error",
		ConstLabels: constLabels,
	})

	m.AppendLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:        "corelog_append_latency_seconds",
		Help:        "Leader append latency",
		ConstLabels: constLabels,
		Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
