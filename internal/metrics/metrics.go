// Package metrics exposes Prometheus collectors for live queries, mutations and HTTP requests.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roam"

// Collector records subscription, mutation and request metrics.
type Collector struct {
	feedsActive       *prometheus.GaugeVec
	feedEvents        *prometheus.CounterVec
	snapshots         *prometheus.CounterVec
	snapshotDocuments *prometheus.HistogramVec
	mutations         *prometheus.CounterVec
	mutationLatency   *prometheus.HistogramVec
	requests          *prometheus.CounterVec
	requestLatency    *prometheus.HistogramVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Collector, error) {
	if registerer == nil {
		return nil, errors.New("metrics: registerer is required")
	}
	collector := &Collector{
		feedsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_queries_active",
				Help:      "Number of established live queries",
			},
			[]string{"kind"},
		),
		feedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_query_events_total",
				Help:      "Lifecycle events of live queries",
			},
			[]string{"kind", "event"},
		),
		snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_total",
				Help:      "Result sets pushed by the document store",
			},
			[]string{"kind"},
		),
		snapshotDocuments: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_documents",
				Help:      "Documents per pushed result set",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"kind"},
		),
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Completed mutations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		mutationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mutation_duration_seconds",
				Help:      "Duration of mutations including queueing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	for _, item := range []prometheus.Collector{
		collector.feedsActive,
		collector.feedEvents,
		collector.snapshots,
		collector.snapshotDocuments,
		collector.mutations,
		collector.mutationLatency,
		collector.requests,
		collector.requestLatency,
	} {
		if err := registerer.Register(item); err != nil {
			return nil, err
		}
	}
	return collector, nil
}

func (c *Collector) FeedOpened(kind string) {
	c.feedsActive.WithLabelValues(kind).Inc()
	c.feedEvents.WithLabelValues(kind, "opened").Inc()
}

func (c *Collector) FeedClosed(kind string) {
	c.feedsActive.WithLabelValues(kind).Dec()
	c.feedEvents.WithLabelValues(kind, "closed").Inc()
}

func (c *Collector) SnapshotReceived(kind string, documents int) {
	c.snapshots.WithLabelValues(kind).Inc()
	c.snapshotDocuments.WithLabelValues(kind).Observe(float64(documents))
}

func (c *Collector) ReconnectAttempted(kind string) {
	c.feedEvents.WithLabelValues(kind, "reconnect").Inc()
}

func (c *Collector) FeedFailed(kind string) {
	c.feedEvents.WithLabelValues(kind, "failed").Inc()
}

// MutationCompleted counts a finished mutation as success or failure.
func (c *Collector) MutationCompleted(operation string, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.mutations.WithLabelValues(operation, outcome).Inc()
	c.mutationLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RequestCompleted records one served HTTP request. route is the matched route pattern.
func (c *Collector) RequestCompleted(method, route string, status int, elapsed time.Duration) {
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
