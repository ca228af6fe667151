// Package metrics exposes sync engine, offline queue and federation state to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/federation"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/health"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespace      = "safeschool"
	collectTimeout = 2 * time.Second
)

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SyncStateSource is satisfied by *engine.Engine.
type SyncStateSource interface {
	SyncState(ctx context.Context) engine.SyncState
}

// FederationSource is satisfied by *federation.Manager.
type FederationSource interface {
	Status() federation.Status
}

// EdgeSources feeds the edge collector. Queue and Federation are optional.
type EdgeSources struct {
	Engine     SyncStateSource
	Queue      engine.OfflineQueue
	Federation FederationSource
	Logger     *zap.Logger
}

// EdgeCollector reads live state on every scrape instead of mirroring it into gauges.
type EdgeCollector struct {
	sources EdgeSources
	logger  *zap.Logger

	cloudReachable  *prometheus.Desc
	operatingMode   *prometheus.Desc
	syncStatus      *prometheus.Desc
	lastSync        *prometheus.Desc
	queueEntries    *prometheus.Desc
	queueOldest     *prometheus.Desc
	peerReachable   *prometheus.Desc
	peerOutbox      *prometheus.Desc
	peerDropped     *prometheus.Desc
	federationQueue *prometheus.Desc
	analyticsEvents *prometheus.Desc
}

// NewEdgeCollector builds a collector over the given sources.
func NewEdgeCollector(sources EdgeSources) *EdgeCollector {
	logger := sources.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EdgeCollector{
		sources: sources,
		logger:  logger,
		cloudReachable: prometheus.NewDesc(namespace+"_cloud_reachable",
			"1 when the last health check reached the cloud.", []string{"site_id"}, nil),
		operatingMode: prometheus.NewDesc(namespace+"_operating_mode",
			"1 for the current operating mode.", []string{"site_id", "mode"}, nil),
		syncStatus: prometheus.NewDesc(namespace+"_sync_status",
			"1 for the current sync status.", []string{"site_id", "status"}, nil),
		lastSync: prometheus.NewDesc(namespace+"_last_sync_timestamp_seconds",
			"Unix time of the last successful sync.", []string{"site_id"}, nil),
		queueEntries: prometheus.NewDesc(namespace+"_offline_queue_entries",
			"Offline queue entries by status.", []string{"status"}, nil),
		queueOldest: prometheus.NewDesc(namespace+"_offline_queue_oldest_pending_seconds",
			"Age of the oldest pending offline queue entry.", nil, nil),
		peerReachable: prometheus.NewDesc(namespace+"_federation_peer_reachable",
			"1 when the last exchange with the peer succeeded.", []string{"product"}, nil),
		peerOutbox: prometheus.NewDesc(namespace+"_federation_peer_outbox",
			"Events waiting for delivery to the peer.", []string{"product"}, nil),
		peerDropped: prometheus.NewDesc(namespace+"_federation_peer_dropped_total",
			"Events dropped because the peer outbox overflowed.", []string{"product"}, nil),
		federationQueue: prometheus.NewDesc(namespace+"_federation_pending_events",
			"Connector events not yet routed to peer outboxes.", nil, nil),
		analyticsEvents: prometheus.NewDesc(namespace+"_federation_analytics_events",
			"Analytics events retained in memory.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *EdgeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.cloudReachable, c.operatingMode, c.syncStatus, c.lastSync,
		c.queueEntries, c.queueOldest,
		c.peerReachable, c.peerOutbox, c.peerDropped, c.federationQueue, c.analyticsEvents,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (c *EdgeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if c.sources.Engine != nil {
		c.collectSyncState(ctx, ch)
	}
	if c.sources.Queue != nil {
		c.collectQueue(ctx, ch)
	}
	if c.sources.Federation != nil {
		c.collectFederation(ch)
	}
}

func (c *EdgeCollector) collectSyncState(ctx context.Context, ch chan<- prometheus.Metric) {
	state := c.sources.Engine.SyncState(ctx)
	ch <- prometheus.MustNewConstMetric(c.cloudReachable, prometheus.GaugeValue, boolValue(state.CloudReachable), state.SiteID)
	for _, mode := range []health.Mode{health.ModeEdge, health.ModeStandalone} {
		ch <- prometheus.MustNewConstMetric(c.operatingMode, prometheus.GaugeValue,
			boolValue(state.OperatingMode == mode), state.SiteID, string(mode))
	}
	for _, status := range []engine.Status{
		engine.StatusIdle, engine.StatusSyncing, engine.StatusSynced, engine.StatusStandalone, engine.StatusError,
	} {
		ch <- prometheus.MustNewConstMetric(c.syncStatus, prometheus.GaugeValue,
			boolValue(state.Status == status), state.SiteID, string(status))
	}
	if state.LastSyncAt != nil {
		ch <- prometheus.MustNewConstMetric(c.lastSync, prometheus.GaugeValue,
			float64(state.LastSyncAt.UnixMilli())/1000, state.SiteID)
	}
}

func (c *EdgeCollector) collectQueue(ctx context.Context, ch chan<- prometheus.Metric) {
	stats, err := c.sources.Queue.Stats(ctx)
	if err != nil {
		c.logger.Debug("queue stats unavailable for scrape", zap.Error(err))
		return
	}
	ch <- prometheus.MustNewConstMetric(c.queueEntries, prometheus.GaugeValue, float64(stats.Pending), "pending")
	ch <- prometheus.MustNewConstMetric(c.queueEntries, prometheus.GaugeValue, float64(stats.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(c.queueEntries, prometheus.GaugeValue, float64(stats.Complete), "complete")
	age := 0.0
	if stats.OldestPending != nil {
		age = time.Since(*stats.OldestPending).Seconds()
	}
	ch <- prometheus.MustNewConstMetric(c.queueOldest, prometheus.GaugeValue, age)
}

func (c *EdgeCollector) collectFederation(ch chan<- prometheus.Metric) {
	status := c.sources.Federation.Status()
	ch <- prometheus.MustNewConstMetric(c.federationQueue, prometheus.GaugeValue, float64(status.PendingEvents))
	ch <- prometheus.MustNewConstMetric(c.analyticsEvents, prometheus.GaugeValue, float64(status.AnalyticsCount))
	for _, peer := range status.Peers {
		ch <- prometheus.MustNewConstMetric(c.peerReachable, prometheus.GaugeValue, boolValue(peer.Reachable), peer.Product)
		ch <- prometheus.MustNewConstMetric(c.peerOutbox, prometheus.GaugeValue, float64(peer.Outbox), peer.Product)
		ch <- prometheus.MustNewConstMetric(c.peerDropped, prometheus.CounterValue, float64(peer.Dropped), peer.Product)
	}
}

func boolValue(value bool) float64 {
	if value {
		return 1
	}
	return 0
}

// HTTPMetrics records request counts and latencies per route.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the request metrics for one server.
func NewHTTPMetrics(registerer prometheus.Registerer, server string) *HTTPMetrics {
	constLabels := prometheus.Labels{"server": server}
	metrics := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "http_requests_total",
			Help:        "HTTP requests by route, method and status code.",
			ConstLabels: constLabels,
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency by route.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	registerer.MustRegister(metrics.requests, metrics.duration)
	return metrics
}

// Middleware observes every request. Unmatched routes are grouped under "unmatched".
func (m *HTTPMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.requests.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route, method).Observe(time.Since(started).Seconds())
	}
}
