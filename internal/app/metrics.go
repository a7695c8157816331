package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuetzliches/quegate/internal/engine"
	"github.com/nuetzliches/quegate/internal/gateway"
	"github.com/nuetzliches/quegate/internal/monitor"
	"github.com/nuetzliches/quegate/internal/scripts"
)

const queueScrapeTimeout = 10 * time.Second

type gatewayMetrics struct {
	registry *prometheus.Registry

	requests              *prometheus.CounterVec
	requestDuration       *prometheus.HistogramVec
	engineRoundTrips      *prometheus.HistogramVec
	scriptLoads           *prometheus.CounterVec
	scriptMismatches      *prometheus.CounterVec
	monitorBranchFailures *prometheus.CounterVec
	auditDropped          prometheus.Counter
	tracingEnabled        prometheus.Gauge
	tracingExportErrors   prometheus.Counter
}

func newGatewayMetrics(start time.Time) *gatewayMetrics {
	m := &gatewayMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quegate_http_requests_total",
			Help: "Gateway requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quegate_http_request_duration_seconds",
			Help:    "Gateway request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		engineRoundTrips: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quegate_engine_round_trip_seconds",
			Help:    "Engine request round trip latency by operation and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		scriptLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quegate_script_loads_total",
			Help: "Scripts uploaded to the store.",
		}, []string{"script"}),
		scriptMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quegate_script_hash_mismatches_total",
			Help: "Script uploads whose store hash differed from the local digest.",
		}, []string{"script"}),
		monitorBranchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quegate_monitor_branch_failures_total",
			Help: "Queue size queries that failed or timed out during monitor collection.",
		}, []string{"reason"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quegate_audit_entries_dropped_total",
			Help: "Audit entries dropped because the recorder buffer was full.",
		}),
		tracingEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quegate_tracing_enabled",
			Help: "Whether trace export is enabled (1) or not (0).",
		}),
		tracingExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quegate_tracing_export_errors_total",
			Help: "Errors reported by the trace exporter.",
		}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "quegate_build_info",
		Help:        "Build metadata of the running binary.",
		ConstLabels: prometheus.Labels{"version": version, "commit": commit},
	})
	buildInfo.Set(1)
	startTime := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quegate_start_time_seconds",
		Help: "Unix time the process started.",
	})
	startTime.Set(float64(start.Unix()))

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.engineRoundTrips,
		m.scriptLoads,
		m.scriptMismatches,
		m.monitorBranchFailures,
		m.auditDropped,
		m.tracingEnabled,
		m.tracingExportErrors,
		buildInfo,
		startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *gatewayMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *gatewayMetrics) observeRequest(ev gateway.RequestEvent) {
	m.requests.WithLabelValues(ev.Route, ev.Method, strconv.Itoa(ev.Status)).Inc()
	m.requestDuration.WithLabelValues(ev.Route).Observe(ev.Duration.Seconds())
}

func (m *gatewayMetrics) observeRoundTrip(op engine.Operation, d time.Duration, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case errors.Is(err, engine.ErrBusClosed):
		outcome = "closed"
	case err != nil:
		outcome = "error"
	}
	m.engineRoundTrips.WithLabelValues(string(op), outcome).Observe(d.Seconds())
}

func (m *gatewayMetrics) observeScriptLoad(id scripts.ID, _ string) {
	m.scriptLoads.WithLabelValues(string(id)).Inc()
}

func (m *gatewayMetrics) observeScriptMismatch(id scripts.ID, _, _ string) {
	m.scriptMismatches.WithLabelValues(string(id)).Inc()
}

func (m *gatewayMetrics) observeMonitorBranch(_ string, err error) {
	reason := "error"
	if errors.Is(err, monitor.ErrBranchTimeout) {
		reason = "timeout"
	}
	m.monitorBranchFailures.WithLabelValues(reason).Inc()
}

// queueCollector reports every queue's size at scrape time.
type queueCollector struct {
	sender    engine.Sender
	monitor   *monitor.Aggregator
	queueSize *prometheus.Desc
}

func newQueueCollector(sender engine.Sender, agg *monitor.Aggregator) *queueCollector {
	return &queueCollector{
		sender:  sender,
		monitor: agg,
		queueSize: prometheus.NewDesc(
			"quegate_queue_items",
			"Number of items in each queue.",
			[]string{"queue"}, nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueSize
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), queueScrapeTimeout)
	defer cancel()

	names, err := gateway.EngineQueueNames(ctx, c.sender)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.queueSize, err)
		return
	}
	sizes, err := c.monitor.Collect(ctx, monitor.Request{QueueNames: names, IncludeEmpty: true})
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.queueSize, err)
		return
	}
	for _, qs := range sizes {
		ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(qs.Size), qs.Name)
	}
}
