package metrics

import (
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventpipe"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	ingested      *prom.CounterVec
	published     *prom.CounterVec
	processing    *prom.HistogramVec
	deliveries    *prom.CounterVec
	confirmations *prom.CounterVec
	notifications *prom.CounterVec
	httpRequests  *prom.HistogramVec
	staleRecords  prom.Gauge
	outboxPending prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		ingested: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events accepted at ingestion by type, source and result",
		}, []string{"event_type", "source", "result"}),
		published: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published to the topic or sent to a queue",
		}, []string{"destination", "result"}),
		processing: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Duration of domain processing per event",
			Buckets:   []float64{.1, .25, .5, 1, 1.5, 2, 2.5, 5, 10},
		}, []string{"result"}),
		deliveries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Queue deliveries by consumer outcome",
		}, []string{"queue", "outcome"}),
		confirmations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmations applied by final status",
		}, []string{"status", "result"}),
		notifications: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notices dispatched by channel",
		}, []string{"channel", "result"}),
		httpRequests: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prom.DefBuckets,
		}, []string{"method", "route", "status"}),
		staleRecords: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_records",
			Help:      "Records found in a non-terminal status by the last sweep",
		}),
		outboxPending: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Outbox entries awaiting publication at the last relay run",
		}),
	}
	reg.MustRegister(pr.ingested, pr.published, pr.processing, pr.deliveries, pr.confirmations,
		pr.notifications, pr.httpRequests, pr.staleRecords, pr.outboxPending)
	return pr
}

func (p *PrometheusRecorder) IncIngested(eventType, source string, result ResultLabel) {
	p.ingested.WithLabelValues(eventType, source, string(result)).Inc()
}

func (p *PrometheusRecorder) IncPublished(destination string, result ResultLabel) {
	p.published.WithLabelValues(destination, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveProcessingDuration(d time.Duration, result ResultLabel) {
	p.processing.WithLabelValues(string(result)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncDelivery(queue string, outcome DeliveryOutcome) {
	p.deliveries.WithLabelValues(queue, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncConfirmation(status string, result ResultLabel) {
	p.confirmations.WithLabelValues(status, string(result)).Inc()
}

func (p *PrometheusRecorder) IncNotification(channel string, result ResultLabel) {
	p.notifications.WithLabelValues(channel, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetStaleRecords(n int)  { p.staleRecords.Set(float64(n)) }
func (p *PrometheusRecorder) SetOutboxPending(n int) { p.outboxPending.Set(float64(n)) }
