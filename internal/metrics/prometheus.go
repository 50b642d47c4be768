package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"honeyguard/internal/model"
)

// Collector owns a private registry so tests and multiple engines never
// collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	duplicatesTotal  prometheus.Counter
	rejectedTotal    *prometheus.CounterVec
	pipelineErrors   *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec
	evidenceTotal    *prometheus.CounterVec
	integrityTotal   prometheus.Counter
	honeytokenHits   prometheus.Counter
	overallScore     prometheus.Histogram
	processSeconds   prometheus.Histogram
	storeRetries     *prometheus.CounterVec
	trackedUsersDesc *prometheus.Desc
	queueDepthDesc   *prometheus.Desc

	snapshot   *Store
	queueDepth func() int
}

func NewCollector(snapshot *Store, queueDepth func() int) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeyguard", Name: "events_processed_total",
			Help: "Activity events that went through the pipeline.",
		}, []string{"source"}),
		duplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "honeyguard", Name: "events_duplicate_total",
			Help: "Activity events dropped as redeliveries.",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeyguard", Name: "events_rejected_total",
			Help: "Submissions rejected before entering the pipeline.",
		}, []string{"reason"}),
		pipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeyguard", Name: "pipeline_errors_total",
			Help: "Failures inside the pipeline by stage.",
		}, []string{"stage"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeyguard", Name: "alerts_total",
			Help: "Alerts raised.",
		}, []string{"type", "severity"}),
		evidenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeyguard", Name: "evidence_collections_total",
			Help: "Evidence collections by outcome.",
		}, []string{"outcome"}),
		integrityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "honeyguard", Name: "evidence_integrity_violations_total",
			Help: "Evidence bundles whose hash no longer matches.",
		}),
		honeytokenHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "honeyguard", Name: "honeytoken_accesses_total",
			Help: "Recorded honeytoken accesses.",
		}),
		overallScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "honeyguard", Name: "overall_anomaly_score",
			Help:    "Distribution of per-event overall anomaly scores.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "honeyguard", Name: "event_process_seconds",
			Help:    "Wall time of one pipeline run.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeyguard", Name: "store_retries_total",
			Help: "Retried persistence calls by operation.",
		}, []string{"op"}),
		trackedUsersDesc: prometheus.NewDesc("honeyguard_tracked_users", "Users with an analysis snapshot.", nil, nil),
		queueDepthDesc:   prometheus.NewDesc("honeyguard_ingest_queue_depth", "Events waiting for a worker.", nil, nil),
		snapshot:         snapshot,
		queueDepth:       queueDepth,
	}
	c.registry.MustRegister(
		c.eventsTotal, c.duplicatesTotal, c.rejectedTotal, c.pipelineErrors,
		c.alertsTotal, c.evidenceTotal, c.integrityTotal, c.honeytokenHits,
		c.overallScore, c.processSeconds, c.storeRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c,
	)
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.trackedUsersDesc
	ch <- c.queueDepthDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.snapshot != nil {
		ch <- prometheus.MustNewConstMetric(c.trackedUsersDesc, prometheus.GaugeValue, float64(c.snapshot.Len()))
	}
	if c.queueDepth != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(c.queueDepth()))
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) EventProcessed(source string, overall float64, seconds float64) {
	if source == "" {
		source = "unknown"
	}
	c.eventsTotal.WithLabelValues(source).Inc()
	c.overallScore.Observe(overall)
	c.processSeconds.Observe(seconds)
}

func (c *Collector) Duplicate() {
	c.duplicatesTotal.Inc()
}

func (c *Collector) Rejected(reason string) {
	c.rejectedTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) PipelineError(stage string) {
	c.pipelineErrors.WithLabelValues(stage).Inc()
}

func (c *Collector) HoneytokenAccess() {
	c.honeytokenHits.Inc()
}

func (c *Collector) StoreRetry(op string) {
	c.storeRetries.WithLabelValues(op).Inc()
}

func (c *Collector) AlertRaised(a model.Alert) {
	c.alertsTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}

func (c *Collector) EvidenceCollected(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	c.evidenceTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) IntegrityViolation() {
	c.integrityTotal.Inc()
}
