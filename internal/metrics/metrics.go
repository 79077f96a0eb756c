package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	latencyBucketsMS  = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}
	finalizeBucketsMS = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000}
)

// Registry wraps a prometheus registry with name-addressed vectors so call
// sites can record samples without holding collector handles.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	r.reg.MustRegister(collectors.NewGoCollector())
	r.reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("meetrec_sessions_created_total", "Total sessions accepted by the lifecycle manager.")
	r.RegisterCounter("meetrec_session_transitions_total", "Total session state transitions by source and target status.", "from", "to")
	r.RegisterGauge("meetrec_sessions_active", "Sessions not yet in a terminal status.")
	r.RegisterGauge("meetrec_audio_sinks_bound", "Virtual audio sinks currently allocated.")
	r.RegisterCounter("meetrec_audio_sink_operations_total", "Audio sink load/unload attempts by operation and status.", "op", "status")
	r.RegisterCounter("meetrec_audio_xruns_total", "Capture underruns and overruns reported by the encoder.", "kind")
	r.RegisterCounter("meetrec_audio_device_lost_total", "Captures that ended because the audio device went away.")
	r.RegisterCounter("meetrec_agent_events_total", "Meeting agent events received by type.", "event")
	r.RegisterCounter("meetrec_agent_connections_total", "Meeting agent websocket connection attempts by status.", "status")
	r.RegisterHistogram("meetrec_finalize_duration_ms", "Finalizer duration in milliseconds by resulting status.", finalizeBucketsMS, "status")
	r.RegisterCounter("meetrec_storage_operations_total", "Storage backend operations by backend, operation, and status.", "backend", "op", "status")
	r.RegisterHistogram("meetrec_storage_latency_ms", "Storage backend latency in milliseconds by backend, operation, and status.", latencyBucketsMS, "backend", "op", "status")
	r.RegisterCounter("meetrec_s3_retries_total", "Total S3 retries by operation and error code.", "op", "reason")
	r.RegisterCounter("meetrec_s3_retry_exhausted_total", "Total S3 operations that exhausted retry attempts by operation.", "op")
	r.RegisterCounter("meetrec_webhook_deliveries_total", "Webhook delivery attempts by status.", "status")
	r.RegisterHistogram("meetrec_webhook_latency_ms", "Webhook delivery latency in milliseconds by status.", latencyBucketsMS, "status")
	r.RegisterCounter("meetrec_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("meetrec_job_duration_ms", "Background job duration in milliseconds by job.", []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}, "job")
	r.RegisterCounter("meetrec_archive_writes_total", "Session archive writes by status.", "status")
}

func (r *Registry) RegisterCounter(name, help string, labelNames ...string) {
	vec := promauto.With(r.reg).NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] = vec
}

func (r *Registry) RegisterGauge(name, help string, labelNames ...string) {
	vec := promauto.With(r.reg).NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) {
	vec := promauto.With(r.reg).NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name] = vec
}

// IncCounter ignores unknown names and label sets that do not match the
// registered label names.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.RLock()
	vec := r.counters[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Inc()
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.histograms[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

func (r *Registry) AddGauge(name string, delta float64, labels map[string]string) {
	if g := r.gauge(name, labels); g != nil {
		g.Add(delta)
	}
}

func (r *Registry) gauge(name string, labels map[string]string) prometheus.Gauge {
	r.mu.RLock()
	vec := r.gauges[name]
	r.mu.RUnlock()
	if vec == nil {
		return nil
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return g
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
