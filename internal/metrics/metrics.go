package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NodePath81/fbspeed/internal/speedtest"
)

const Namespace = "fbspeed"

// Metrics exports run results to Prometheus. It implements speedtest.Reporter
// and owns its registry, so several instances can coexist.
type Metrics struct {
	registry *prometheus.Registry

	latency       prometheus.Gauge
	throughput    *prometheus.GaugeVec
	progress      prometheus.Gauge
	phase         *prometheus.GaugeVec
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	bytes         *prometheus.CounterVec
	lastRun       prometheus.Gauge

	mu           sync.Mutex
	currentPhase speedtest.Phase
	now          func() time.Time
}

func NewMetrics(hostname string) *Metrics {
	return newMetrics(hostname, time.Now)
}

func newMetrics(hostname string, now func() time.Time) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	labels := prometheus.Labels{}
	if hostname != "" {
		labels["hostname"] = hostname
	}
	factory := promauto.With(prometheus.WrapRegistererWith(labels, reg))
	startTime := now()

	m := &Metrics{
		registry: reg,
		now:      now,
		latency: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "ping_latency_ms",
			Help:      "Latency of the most recent ping phase in milliseconds",
		}),
		throughput: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "throughput_mbps",
			Help:      "Throughput of the most recent transfer phase in megabits per second",
		}, []string{"direction"}),
		progress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "progress_percent",
			Help:      "Progress of the current run",
		}),
		phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "phase",
			Help:      "Current run phase (1 for the active phase)",
		}, []string{"phase"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Count of finished runs by result",
		}, []string{"result"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "failures_total",
			Help:      "Count of failed runs by error kind",
		}, []string{"kind"}),
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "phase_duration_seconds",
			Help:      "Measured duration of each phase",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"phase"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by transfer phases",
		}, []string{"direction"}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last finished run",
		}),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the exporter started",
	}, func() float64 {
		return m.now().Sub(startTime).Seconds()
	})

	for _, r := range []string{"complete", "failed"} {
		m.runs.WithLabelValues(r)
	}
	m.setPhase(speedtest.PhaseIdle)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) OnPhaseStarted(phase speedtest.Phase) {
	m.setPhase(phase)
}

func (m *Metrics) OnMetricReady(result speedtest.PhaseResult) {
	switch result.Phase {
	case speedtest.PhasePing:
		m.latency.Set(result.Value)
	case speedtest.PhaseDownload, speedtest.PhaseUpload:
		dir := result.Phase.String()
		m.throughput.WithLabelValues(dir).Set(result.Value)
		m.bytes.WithLabelValues(dir).Add(float64(result.Bytes))
	}
	m.phaseDuration.WithLabelValues(result.Phase.String()).Observe(result.Elapsed.Seconds())
}

func (m *Metrics) OnProgress(percent int) {
	m.progress.Set(float64(percent))
}

func (m *Metrics) OnRunComplete(speedtest.RunState) {
	m.setPhase(speedtest.PhaseComplete)
	m.runs.WithLabelValues("complete").Inc()
	m.lastRun.Set(float64(m.now().Unix()))
}

func (m *Metrics) OnRunFailed(err error) {
	m.setPhase(speedtest.PhaseFailed)
	m.runs.WithLabelValues("failed").Inc()
	m.failures.WithLabelValues(string(speedtest.KindOf(err))).Inc()
	m.lastRun.Set(float64(m.now().Unix()))
}

func (m *Metrics) setPhase(phase speedtest.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase.WithLabelValues(m.currentPhase.String()).Set(0)
	m.phase.WithLabelValues(phase.String()).Set(1)
	m.currentPhase = phase
}
