package supervisor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors the fleet and shutdown paths
// report to. Metrics are purely observational: nothing here ever gates a
// phase's success or failure.
type Metrics struct {
	registry *prometheus.Registry

	workerRestarts  *prometheus.CounterVec
	workerState     *prometheus.GaugeVec
	phaseDuration   *prometheus.HistogramVec
	shutdownExit    prometheus.Gauge
	portLeaks       prometheus.Counter
	zombiesDetected prometheus.Counter
}

// NewMetrics builds and registers all collectors against a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		workerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reposupervisor_worker_restarts_total",
				Help: "Total number of times a worker has been restarted.",
			},
			[]string{"worker"},
		),
		workerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reposupervisor_worker_state",
				Help: "Current lifecycle state of a worker (1 = active state, 0 = inactive).",
			},
			[]string{"worker", "state"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reposupervisor_shutdown_phase_duration_seconds",
				Help:    "Duration of each shutdown orchestration phase.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		shutdownExit: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reposupervisor_shutdown_exit_code",
				Help: "Exit code produced by the most recent shutdown.",
			},
		),
		portLeaks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reposupervisor_port_leaks_total",
				Help: "Total number of worker ports that failed to release after shutdown.",
			},
		),
		zombiesDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reposupervisor_zombies_detected_total",
				Help: "Total number of zombie descendant processes detected during verification.",
			},
		),
	}

	reg.MustRegister(
		m.workerRestarts,
		m.workerState,
		m.phaseDuration,
		m.shutdownExit,
		m.portLeaks,
		m.zombiesDetected,
	)

	return m
}

// Handler exposes the registry over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncWorkerRestart(worker string) {
	m.workerRestarts.WithLabelValues(worker).Inc()
}

// SetWorkerState marks state active (1) for worker and zeroes every other
// known state label, so only one state gauge reads 1 per worker at a time.
func (m *Metrics) SetWorkerState(worker, state string) {
	for _, s := range []string{"new", "starting", "running", "failed", "draining", "exited"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.workerState.WithLabelValues(worker, s).Set(v)
	}
}

func (m *Metrics) ObservePhaseDuration(phase string, d time.Duration) {
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) SetShutdownExitCode(code int) {
	m.shutdownExit.Set(float64(code))
}

func (m *Metrics) IncPortLeak() {
	m.portLeaks.Inc()
}

func (m *Metrics) AddZombiesDetected(n int) {
	m.zombiesDetected.Add(float64(n))
}
