// Package metrics exposes supervisor counters and worker gauges to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"project"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops; forced=true when SIGKILL was needed.",
		}, []string{"project", "forced"},
	)
	workerStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "start_failures_total",
			Help:      "Number of workers that exited during startup.",
		}, []string{"project"},
	)
	staleCleared = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "stale_cleared_total",
			Help:      "Number of stale pid records removed by reconciliation.",
		}, []string{"project"},
	)
	rotationArchived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "archived_total",
			Help:      "Number of log files compressed into the archive.",
		}, []string{"project"},
	)
	rotationExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "expired_total",
			Help:      "Number of archives deleted by the retention policy.",
		}, []string{"project"},
	)
	rotationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "failures_total",
			Help:      "Number of per-file rotation failures.",
		}, []string{"project"},
	)

	workerRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running",
			Help:      "1 when the worker is live, 0 otherwise.",
		}, []string{"project"},
	)
	workerCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the worker.",
		}, []string{"project"},
	)
	workerMemoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the worker.",
		}, []string{"project"},
	)
	workerThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "num_threads",
			Help:      "Number of threads of the worker.",
		}, []string{"project"},
	)
	logSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "size_bytes",
			Help:      "Size of today's log file.",
		}, []string{"project"},
	)
	logLines = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "lines",
			Help:      "Lines in today's log file per classifier rule; rule=\"all\" counts every line.",
		}, []string{"project", "rule"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		workerStarts, workerStops, workerStartFailures, staleCleared,
		rotationArchived, rotationExpired, rotationFailures,
		workerRunning, workerCPUPercent, workerMemoryRSS, workerThreads, logSize, logLines,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the metrics of g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile atomically writes the metrics of g for the node_exporter
// textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by the supervisor to record metrics.
// They no-op if Register hasn't been called.

func IncStart(project string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(project).Inc()
	}
}

func IncStop(project string, forced bool) {
	if regOK.Load() {
		workerStops.WithLabelValues(project, strconv.FormatBool(forced)).Inc()
	}
}

func IncStartFailure(project string) {
	if regOK.Load() {
		workerStartFailures.WithLabelValues(project).Inc()
	}
}

func IncStaleCleared(project string) {
	if regOK.Load() {
		staleCleared.WithLabelValues(project).Inc()
	}
}

func AddRotation(project string, archived, expired, failures int) {
	if !regOK.Load() {
		return
	}
	rotationArchived.WithLabelValues(project).Add(float64(archived))
	rotationExpired.WithLabelValues(project).Add(float64(expired))
	rotationFailures.WithLabelValues(project).Add(float64(failures))
}

// WorkerSample is one observation of the worker and today's log.
type WorkerSample struct {
	Running    bool
	CPUPercent float64
	MemoryRSS  uint64
	NumThreads int32
	LogSize    int64
	LogLines   int
	RuleCounts map[string]int
}

func ObserveWorker(project string, s WorkerSample) {
	if !regOK.Load() {
		return
	}
	running := 0.0
	if s.Running {
		running = 1
	}
	workerRunning.WithLabelValues(project).Set(running)
	workerCPUPercent.WithLabelValues(project).Set(s.CPUPercent)
	workerMemoryRSS.WithLabelValues(project).Set(float64(s.MemoryRSS))
	workerThreads.WithLabelValues(project).Set(float64(s.NumThreads))
	logSize.WithLabelValues(project).Set(float64(s.LogSize))
	logLines.WithLabelValues(project, "all").Set(float64(s.LogLines))
	for rule, n := range s.RuleCounts {
		logLines.WithLabelValues(project, rule).Set(float64(n))
	}
}
