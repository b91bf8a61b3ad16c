package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	regOnce sync.Once
	testReg *prometheus.Registry
)

// registry returns the registry all tests share; collectors are package-level.
func registry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOnce.Do(func() {
		testReg = prometheus.NewRegistry()
		require.NoError(t, Register(testReg))
	})
	return testReg
}

func TestRegisterIdempotent(t *testing.T) {
	reg := registry(t)
	require.NoError(t, Register(reg))
	require.NoError(t, Register(prometheus.NewRegistry()), "later calls are no-ops")
}

func TestCounters(t *testing.T) {
	registry(t)
	IncStart("counters")
	IncStart("counters")
	IncStop("counters", false)
	IncStop("counters", true)
	IncStartFailure("counters")
	IncStaleCleared("counters")
	AddRotation("counters", 3, 1, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(workerStarts.WithLabelValues("counters")))
	assert.Equal(t, 1.0, testutil.ToFloat64(workerStops.WithLabelValues("counters", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(workerStops.WithLabelValues("counters", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(workerStartFailures.WithLabelValues("counters")))
	assert.Equal(t, 1.0, testutil.ToFloat64(staleCleared.WithLabelValues("counters")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rotationArchived.WithLabelValues("counters")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rotationExpired.WithLabelValues("counters")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rotationFailures.WithLabelValues("counters")))
}

func TestObserveWorker(t *testing.T) {
	registry(t)
	ObserveWorker("gauges", WorkerSample{
		Running: true, CPUPercent: 12.5, MemoryRSS: 1024, NumThreads: 3,
		LogSize: 2048, LogLines: 15, RuleCounts: map[string]int{"error": 10, "success": 5},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(workerRunning.WithLabelValues("gauges")))
	assert.Equal(t, 12.5, testutil.ToFloat64(workerCPUPercent.WithLabelValues("gauges")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(workerMemoryRSS.WithLabelValues("gauges")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(logSize.WithLabelValues("gauges")))
	assert.Equal(t, 15.0, testutil.ToFloat64(logLines.WithLabelValues("gauges", "all")))
	assert.Equal(t, 10.0, testutil.ToFloat64(logLines.WithLabelValues("gauges", "error")))

	ObserveWorker("gauges", WorkerSample{})
	assert.Equal(t, 0.0, testutil.ToFloat64(workerRunning.WithLabelValues("gauges")))
}

func TestHandler(t *testing.T) {
	reg := registry(t)
	IncStart("http")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `botvisor_worker_starts_total{project="http"} 1`)
}

func TestWriteTextfile(t *testing.T) {
	reg := registry(t)
	IncStaleCleared("textfile")

	path := filepath.Join(t.TempDir(), "botvisor.prom")
	require.NoError(t, WriteTextfile(path, reg))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), `botvisor_registry_stale_cleared_total{project="textfile"} 1`))
}
