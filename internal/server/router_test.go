package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/logstore"
	"github.com/loykin/botvisor/internal/status"
	bvtls "github.com/loykin/botvisor/internal/tls"
)

type fakeSource struct {
	snap     status.Snapshot
	snapErr  error
	lines    []string
	logErr   error
	lastDate time.Time
	lastN    int
	lastRule string
}

func (f *fakeSource) Status(context.Context) (status.Snapshot, error) { return f.snap, f.snapErr }

func (f *fakeSource) LogStats(d time.Time) (logstore.Stats, error) {
	f.lastDate = d
	if f.logErr != nil {
		return logstore.Stats{}, f.logErr
	}
	return logstore.Stats{LineCount: 15, Counts: map[string]int{"error": 10, "success": 5}}, nil
}

func (f *fakeSource) Tail(d time.Time, n int) ([]string, error) {
	f.lastDate, f.lastN = d, n
	return f.lines, f.logErr
}

func (f *fakeSource) Search(d time.Time, rule string, limit int) ([]string, error) {
	f.lastDate, f.lastRule, f.lastN = d, rule, limit
	if rule == "bogus" {
		return nil, &logstore.UnknownRuleError{Name: rule}
	}
	return f.lines, f.logErr
}

func (f *fakeSource) LogFiles() ([]logstore.File, error) {
	return []logstore.File{{Path: "/logs/bot_20260101.log", State: logstore.StateActive}}, nil
}

func setupRouter(t *testing.T, src Source, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(src, prometheus.NewRegistry(), base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatus(t *testing.T) {
	src := &fakeSource{snap: status.Snapshot{Project: "bot", Running: true, PID: 42}}
	h := setupRouter(t, src, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var got status.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Running)
	assert.Equal(t, 42, got.PID)

	src.snapErr = errors.New("registry unreadable")
	rec = doReq(t, h, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNoMutatingEndpoints(t *testing.T) {
	h := setupRouter(t, &fakeSource{}, "")
	for _, p := range []string{"/start", "/stop", "/restart", "/status"} {
		rec := doReq(t, h, http.MethodPost, p)
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
	}
}

func TestLogStats(t *testing.T) {
	src := &fakeSource{}
	h := setupRouter(t, src, "")

	rec := doReq(t, h, http.MethodGet, "/logs/stats?date=20260102")
	require.Equal(t, http.StatusOK, rec.Code)
	var st logstore.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 10, st.ErrorCount())
	assert.Equal(t, "20260102", src.lastDate.Format(logstore.DateLayout))

	rec = doReq(t, h, http.MethodGet, "/logs/stats?date=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	src.logErr = logstore.ErrNoLogData
	rec = doReq(t, h, http.MethodGet, "/logs/stats")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogTail(t *testing.T) {
	src := &fakeSource{lines: []string{"a", "b"}}
	h := setupRouter(t, src, "")

	rec := doReq(t, h, http.MethodGet, "/logs/tail")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultTail, src.lastN)
	var resp linesResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"a", "b"}, resp.Lines)

	doReq(t, h, http.MethodGet, "/logs/tail?n=999999")
	assert.Equal(t, maxTail, src.lastN)

	for _, bad := range []string{"0", "-1", "x"} {
		rec = doReq(t, h, http.MethodGet, "/logs/tail?n="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestLogSearch(t *testing.T) {
	src := &fakeSource{}
	h := setupRouter(t, src, "")

	rec := doReq(t, h, http.MethodGet, "/logs/search")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, logstore.RuleError, src.lastRule)
	var resp linesResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Lines)
	assert.NotNil(t, resp.Lines)
	assert.Equal(t, "no matching lines", resp.Note)

	rec = doReq(t, h, http.MethodGet, "/logs/search?rule=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogFiles(t *testing.T) {
	h := setupRouter(t, &fakeSource{}, "")
	rec := doReq(t, h, http.MethodGet, "/logs/files")
	require.Equal(t, http.StatusOK, rec.Code)
	var files []logstore.File
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, logstore.StateActive, files[0].State)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "botvisor_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h := NewRouter(&fakeSource{}, reg, "").Handler()

	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "botvisor_test_total 1")

	h = NewRouter(&fakeSource{}, nil, "").Handler()
	rec = doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartServes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, addr, err := Start("127.0.0.1:0", NewRouter(&fakeSource{}, nil, "").Handler(), nil)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + addr.String() + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, _, err = Start(addr.String(), http.NotFoundHandler(), nil)
	assert.Error(t, err, "address already in use")
}

func TestStartServesTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tlsCfg, err := bvtls.ServerConfig(bvtls.Config{Dir: t.TempDir(), AutoGenerate: true})
	require.NoError(t, err)
	srv, addr, err := Start("127.0.0.1:0", NewRouter(&fakeSource{}, nil, "").Handler(), tlsCfg)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- self-signed test certificate
	}}
	resp, err := client.Get("https://" + addr.String() + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.TLS)
	assert.Equal(t, uint16(tls.VersionTLS13), resp.TLS.Version)
}

func TestHandlerMountsInEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(&fakeSource{snap: status.Snapshot{Project: "bot"}}, nil, "/bot").Handler()
	e := echo.New()
	e.Any("/bot", echo.WrapHandler(h))
	e.Any("/bot/*", echo.WrapHandler(h))

	rec := doReq(t, e, http.MethodGet, "/bot/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"project":"bot"`)

	rec = doReq(t, e, http.MethodPost, "/bot/status")
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase(" / "))
	assert.Equal(t, "/api", sanitizeBase("api/"))
	assert.Equal(t, "/a/b", sanitizeBase("/a/b//"))
}
