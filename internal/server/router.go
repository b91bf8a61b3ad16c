// Package server provides a read-only HTTP view of a supervised project.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botvisor/internal/logstore"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/status"
)

const (
	defaultTail = 10
	maxTail     = 1000
	maxSearch   = 1000
)

// Source is the read side of a supervisor.
type Source interface {
	Status(ctx context.Context) (status.Snapshot, error)
	LogStats(date time.Time) (logstore.Stats, error)
	Tail(date time.Time, n int) ([]string, error)
	Search(date time.Time, rule string, limit int) ([]string, error)
	LogFiles() ([]logstore.File, error)
}

// Router serves read-only endpoints. There is no way to start or stop
// the worker over HTTP.
//
//	GET {basePath}/status
//	GET {basePath}/logs/stats   query: date=YYYYMMDD (optional)
//	GET {basePath}/logs/tail    query: n=10, date
//	GET {basePath}/logs/search  query: rule=error, limit=50, date
//	GET {basePath}/logs/files
//	GET {basePath}/metrics
type Router struct {
	src      Source
	gatherer prometheus.Gatherer
	basePath string
	now      func() time.Time
}

func NewRouter(src Source, gatherer prometheus.Gatherer, basePath string) *Router {
	return &Router{src: src, gatherer: gatherer, basePath: sanitizeBase(basePath), now: time.Now}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/logs/stats", r.handleStats)
	group.GET("/logs/tail", r.handleTail)
	group.GET("/logs/search", r.handleSearch)
	group.GET("/logs/files", r.handleFiles)
	if r.gatherer != nil {
		group.GET("/metrics", gin.WrapH(metrics.Handler(r.gatherer)))
	}
	return g
}

// Start listens on addr and serves h in the background. The listener is
// bound before returning so address errors surface immediately. A non-nil
// tlsCfg serves HTTPS.
func Start(addr string, h http.Handler, tlsCfg *tls.Config) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, ln.Addr(), nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type linesResp struct {
	Path  string   `json:"path,omitempty"`
	Lines []string `json:"lines"`
	Note  string   `json:"note,omitempty"`
}

func (r *Router) date(c *gin.Context) (time.Time, bool) {
	s := c.Query("date")
	if s == "" {
		return r.now(), true
	}
	d, err := time.ParseInLocation(logstore.DateLayout, s, time.Local)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid date: expected YYYYMMDD"})
		return time.Time{}, false
	}
	return d, true
}

func (r *Router) handleStatus(c *gin.Context) {
	snap, err := r.src.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleStats(c *gin.Context) {
	d, ok := r.date(c)
	if !ok {
		return
	}
	st, err := r.src.LogStats(d)
	if err != nil {
		writeLogErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleTail(c *gin.Context) {
	d, ok := r.date(c)
	if !ok {
		return
	}
	n, ok := queryInt(c, "n", defaultTail, maxTail)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "n must be a positive integer"})
		return
	}
	lines, err := r.src.Tail(d, n)
	if err != nil {
		writeLogErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, linesResp{Lines: nonNil(lines)})
}

func (r *Router) handleSearch(c *gin.Context) {
	d, ok := r.date(c)
	if !ok {
		return
	}
	rule := c.DefaultQuery("rule", logstore.RuleError)
	limit, ok := queryInt(c, "limit", 50, maxSearch)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
		return
	}
	lines, err := r.src.Search(d, rule, limit)
	if err != nil {
		writeLogErr(c, err)
		return
	}
	resp := linesResp{Lines: nonNil(lines)}
	if len(lines) == 0 {
		resp.Note = "no matching lines"
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleFiles(c *gin.Context) {
	files, err := r.src.LogFiles()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if files == nil {
		files = []logstore.File{}
	}
	writeJSON(c, http.StatusOK, files)
}

// writeLogErr maps missing log data to 404 and anything else to 500.
func writeLogErr(c *gin.Context, err error) {
	if errors.Is(err, logstore.ErrNoLogData) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	var unknown *logstore.UnknownRuleError
	if errors.As(err, &unknown) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
