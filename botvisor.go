// Package botvisor supervises a single long-running worker per project:
// start/stop with a durable pid record, per-day log files with rotation,
// and read-only status views.
package botvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botvisor/internal/config"
	"github.com/loykin/botvisor/internal/cron"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/history/factory"
	"github.com/loykin/botvisor/internal/logstore"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/rotator"
	"github.com/loykin/botvisor/internal/server"
	"github.com/loykin/botvisor/internal/status"
	bvtls "github.com/loykin/botvisor/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Snapshot = status.Snapshot

type StartResult = process.StartResult

type StopResult = process.StopResult

type RestartResult = process.RestartResult

type RotationReport = rotator.Report

type LogStats = logstore.Stats

type LogFile = logstore.File

type HistorySink = history.Sink

type (
	AlreadyRunningError    = process.AlreadyRunningError
	EnvironmentError       = process.EnvironmentError
	StartFailedError       = process.StartFailedError
	StopFailedError        = process.StopFailedError
	RotationPartialFailure = rotator.RotationPartialFailure
)

var (
	ErrLocked    = process.ErrLocked
	ErrNoLogData = logstore.ErrNoLogData
)

var (
	metricsOnce sync.Once
	metricsReg  = prometheus.NewRegistry()
	metricsErr  error
)

// Supervisor wires the registry, controller, log store, rotator and
// reporters of one project.
type Supervisor struct {
	cfg      *Config
	log      *slog.Logger
	store    *logstore.Store
	registry *process.Registry
	ctrl     *process.Controller
	rotator  *rotator.Rotator
	reporter *status.Reporter
	history  *history.Recorder
}

type Option func(*options)

type options struct {
	log  *slog.Logger
	sink history.Sink
}

// WithLogger sets the supervisor's own diagnostic logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithHistorySink overrides the sink selected by History.DSN.
func WithHistorySink(s HistorySink) Option { return func(o *options) { o.sink = s } }

// New builds a supervisor for cfg, which must already be normalized and valid.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With("project", cfg.Project)

	metricsOnce.Do(func() { metricsErr = metrics.Register(metricsReg) })
	if metricsErr != nil {
		return nil, fmt.Errorf("register metrics: %w", metricsErr)
	}

	sink := o.sink
	if sink == nil && cfg.History.DSN != "" {
		s, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			log.Warn("history sink disabled", "error", err)
		} else {
			sink = s
		}
	}

	rules := make([]logstore.Rule, 0, len(cfg.Classifier))
	for _, r := range cfg.Classifier {
		rules = append(rules, logstore.Rule{Name: r.Name, Keywords: r.Keywords})
	}
	store := logstore.New(cfg.Project, cfg.LogDir, cfg.ArchiveDir, logstore.NewClassifier(rules...))
	reg := process.NewRegistry(cfg.PIDFile(), log)

	s := &Supervisor{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: reg,
		rotator:  rotator.New(store, cfg.Rotation.AgeDays, cfg.Rotation.RetentionDays, log),
		reporter: status.NewReporter(cfg.Project, reg, store),
		history:  history.NewRecorder(sink, log),
	}
	s.ctrl = process.NewController(process.Spec{
		Name:     cfg.Project,
		WorkDir:  cfg.WorkDir,
		Command:  cfg.Command,
		Env:      cfg.Env,
		EnvFiles: cfg.EnvFiles,
	}, reg, store, cfg.LockFile(), process.Options{
		SettleDelay:     cfg.Start.SettleDelay,
		GracefulTimeout: cfg.Stop.GracefulTimeout,
		PollInterval:    cfg.Stop.PollInterval,
		KillTimeout:     cfg.Stop.KillTimeout,
		RestartDelay:    cfg.Restart.Delay,
	}, log)
	s.ctrl.PreStart = func(ctx context.Context) error {
		_, err := s.rotate(ctx)
		return err
	}
	s.ctrl.Observe = s.observe
	s.reporter.OnStaleCleared = func(pid int) {
		s.observe(process.Event{Type: process.EventStaleCleared, PID: pid, At: time.Now()})
	}
	return s, nil
}

func (s *Supervisor) Config() *Config { return s.cfg }

// observe fans lifecycle events out to metrics and history.
func (s *Supervisor) observe(e process.Event) {
	p := s.cfg.Project
	switch e.Type {
	case process.EventStart:
		metrics.IncStart(p)
	case process.EventStop:
		metrics.IncStop(p, false)
	case process.EventKill:
		metrics.IncStop(p, true)
	case process.EventStartFailed:
		metrics.IncStartFailure(p)
	case process.EventStaleCleared:
		metrics.IncStaleCleared(p)
	}
	s.history.Record(context.Background(), history.Event{
		Type:       history.EventType(e.Type),
		OccurredAt: e.At,
		Project:    p,
		PID:        e.PID,
		Detail:     e.Detail,
	})
}

// Start launches the worker. Old logs are rotated first.
func (s *Supervisor) Start(ctx context.Context) (StartResult, error) {
	defer s.exportMetrics()
	return s.ctrl.Start(ctx)
}

// Stop terminates the worker; WasRunning=false means there was nothing to stop.
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) {
	defer s.exportMetrics()
	return s.ctrl.Stop(ctx)
}

func (s *Supervisor) Restart(ctx context.Context) (RestartResult, error) {
	defer s.exportMetrics()
	return s.ctrl.Restart(ctx)
}

// Status reconciles the registry and returns a snapshot.
func (s *Supervisor) Status(ctx context.Context) (Snapshot, error) {
	snap, err := s.reporter.Snapshot(ctx)
	if err != nil {
		return snap, err
	}
	observeSnapshot(s.cfg.Project, snap)
	return snap, nil
}

func observeSnapshot(project string, snap Snapshot) {
	sample := metrics.WorkerSample{
		Running:    snap.Running,
		CPUPercent: snap.CPUPercent,
		MemoryRSS:  snap.MemoryRSS,
		NumThreads: snap.NumThreads,
	}
	if st := snap.LogStats; st != nil {
		sample.LogSize = st.Size
		sample.LogLines = st.LineCount
		sample.RuleCounts = st.Counts
	}
	metrics.ObserveWorker(project, sample)
}

// Cleanup runs the log rotator once under the project lock.
func (s *Supervisor) Cleanup(ctx context.Context) (RotationReport, error) {
	return s.cleanup(ctx, 0)
}

func (s *Supervisor) cleanup(ctx context.Context, wait time.Duration) (RotationReport, error) {
	var rep RotationReport
	err := s.ctrl.Locked(ctx, wait, func(ctx context.Context) error {
		var err error
		rep, err = s.rotate(ctx)
		return err
	})
	return rep, err
}

func (s *Supervisor) rotate(ctx context.Context) (RotationReport, error) {
	rep, err := s.rotator.Rotate(ctx, time.Now())
	metrics.AddRotation(s.cfg.Project, len(rep.Archived), len(rep.Expired), len(rep.Failures))
	if !rep.Empty() {
		s.history.Record(ctx, history.Event{
			Type:    history.EventRotate,
			Project: s.cfg.Project,
			Detail:  fmt.Sprintf("archived=%d expired=%d failures=%d", len(rep.Archived), len(rep.Expired), len(rep.Failures)),
		})
	}
	return rep, err
}

// LogPath is the log file of the calendar day of t.
func (s *Supervisor) LogPath(t time.Time) string { return s.store.Path(t) }

func (s *Supervisor) Tail(date time.Time, n int) ([]string, error) {
	return logstore.Tail(s.store.Path(date), n)
}

// Follow emits lines appended to the log of date until ctx is cancelled.
func (s *Supervisor) Follow(ctx context.Context, date time.Time, emit func(string)) error {
	return logstore.Follow(ctx, s.store.Path(date), logstore.FollowOptions{}, emit)
}

// Search returns lines matching the classifier rule, most recent first.
func (s *Supervisor) Search(date time.Time, rule string, limit int) ([]string, error) {
	return s.store.SearchRule(s.store.Path(date), rule, limit)
}

func (s *Supervisor) LogStats(date time.Time) (LogStats, error) {
	return s.store.Stats(s.store.Path(date))
}

func (s *Supervisor) LogFiles() ([]LogFile, error) { return s.store.List() }

// Gatherer exposes the supervisor metrics.
func (s *Supervisor) Gatherer() prometheus.Gatherer { return metricsReg }

func (s *Supervisor) exportMetrics() {
	if s.cfg.Metrics.Textfile == "" {
		return
	}
	if err := metrics.WriteTextfile(s.cfg.Metrics.Textfile, metricsReg); err != nil {
		s.log.Warn("write metrics textfile", "path", s.cfg.Metrics.Textfile, "error", err)
	}
}

// scheduledRotationLockWait bounds how long a scheduled rotation waits for
// a start, stop or cleanup in progress before skipping the run.
const scheduledRotationLockWait = time.Second

// MonitorOptions configures Monitor.
type MonitorOptions struct {
	Out      io.Writer
	Interval time.Duration
	// Listen enables the read-only HTTP view on this address.
	Listen string
	// Clear overrides terminal detection for screen clearing.
	Clear *bool
}

// Monitor renders status and the log tail every interval until ctx is
// cancelled. Log rotation runs on the configured schedule meanwhile.
func (s *Supervisor) Monitor(ctx context.Context, mo MonitorOptions) error {
	interval := mo.Interval
	if interval <= 0 {
		interval = s.cfg.Monitor.Interval
	}

	sched := cron.NewScheduler(s.log)
	if err := sched.Add(&cron.Job{
		Name:     "log-rotation",
		Schedule: s.cfg.Rotation.Schedule,
		Run: func(ctx context.Context) error {
			_, err := s.cleanup(ctx, scheduledRotationLockWait)
			if errors.Is(err, ErrLocked) {
				s.log.Debug("log rotation skipped, project busy")
				return nil
			}
			return err
		},
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if mo.Listen != "" {
		tlsCfg, err := bvtls.ServerConfig(s.cfg.Monitor.TLS)
		if err != nil {
			return fmt.Errorf("status view tls: %w", err)
		}
		srv, addr, err := server.Start(mo.Listen, server.NewRouter(s, metricsReg, "").Handler(), tlsCfg)
		if err != nil {
			return fmt.Errorf("listen %s: %w", mo.Listen, err)
		}
		s.log.Info("status endpoint listening", "addr", addr.String(), "tls", tlsCfg != nil)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	m := &status.Monitor{
		Reporter:  s.reporter,
		Store:     s.store,
		Interval:  interval,
		TailLines: s.cfg.Monitor.TailLines,
		Out:       mo.Out,
		Log:       s.log,
		Clear:     mo.Clear,
		Tick: func(_ context.Context, snap status.Snapshot) {
			observeSnapshot(s.cfg.Project, snap)
			s.exportMetrics()
		},
	}
	return m.Run(ctx)
}

// Close releases the history sink.
func (s *Supervisor) Close() error { return s.history.Close() }
