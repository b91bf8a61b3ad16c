// Package status assembles read-only snapshots of a project and renders them.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/botvisor/internal/logstore"
	"github.com/loykin/botvisor/internal/process"
)

// Snapshot is the composite status of a project at TakenAt.
type Snapshot struct {
	Project     string          `json:"project"`
	Running     bool            `json:"running"`
	PID         int             `json:"pid,omitempty"`
	Command     string          `json:"command,omitempty"`
	StartTime   time.Time       `json:"start_time,omitempty"`
	Uptime      time.Duration   `json:"uptime,omitempty"`
	MemoryRSS   uint64          `json:"memory_rss,omitempty"`
	CPUPercent  float64         `json:"cpu_percent,omitempty"`
	NumThreads  int32           `json:"num_threads,omitempty"`
	TodaysLog   string          `json:"todays_log"`
	LogStats    *logstore.Stats `json:"log_stats,omitempty"`
	HealedStale bool            `json:"healed_stale,omitempty"`
	TakenAt     time.Time       `json:"taken_at"`
}

// Reporter builds snapshots. The only side effect is the registry self-heal.
type Reporter struct {
	Project  string
	Registry *process.Registry
	Store    *logstore.Store
	// OnStaleCleared is called with the pid of a stale record cleared by Snapshot.
	OnStaleCleared func(pid int)

	now func() time.Time
}

func NewReporter(project string, reg *process.Registry, store *logstore.Store) *Reporter {
	return &Reporter{Project: project, Registry: reg, Store: store, now: time.Now}
}

// Snapshot reconciles the registry and gathers process and log details.
// Process details are best effort.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	now := r.now()
	snap := Snapshot{Project: r.Project, TodaysLog: r.Store.Path(now), TakenAt: now}

	rec, err := r.Registry.Reconcile()
	if err != nil {
		return snap, err
	}
	snap.HealedStale = rec.Healed
	if rec.Healed && r.OnStaleCleared != nil {
		r.OnStaleCleared(rec.StalePID)
	}
	if rec.Running {
		snap.Running = true
		snap.PID = rec.PID
		snap.Command = rec.Meta.Command
		switch {
		case rec.Meta.StartUnix > 0:
			snap.StartTime = time.Unix(rec.Meta.StartUnix, 0)
		case !rec.Meta.StartedAt.IsZero():
			snap.StartTime = rec.Meta.StartedAt
		}
		fillProcess(ctx, &snap)
		if !snap.StartTime.IsZero() {
			snap.Uptime = now.Sub(snap.StartTime).Truncate(time.Second)
		}
	}

	stats, err := r.Store.Stats(snap.TodaysLog)
	switch {
	case err == nil:
		snap.LogStats = &stats
	case errors.Is(err, logstore.ErrNoLogData):
	default:
		return snap, err
	}
	return snap, nil
}

func fillProcess(ctx context.Context, snap *Snapshot) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(snap.PID)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		snap.StartTime = time.UnixMilli(ms)
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		snap.MemoryRSS = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		snap.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		snap.NumThreads = n
	}
}

// Render writes a human-readable status block.
func Render(w io.Writer, s Snapshot) error {
	ew := &errWriter{w: w}
	ew.printf("Project:     %s\n", s.Project)
	if s.Running {
		ew.printf("Status:      running (pid %d)\n", s.PID)
		if s.Command != "" {
			ew.printf("Command:     %s\n", s.Command)
		}
		if !s.StartTime.IsZero() {
			ew.printf("Started:     %s (up %s)\n", s.StartTime.Format(time.DateTime), s.Uptime)
		}
		if s.MemoryRSS > 0 {
			ew.printf("Memory:      %s RSS\n", humanBytes(s.MemoryRSS))
		}
		ew.printf("CPU:         %.1f%%  threads %d\n", s.CPUPercent, s.NumThreads)
	} else {
		ew.printf("Status:      not running\n")
	}
	if s.HealedStale {
		ew.printf("Note:        stale pid record cleared\n")
	}
	ew.printf("Today's log: %s\n", s.TodaysLog)
	if s.LogStats == nil {
		ew.printf("Log stats:   no log data for today\n")
		return ew.err
	}
	st := s.LogStats
	ew.printf("Log stats:   %d lines, %s, modified %s\n", st.LineCount, humanBytes(uint64(st.Size)), st.LastModified.Format(time.TimeOnly)) // #nosec G115
	ew.printf("             errors %d  success %d  opened %d  closed %d\n",
		st.ErrorCount(), st.SuccessCount(), st.OpenCount(), st.CloseCount())
	return ew.err
}

// RenderTail writes a titled block of log lines.
func RenderTail(w io.Writer, title string, lines []string) error {
	ew := &errWriter{w: w}
	ew.printf("--- %s ---\n", title)
	if len(lines) == 0 {
		ew.printf("(no log lines)\n")
	}
	for _, l := range lines {
		ew.printf("%s\n", l)
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
