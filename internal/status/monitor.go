package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/loykin/botvisor/internal/logstore"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultTailLines = 10
)

const clearScreen = "\033[H\033[2J"

// Monitor periodically renders a snapshot and the tail of today's log.
// Each iteration re-reads everything; no file handle is held across the wait.
type Monitor struct {
	Reporter  *Reporter
	Store     *logstore.Store
	Interval  time.Duration
	TailLines int
	Out       io.Writer
	Log       *slog.Logger
	// Clear forces screen clearing; when nil it is enabled only for terminals.
	Clear *bool
	// Tick runs after each render.
	Tick func(ctx context.Context, s Snapshot)
}

// Run loops until ctx is cancelled and then returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	n := m.TailLines
	if n <= 0 {
		n = DefaultTailLines
	}
	out := m.Out
	if out == nil {
		out = os.Stdout
	}
	log := m.Log
	if log == nil {
		log = slog.Default()
	}
	wipe := isTerminal(out)
	if m.Clear != nil {
		wipe = *m.Clear
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := m.render(ctx, out, interval, n, wipe); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("monitor refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (m *Monitor) render(ctx context.Context, out io.Writer, interval time.Duration, n int, wipe bool) error {
	snap, err := m.Reporter.Snapshot(ctx)
	if err != nil {
		return err
	}
	lines, err := logstore.Tail(snap.TodaysLog, n)
	if err != nil && !errors.Is(err, logstore.ErrNoLogData) {
		return err
	}
	if wipe {
		if _, err := io.WriteString(out, clearScreen); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(out, "botvisor monitor  %s  (every %s, Ctrl-C to quit)\n\n",
		snap.TakenAt.Format(time.DateTime), interval); err != nil {
		return err
	}
	if err := Render(out, snap); err != nil {
		return err
	}
	if _, err := io.WriteString(out, "\n"); err != nil {
		return err
	}
	if err := RenderTail(out, fmt.Sprintf("last %d lines", n), lines); err != nil {
		return err
	}
	if m.Tick != nil {
		m.Tick(ctx, snap)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) // #nosec G115
}
