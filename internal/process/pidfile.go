package process

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/botvisor/internal/detector"
)

// Registry is the durable record of the supervised worker's pid.
// It is advisory: mutating callers hold the project Lock around
// Reconcile and the following Write or Clear.
type Registry struct {
	path string
	log  *slog.Logger
}

// Reconciliation is the outcome of Registry.Reconcile.
type Reconciliation struct {
	PID     int
	Running bool
	// Healed is true when a stale record was found and cleared.
	Healed   bool
	StalePID int
	Meta     detector.Meta
}

func NewRegistry(path string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{path: path, log: log}
}

func (r *Registry) Path() string { return r.path }

// ReadRecord returns the full record when it exists and holds a positive pid.
func (r *Registry) ReadRecord() (detector.Record, bool) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return detector.Record{}, false
	}
	rec, err := detector.ParseRecord(b)
	if err != nil {
		return detector.Record{}, false
	}
	return rec, true
}

// Read returns the recorded pid, if any.
func (r *Registry) Read() (int, bool) {
	rec, ok := r.ReadRecord()
	return rec.PID, ok
}

// Write records pid together with its start time, replacing any previous record.
func (r *Registry) Write(pid int, command string) error {
	return r.WriteRecord(detector.Record{
		PID: pid,
		Meta: detector.Meta{
			StartUnix: detector.ProcStartUnix(pid),
			StartedAt: time.Now(),
			Command:   command,
		},
	})
}

// WriteRecord replaces the record atomically: readers see either the old or the new content.
func (r *Registry) WriteRecord(rec detector.Record) error {
	if rec.PID <= 0 {
		return fmt.Errorf("invalid pid %d", rec.PID)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".*")
	if err != nil {
		return fmt.Errorf("write pid record: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(rec.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write pid record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync pid record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close pid record: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		cleanup()
		return fmt.Errorf("install pid record: %w", err)
	}
	return nil
}

// Clear removes the record. A missing record is not an error.
func (r *Registry) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear pid record: %w", err)
	}
	return nil
}

// clearIf removes the record only while it still names pid, so a reader
// healing a stale entry cannot erase a record written in the meantime.
func (r *Registry) clearIf(pid int) error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	rec, perr := detector.ParseRecord(b)
	if perr == nil && rec.PID != pid {
		return nil
	}
	return r.Clear()
}

// IsLive queries the OS process table.
func (r *Registry) IsLive(pid int) bool { return detector.PIDAlive(pid) }

// Reconcile reads the record and checks it against the process table. A
// record whose process is gone, or whose pid now belongs to a different
// process, is stale and is cleared before returning.
func (r *Registry) Reconcile() (Reconciliation, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Reconciliation{}, nil
		}
		return Reconciliation{}, fmt.Errorf("read pid record: %w", err)
	}
	rec, perr := detector.ParseRecord(b)
	if perr != nil {
		r.log.Warn("unreadable pid record cleared", "path", r.path, "error", perr)
		return Reconciliation{Healed: true}, r.clearIf(0)
	}
	if rec.Matches() {
		return Reconciliation{PID: rec.PID, Running: true, Meta: rec.Meta}, nil
	}
	r.log.Info("stale pid record cleared", "path", r.path, "pid", rec.PID)
	return Reconciliation{Healed: true, StalePID: rec.PID, Meta: rec.Meta}, r.clearIf(rec.PID)
}
