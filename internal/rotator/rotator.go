package rotator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/loykin/botvisor/internal/logstore"
)

// Default thresholds in days.
const (
	DefaultAgeDays       = 7
	DefaultRetentionDays = 30
)

// FileError is a failure confined to one file of a rotation batch.
type FileError struct {
	Path string
	Op   string // compress, archive, remove, expire
	Err  error
}

func (e *FileError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *FileError) Unwrap() error { return e.Err }

// RotationPartialFailure summarises the per-file failures of one run.
// Files that did not fail were processed normally.
type RotationPartialFailure struct {
	Failures []*FileError
}

func (e *RotationPartialFailure) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("rotation: %d file(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *RotationPartialFailure) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}

// Report lists what a run did, by path.
type Report struct {
	Archived []string     `json:"archived"`
	Expired  []string     `json:"expired"`
	Failures []*FileError `json:"-"`
}

// Empty reports whether the run changed nothing and failed nowhere.
func (r Report) Empty() bool {
	return len(r.Archived) == 0 && len(r.Expired) == 0 && len(r.Failures) == 0
}

// Rotator compresses daily logs past AgeDays into the archive and deletes
// archives older than RetentionDays, measured from archival (archive mtime).
type Rotator struct {
	Store         *logstore.Store
	AgeDays       int
	RetentionDays int
	Log           *slog.Logger
}

func New(store *logstore.Store, ageDays, retentionDays int, log *slog.Logger) *Rotator {
	if ageDays <= 0 {
		ageDays = DefaultAgeDays
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if log == nil {
		log = slog.Default()
	}
	return &Rotator{Store: store, AgeDays: ageDays, RetentionDays: retentionDays, Log: log}
}

// Rotate runs one maintenance pass relative to now. Per-file failures do not
// stop the batch; they are returned as *RotationPartialFailure together with
// the full report. Only an unreadable log or archive directory is fatal.
func (r *Rotator) Rotate(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	today := midnight(now)
	cutoff := today.AddDate(0, 0, -r.AgeDays)

	active, err := r.Store.ActiveFiles()
	if err != nil {
		return rep, err
	}
	for _, f := range active {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		// Never touch the file the worker writes today.
		if !f.DateKey.Before(cutoff) || !f.DateKey.Before(today) {
			continue
		}
		dst, ferr := r.archive(f, now)
		if ferr != nil {
			r.Log.Warn("log rotation failed", "path", f.Path, "op", ferr.Op, "error", ferr.Err)
			rep.Failures = append(rep.Failures, ferr)
			continue
		}
		r.Log.Info("log archived", "path", f.Path, "archive", dst)
		rep.Archived = append(rep.Archived, dst)
	}

	archived, err := r.Store.ArchivedFiles()
	if err != nil {
		return rep, err
	}
	expiry := now.Add(-time.Duration(r.RetentionDays) * 24 * time.Hour)
	for _, f := range archived {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !f.ModTime.Before(expiry) {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			ferr := &FileError{Path: f.Path, Op: "expire", Err: err}
			r.Log.Warn("archive expiry failed", "path", f.Path, "error", err)
			rep.Failures = append(rep.Failures, ferr)
			continue
		}
		r.Log.Info("archive expired", "path", f.Path)
		rep.Expired = append(rep.Expired, f.Path)
	}

	if len(rep.Failures) > 0 {
		return rep, &RotationPartialFailure{Failures: rep.Failures}
	}
	return rep, nil
}

// archive compresses f next to itself, moves the result into the archive
// directory and removes the original.
func (r *Rotator) archive(f logstore.File, now time.Time) (string, *FileError) {
	dst := r.Store.ArchivePath(f.DateKey)
	if _, err := os.Stat(dst); err == nil {
		return "", &FileError{Path: f.Path, Op: "archive", Err: fmt.Errorf("%s already exists", dst)}
	}
	staged := f.Path + ".gz"
	if err := compressFile(f.Path, staged); err != nil {
		return "", &FileError{Path: f.Path, Op: "compress", Err: err}
	}
	if err := os.MkdirAll(r.Store.ArchiveDir, 0o750); err != nil {
		return "", &FileError{Path: f.Path, Op: "archive", Err: err}
	}
	if err := moveFile(staged, dst); err != nil {
		return "", &FileError{Path: f.Path, Op: "archive", Err: err}
	}
	// Retention is measured from archival.
	_ = os.Chtimes(dst, now, now)
	if err := os.Remove(f.Path); err != nil {
		return "", &FileError{Path: f.Path, Op: "remove", Err: err}
	}
	return dst, nil
}

func compressFile(src, dst string) (err error) {
	// #nosec G304 -- paths derived from configured log dir
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	// #nosec G304
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if st, serr := in.Stat(); serr == nil {
		zw.ModTime = st.ModTime()
	}
	if _, err = io.Copy(zw, in); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// moveFile renames src to dst, copying when they live on different filesystems.
func moveFile(src, dst string) error {
	rerr := os.Rename(src, dst)
	if rerr == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return errors.Join(rerr, err)
	}
	return os.Remove(src)
}

func copyFile(src, dst string) (err error) {
	// #nosec G304
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	// #nosec G304
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err = out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func midnight(t time.Time) time.Time {
	t = t.Local()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
}
