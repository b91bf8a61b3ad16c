package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/botvisor/internal/detector"
)

// DefaultLockRetry is the wait between attempts on a contended lock.
const DefaultLockRetry = 100 * time.Millisecond

// unreadable lock files younger than this may still be being written by their creator.
const lockWriteGrace = 5 * time.Second

// Lock is an exclusive lock file created with O_EXCL. It serialises
// reconcile-and-mutate sections of concurrent invocations for one project.
type Lock struct {
	path string
	pid  int
}

// LockedError reports lock contention with the holder's pid when known.
type LockedError struct {
	Path   string
	Holder int
}

func (e *LockedError) Error() string {
	if e.Holder > 0 {
		return fmt.Sprintf("%v (lock %s held by pid %d)", ErrLocked, e.Path, e.Holder)
	}
	return fmt.Sprintf("%v (lock %s)", ErrLocked, e.Path)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// AcquireLock creates path exclusively, retrying while another live process
// holds it until ctx is done. Locks left behind by dead holders are recovered.
func AcquireLock(ctx context.Context, path string, retry time.Duration) (*Lock, error) {
	if retry <= 0 {
		retry = DefaultLockRetry
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("prepare lock directory: %w", err)
	}
	pid := os.Getpid()
	for {
		// #nosec G304 -- lock path is derived from the configured run dir
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n%s\n", pid, time.Now().UTC().Format(time.RFC3339))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("acquire lock: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: path, pid: pid}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		holder, stale := inspectLock(path)
		if stale {
			_ = os.Remove(path)
			continue
		}
		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, &LockedError{Path: path, Holder: holder}
		case <-t.C:
		}
	}
}

// inspectLock returns the holder pid and whether the lock can be recovered.
func inspectLock(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		// Removed between our create attempt and the read: retry at once.
		return 0, os.IsNotExist(err)
	}
	first, _, _ := strings.Cut(string(b), "\n")
	holder, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || holder <= 0 {
		info, serr := os.Stat(path)
		return 0, serr == nil && time.Since(info.ModTime()) > lockWriteGrace
	}
	return holder, !detector.PIDAlive(holder)
}

// Release removes the lock file if it is still ours.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	b, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	first, _, _ := strings.Cut(string(b), "\n")
	if strings.TrimSpace(first) != strconv.Itoa(l.pid) {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
