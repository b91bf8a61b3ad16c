package logstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DateLayout is the date key format embedded in log file names.
const DateLayout = "20060102"

// ErrNoLogData reports that the requested log file does not exist.
// It is informational: callers print a message and succeed.
var ErrNoLogData = errors.New("no log data")

// State is the lifecycle position of a log file.
type State string

const (
	StateActive   State = "active"
	StateArchived State = "archived"
)

// File describes one daily log file or archive entry.
type File struct {
	DateKey time.Time `json:"date_key"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	State   State     `json:"state"`
}

// Store addresses and reads the daily log files of one project.
type Store struct {
	Project    string
	Dir        string
	ArchiveDir string
	Classifier *Classifier
}

// New returns a store with the default classifier when c is nil.
func New(project, dir, archiveDir string, c *Classifier) *Store {
	if c == nil {
		c = NewClassifier()
	}
	return &Store{Project: project, Dir: dir, ArchiveDir: archiveDir, Classifier: c}
}

// FileName is the base name of the log for the local calendar date of t.
func FileName(project string, t time.Time) string {
	return project + "_" + t.Local().Format(DateLayout) + ".log"
}

// Path is the log path for the local calendar date of t. It is a pure
// function of the project and date, shared by the writer launch and every reader.
func (s *Store) Path(t time.Time) string {
	return filepath.Join(s.Dir, FileName(s.Project, t))
}

// ArchivePath is where the compressed log for the date of t is stored.
func (s *Store) ArchivePath(t time.Time) string {
	return filepath.Join(s.ArchiveDir, FileName(s.Project, t)+".gz")
}

// OpenAppend opens (creating if needed) the log for the date of now in append mode.
func (s *Store) OpenAppend(now time.Time) (*os.File, error) {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	p := s.Path(now)
	// #nosec G304 -- path derived from configured log dir and project name
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", p, err)
	}
	return f, nil
}

// ParseDateKey extracts the date key from a log or archive file name of the project.
func ParseDateKey(project, name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, project+"_")
	if !ok {
		return time.Time{}, false
	}
	rest = strings.TrimSuffix(rest, ".gz")
	rest, ok = strings.CutSuffix(rest, ".log")
	if !ok || len(rest) != len(DateLayout) {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(DateLayout, rest, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// ActiveFiles lists the uncompressed daily logs, oldest first.
func (s *Store) ActiveFiles() ([]File, error) {
	return s.scan(s.Dir, ".log", StateActive)
}

// ArchivedFiles lists the archive entries, oldest first.
func (s *Store) ArchivedFiles() ([]File, error) {
	return s.scan(s.ArchiveDir, ".log.gz", StateArchived)
}

// List returns active and archived files, newest date first.
func (s *Store) List() ([]File, error) {
	active, err := s.ActiveFiles()
	if err != nil {
		return nil, err
	}
	archived, err := s.ArchivedFiles()
	if err != nil {
		return nil, err
	}
	all := append(active, archived...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].DateKey.After(all[j].DateKey) })
	return all, nil
}

func (s *Store) scan(dir, suffix string, state State) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []File
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		key, ok := ParseDateKey(s.Project, e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed concurrently
		}
		out = append(out, File{
			DateKey: key,
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			State:   state,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateKey.Before(out[j].DateKey) })
	return out, nil
}

func openLog(path string) (*os.File, error) {
	// #nosec G304 -- path derived from configured log dir and project name
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoLogData, path)
		}
		return nil, err
	}
	return f, nil
}
