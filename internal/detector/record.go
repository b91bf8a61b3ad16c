// Package detector identifies a recorded worker process: liveness, zombie
// detection and start-time matching against pid reuse.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyRecord is returned when a pid record holds no pid line.
var ErrEmptyRecord = errors.New("empty pid record")

// Meta is the optional JSON line stored after the pid.
type Meta struct {
	StartUnix int64     `json:"start_unix,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Command   string    `json:"command,omitempty"`
}

// Record is the parsed content of a pid file: the pid on the first line
// followed by an optional Meta JSON line. Legacy single-line files carry no meta.
type Record struct {
	PID  int
	Meta Meta
}

// ParseRecord parses pid file content. The pid must be a positive integer.
// A malformed meta line is ignored so the pid stays usable.
func ParseRecord(data []byte) (Record, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	pidLine, rest, _ := strings.Cut(text, "\n")
	pidStr := strings.TrimSpace(pidLine)
	if pidStr == "" {
		return Record{}, ErrEmptyRecord
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return Record{}, fmt.Errorf("invalid pid %q: %w", pidStr, err)
	}
	if pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid %d: must be positive", pid)
	}
	rec := Record{PID: pid}
	rest = strings.TrimSpace(rest)
	if rest != "" {
		metaLine, _, _ := strings.Cut(rest, "\n")
		var m Meta
		if json.Unmarshal([]byte(strings.TrimSpace(metaLine)), &m) == nil {
			rec.Meta = m
		}
	}
	return rec, nil
}

// Bytes encodes the record in the format understood by ParseRecord.
func (r Record) Bytes() []byte {
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.PID))
	b.WriteByte('\n')
	if r.Meta != (Meta{}) {
		if mb, err := json.Marshal(r.Meta); err == nil {
			b.Write(mb)
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}

// Matches reports whether the record still describes a live process.
// When a start time was recorded and the live process started at a different
// time, the pid has been reused by an unrelated process.
func (r Record) Matches() bool {
	if r.Meta.StartUnix > 0 {
		cur := ProcStartUnix(r.PID)
		if cur > 0 && cur != r.Meta.StartUnix {
			return false
		}
	}
	return PIDAlive(r.PID)
}
