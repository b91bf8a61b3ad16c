package logstore

import (
	"bufio"
	"fmt"
	"io"
	"time"
)

const maxLineSize = 1024 * 1024

// Stats summarises one log file. Counts holds the number of matching lines per classifier rule.
type Stats struct {
	Path         string         `json:"path"`
	LineCount    int            `json:"line_count"`
	Counts       map[string]int `json:"counts"`
	Size         int64          `json:"size"`
	LastModified time.Time      `json:"last_modified"`
}

// Count returns the number of lines matched by the named rule.
func (s Stats) Count(rule string) int { return s.Counts[rule] }

func (s Stats) ErrorCount() int   { return s.Count(RuleError) }
func (s Stats) SuccessCount() int { return s.Count(RuleSuccess) }
func (s Stats) OpenCount() int    { return s.Count(RuleOpen) }
func (s Stats) CloseCount() int   { return s.Count(RuleClose) }

// Stats counts lines of path per classifier rule. A missing file returns
// zero Stats and ErrNoLogData.
func (s *Store) Stats(path string) (Stats, error) {
	st := Stats{Path: path, Counts: map[string]int{}}
	f, err := openLog(path)
	if err != nil {
		return st, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return st, err
	}
	st.Size = info.Size()
	st.LastModified = info.ModTime()

	rules := s.Classifier.Rules()
	for _, r := range rules {
		st.Counts[r.Name] = 0
	}
	err = scanLines(f, func(line string) {
		st.LineCount++
		for _, r := range rules {
			if r.Match(line) {
				st.Counts[r.Name]++
			}
		}
	})
	return st, err
}

// Search returns at most limit lines of path matching rule, most recent first.
// limit <= 0 returns every match. No match is an empty result, not an error.
func (s *Store) Search(path string, rule Rule, limit int) ([]string, error) {
	f, err := openLog(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	// ring keeps the newest limit matches while scanning forward.
	var ring []string
	next := 0
	err = scanLines(f, func(line string) {
		if !rule.Match(line) {
			return
		}
		if limit <= 0 || len(ring) < limit {
			ring = append(ring, line)
			return
		}
		ring[next] = line
		next = (next + 1) % limit
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ring))
	for i := 0; i < len(ring); i++ {
		// walk backwards from the newest entry
		idx := (next - 1 - i + len(ring)) % len(ring)
		out = append(out, ring[idx])
	}
	return out, nil
}

// UnknownRuleError is returned when no classifier rule has the requested name.
type UnknownRuleError struct {
	Name string
}

func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("unknown classifier rule %q", e.Name)
}

// SearchRule is Search by classifier rule name.
func (s *Store) SearchRule(path, name string, limit int) ([]string, error) {
	r, ok := s.Classifier.Rule(name)
	if !ok {
		return nil, &UnknownRuleError{Name: name}
	}
	return s.Search(path, r, limit)
}

func scanLines(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		fn(sc.Text())
	}
	return sc.Err()
}
