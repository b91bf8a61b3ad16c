package logstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New("okx", filepath.Join(dir, "logs"), filepath.Join(dir, "logs", "archive"), nil)
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestPathIsPureFunctionOfProjectAndDate(t *testing.T) {
	s := newStore(t)
	morning := time.Date(2026, 10, 17, 0, 0, 1, 0, time.Local)
	evening := time.Date(2026, 10, 17, 23, 59, 59, 0, time.Local)
	assert.Equal(t, s.Path(morning), s.Path(evening))
	assert.Equal(t, s.Path(evening), s.Path(morning))
	assert.Equal(t, filepath.Join(s.Dir, "okx_20261017.log"), s.Path(morning))
	assert.NotEqual(t, s.Path(morning), s.Path(morning.AddDate(0, 0, 1)))
	assert.Equal(t, filepath.Join(s.ArchiveDir, "okx_20261017.log.gz"), s.ArchivePath(morning))
}

func TestParseDateKey(t *testing.T) {
	d, ok := ParseDateKey("okx", "okx_20261007.log")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 10, 7, 0, 0, 0, 0, time.Local), d)

	_, ok = ParseDateKey("okx", "okx_20261007.log.gz")
	assert.True(t, ok)
	for _, bad := range []string{"okx_2026107.log", "other_20261007.log", "okx_20261007.txt", "okx_2026xx07.log", "okx_extra_20261007.log"} {
		_, ok := ParseDateKey("okx", bad)
		assert.False(t, ok, bad)
	}
}

func TestOpenAppendCreatesAndAppends(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	for i := 0; i < 2; i++ {
		f, err := s.OpenAppend(now)
		require.NoError(t, err)
		_, err = fmt.Fprintf(f, "line %d\n", i)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	b, err := os.ReadFile(s.Path(now))
	require.NoError(t, err)
	assert.Equal(t, "line 0\nline 1\n", string(b))
}

func TestTail(t *testing.T) {
	s := newStore(t)
	p := s.Path(time.Now())
	_, err := Tail(p, 10)
	assert.True(t, errors.Is(err, ErrNoLogData))

	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, fmt.Sprintf("line-%02d", i))
	}
	appendLines(t, p, lines...)

	got, err := Tail(p, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"line-47", "line-48", "line-49"}, got)

	got, err = Tail(p, 100)
	require.NoError(t, err)
	assert.Len(t, got, 50)
	assert.Equal(t, "line-00", got[0])

	got, err = Tail(p, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTailSpansBlocksAndPartialLastLine(t *testing.T) {
	s := newStore(t)
	p := s.Path(time.Now())
	long := strings.Repeat("x", tailBlock/2)
	appendLines(t, p, "first", long, long, long)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, _ = f.WriteString("unterminated\r")
	require.NoError(t, f.Close())

	got, err := Tail(p, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{long, "unterminated"}, got)

	got, err = Tail(p, 5)
	require.NoError(t, err)
	assert.Equal(t, "first", got[0])
}

func TestTailEmptyFile(t *testing.T) {
	s := newStore(t)
	p := s.Path(time.Now())
	appendLines(t, p)
	got, err := Tail(p, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStatsCountsPerRule(t *testing.T) {
	s := newStore(t)
	p := s.Path(time.Now())
	for i := 0; i < 10; i++ {
		appendLines(t, p, fmt.Sprintf("2026-10-17 order %d ERROR: rejected", i))
	}
	for i := 0; i < 5; i++ {
		appendLines(t, p, fmt.Sprintf("order %d placed: Success", i))
	}
	appendLines(t, p, "position opened BTC-USDT-SWAP", "✅ 开仓成功", "position closed", "heartbeat")

	st, err := s.Stats(p)
	require.NoError(t, err)
	assert.Equal(t, 10, st.ErrorCount())
	// the Chinese success line also counts
	assert.Equal(t, 6, st.SuccessCount())
	assert.Equal(t, 2, st.OpenCount())
	assert.Equal(t, 1, st.CloseCount())
	assert.GreaterOrEqual(t, st.LineCount, 15)
	assert.Equal(t, 19, st.LineCount)
	assert.Positive(t, st.Size)
	assert.False(t, st.LastModified.IsZero())
}

func TestStatsMissingFile(t *testing.T) {
	s := newStore(t)
	st, err := s.Stats(s.Path(time.Now()))
	assert.True(t, errors.Is(err, ErrNoLogData))
	assert.Zero(t, st.LineCount)
	assert.Zero(t, st.Size)
}

func TestSearchMostRecentFirstWithLimit(t *testing.T) {
	s := newStore(t)
	p := s.Path(time.Now())
	for i := 0; i < 8; i++ {
		appendLines(t, p, fmt.Sprintf("tick %d", i), fmt.Sprintf("Traceback #%d", i))
	}
	got, err := s.SearchRule(p, RuleError, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"Traceback #7", "Traceback #6", "Traceback #5"}, got)

	all, err := s.SearchRule(p, RuleError, 0)
	require.NoError(t, err)
	assert.Len(t, all, 8)
	assert.Equal(t, "Traceback #0", all[7])

	few, err := s.SearchRule(p, RuleError, 100)
	require.NoError(t, err)
	assert.Len(t, few, 8)
	assert.Equal(t, "Traceback #7", few[0])

	none, err := s.SearchRule(p, RuleClose, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.SearchRule(p, "nope", 10)
	assert.Error(t, err)
}

func TestClassifierIsPluggable(t *testing.T) {
	c := NewClassifier(Rule{Name: RuleError, Keywords: []string{"BOOM"}}, Rule{Name: "funding", Keywords: []string{"funding fee"}})
	r, ok := c.Rule(RuleError)
	require.True(t, ok)
	assert.True(t, r.Match("boom happened"))
	assert.False(t, r.Match("error happened"))

	f, ok := c.Rule("funding")
	require.True(t, ok)
	assert.True(t, f.Match("Funding Fee charged"))

	names := make([]string, 0)
	for _, r := range c.Rules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{RuleError, RuleSuccess, RuleOpen, RuleClose, "funding"}, names)

	s := newStore(t)
	s.Classifier = c
	p := s.Path(time.Now())
	appendLines(t, p, "boom", "error", "funding fee 0.01")
	st, err := s.Stats(p)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ErrorCount())
	assert.Equal(t, 1, st.Count("funding"))
}

func TestListActiveAndArchived(t *testing.T) {
	s := newStore(t)
	day := time.Date(2026, 10, 10, 12, 0, 0, 0, time.Local)
	appendLines(t, s.Path(day), "a")
	appendLines(t, s.Path(day.AddDate(0, 0, 2)), "b")
	appendLines(t, filepath.Join(s.Dir, "other_20261010.log"), "ignored")
	require.NoError(t, os.MkdirAll(s.ArchiveDir, 0o750))
	require.NoError(t, os.WriteFile(s.ArchivePath(day.AddDate(0, 0, -5)), []byte("gz"), 0o640))

	files, err := s.List()
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "okx_20261012.log", filepath.Base(files[0].Path))
	assert.Equal(t, StateActive, files[0].State)
	assert.Equal(t, "okx_20261010.log", filepath.Base(files[1].Path))
	assert.Equal(t, StateArchived, files[2].State)
}

func TestListMissingDirs(t *testing.T) {
	s := newStore(t)
	files, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, files)
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineSink) add(s string) {
	l.mu.Lock()
	l.lines = append(l.lines, s)
	l.mu.Unlock()
}

func (l *lineSink) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestFollowEmitsAppendedLinesUntilCancelled(t *testing.T) {
	s := newStore(t)
	p := s.Path(time.Now())
	appendLines(t, p, "old line")

	ctx, cancel := context.WithCancel(context.Background())
	sink := &lineSink{}
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, p, FollowOptions{Poll: 10 * time.Millisecond}, sink.add) }()

	time.Sleep(50 * time.Millisecond)
	appendLines(t, p, "new 1")
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, _ = f.WriteString("new ")
	time.Sleep(30 * time.Millisecond)
	_, _ = f.WriteString("2\n")
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool { return len(sink.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"new 1", "new 2"}, sink.get())

	before, _ := os.ReadFile(p)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop after cancel")
	}
	after, _ := os.ReadFile(p)
	assert.Equal(t, before, after, "cancelling a reader must not touch the log")
}

func TestFollowWaitsForFileAndReadsFromStart(t *testing.T) {
	s := newStore(t)
	p := s.Path(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &lineSink{}
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, p, FollowOptions{Poll: 10 * time.Millisecond}, sink.add) }()

	time.Sleep(30 * time.Millisecond)
	appendLines(t, p, "first line of the day")
	assert.Eventually(t, func() bool { return len(sink.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestFollowFromStart(t *testing.T) {
	s := newStore(t)
	p := s.Path(time.Now())
	appendLines(t, p, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	sink := &lineSink{}
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, p, FollowOptions{FromStart: true, Poll: 10 * time.Millisecond}, sink.add)
	}()
	assert.Eventually(t, func() bool { return len(sink.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, []string{"a", "b"}, sink.get())
}
