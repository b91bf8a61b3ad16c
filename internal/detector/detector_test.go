package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
}

// startSleep starts a sleep process that the test reaps on cleanup.
func startSleep(t *testing.T, dur string) *exec.Cmd {
	t.Helper()
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", "exec sleep "+dur)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		start   int64
		wantErr bool
	}{
		{name: "legacy single line", content: "123\n", pid: 123},
		{name: "no trailing newline", content: "42", pid: 42},
		{name: "with meta", content: "77\n{\"start_unix\":1700000000,\"command\":\"python bot.py\"}\n", pid: 77, start: 1700000000},
		{name: "crlf", content: "88\r\n{\"start_unix\":5}\r\n", pid: 88, start: 5},
		{name: "bad meta is ignored", content: "9\nnot-json\n", pid: 9},
		{name: "empty", content: "", wantErr: true},
		{name: "blank lines", content: "\n\n", wantErr: true},
		{name: "not a number", content: "abc\n", wantErr: true},
		{name: "zero", content: "0\n", wantErr: true},
		{name: "negative", content: "-5\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseRecord([]byte(tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pid, rec.PID)
			assert.Equal(t, tt.start, rec.Meta.StartUnix)
		})
	}
}

func TestRecordBytesRoundTrip(t *testing.T) {
	started := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	rec := Record{PID: 4242, Meta: Meta{StartUnix: 1760000000, StartedAt: started, Command: "python live_trading_v2.py"}}
	got, err := ParseRecord(rec.Bytes())
	require.NoError(t, err)
	assert.Equal(t, rec.PID, got.PID)
	assert.Equal(t, rec.Meta.StartUnix, got.Meta.StartUnix)
	assert.True(t, rec.Meta.StartedAt.Equal(got.Meta.StartedAt))
	assert.Equal(t, rec.Meta.Command, got.Meta.Command)

	assert.Equal(t, "7\n", string(Record{PID: 7}.Bytes()))
}

func TestPIDAlive(t *testing.T) {
	requireUnix(t)
	assert.False(t, PIDAlive(0))
	assert.False(t, PIDAlive(-1))
	assert.True(t, PIDAlive(os.Getpid()))

	cmd := startSleep(t, "5")
	assert.True(t, PIDAlive(cmd.Process.Pid))
}

func TestPIDAliveZombieIsDead(t *testing.T) {
	requireUnix(t)
	if runtime.GOOS != "linux" {
		t.Skip("zombie detection is linux specific")
	}
	// #nosec G204
	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer func() { _ = cmd.Wait() }()
	// Not reaped yet: the exited child lingers as a zombie.
	deadline := time.Now().Add(2 * time.Second)
	for PIDAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, PIDAlive(pid))
}

func TestRecordMatches(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t, "5")
	pid := cmd.Process.Pid
	time.Sleep(20 * time.Millisecond)
	start := ProcStartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}

	assert.True(t, Record{PID: pid, Meta: Meta{StartUnix: start}}.Matches())
	assert.False(t, Record{PID: pid, Meta: Meta{StartUnix: start + 12345}}.Matches(),
		"reused pid must not be reported alive")
}

func TestRecordMatchesLegacyFile(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t, "5")
	pidfile := filepath.Join(t.TempDir(), "legacy.pid")
	require.NoError(t, os.WriteFile(pidfile, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o600))

	data, err := os.ReadFile(pidfile)
	require.NoError(t, err)
	rec, err := ParseRecord(data)
	require.NoError(t, err)
	assert.True(t, rec.Matches(), "a record without start time falls back to liveness")

	_, err = ParseRecord([]byte("nope"))
	assert.Error(t, err)
}

// FuzzParseRecord ensures arbitrary pid file content never panics.
func FuzzParseRecord(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("\n\n{}\n{\"start_unix\":1}\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		rec, err := ParseRecord(data)
		if err == nil && rec.PID <= 0 {
			t.Fatalf("accepted non-positive pid %d", rec.PID)
		}
	})
}
