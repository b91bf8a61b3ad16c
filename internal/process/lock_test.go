package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "bot.lock")
	l, err := AcquireLock(context.Background(), path, 0)
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), strconv.Itoa(os.Getpid()))

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, l.Release())
}

func TestAcquireContended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")
	l, err := AcquireLock(context.Background(), path, 0)
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = AcquireLock(ctx, path, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	var le *LockedError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, os.Getpid(), le.Holder)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")
	l, err := AcquireLock(context.Background(), path, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = l.Release()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l2, err := AcquireLock(ctx, path, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquireRecoversDeadHolder(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "bot.lock")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(deadPID(t))+"\n"), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l, err := AcquireLock(ctx, path, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquireRecoversOldUnreadableLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	l, err := AcquireLock(context.Background(), path, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")
	l, err := AcquireLock(context.Background(), path, 0)
	require.NoError(t, err)
	// Another invocation recovered and re-created the lock.
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o600))
	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			l, err := AcquireLock(ctx, path, 5*time.Millisecond)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, l.Release())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}
