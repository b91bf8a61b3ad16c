package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, sink.Close()) })

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: base, Project: "bot", PID: 100, Detail: "python bot.py"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: base.Add(time.Second), Project: "bot", PID: 100}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: base, Project: "other", PID: 5}))

	events, err := sink.Recent(ctx, "bot", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, history.EventStop, events[0].Type)
	assert.Equal(t, history.EventStart, events[1].Type)
	assert.Equal(t, "python bot.py", events[1].Detail)
	assert.Equal(t, 100, events[1].PID)

	// Reopening an existing database keeps its rows.
	again, err := New(dbPath)
	require.NoError(t, err)
	defer func() { _ = again.Close() }()
	events, err = again.Recent(ctx, "bot", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, history.EventStop, events[0].Type)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStaleCleared, OccurredAt: time.Now(), Project: "bot", PID: 9}))
	events, err := sink.Recent(ctx, "bot", 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, history.EventStaleCleared, events[0].Type)
	assert.Empty(t, events[0].Detail)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), Project: "bot", PID: 1}))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
