package eventlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventLogWriteRead(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events", "events.ndjson")

	eventLog, err := NewEventLog(logPath, discard())
	require.NoError(t, err)

	fixed := time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)
	eventLog.now = func() time.Time { return fixed }

	require.NoError(t, eventLog.Write(Record{Type: TypeRunStarted, RunID: "r-1", Data: map[string]any{"provider": "codex"}}))
	require.NoError(t, eventLog.Write(Record{Type: TypeInteractionCreated, RunID: "r-1", InteractionRequestID: "ir-1"}))
	require.NoError(t, eventLog.Write(Record{Type: TypeRunEnded, RunID: "r-1", At: fixed.Add(time.Minute)}))
	require.NoError(t, eventLog.Close())

	records, err := ReadAll(logPath, discard())
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, TypeRunStarted, records[0].Type)
	assert.Equal(t, fixed, records[0].At)
	assert.Equal(t, "codex", records[0].Data["provider"])
	assert.Equal(t, "ir-1", records[1].InteractionRequestID)
	assert.Equal(t, fixed.Add(time.Minute), records[2].At, "explicit timestamps are kept")
}

func TestEventLogAppendsAcrossOpens(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.ndjson")

	for i := 0; i < 2; i++ {
		eventLog, err := NewEventLog(logPath, discard())
		require.NoError(t, err)
		require.NoError(t, eventLog.Write(Record{Type: TypeCardAction, CardID: "c"}))
		require.NoError(t, eventLog.Close())
	}

	records, err := ReadAll(logPath, discard())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestEventLogRejects(t *testing.T) {
	eventLog, err := NewEventLog(filepath.Join(t.TempDir(), "events.ndjson"), discard())
	require.NoError(t, err)

	assert.Error(t, eventLog.Write(Record{}), "type is required")

	require.NoError(t, eventLog.Close())
	assert.NoError(t, eventLog.Close(), "close is idempotent")
	assert.Error(t, eventLog.Write(Record{Type: TypeRunEnded}))
}

func TestEventLogConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.ndjson")
	eventLog, err := NewEventLog(logPath, discard())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, eventLog.Write(Record{Type: TypeInteractionResolved}))
		}()
	}
	wg.Wait()
	require.NoError(t, eventLog.Close())

	records, err := ReadAll(logPath, discard())
	require.NoError(t, err)
	assert.Len(t, records, 20, "lines never interleave")
}

func TestEventLogDirectoryCreation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "dirs", "events", "events.ndjson")

	eventLog, err := NewEventLog(logPath, discard())
	require.NoError(t, err)
	defer eventLog.Close()

	info, err := os.Stat(filepath.Dir(logPath))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestReadAllMissingFile(t *testing.T) {
	records, err := ReadAll(filepath.Join(t.TempDir(), "absent.ndjson"), discard())
	assert.NoError(t, err)
	assert.Empty(t, records)
}
