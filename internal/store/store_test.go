package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/helios/internal/protocol"
)

var baseTime = time.Date(2025, 10, 19, 19, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "helios.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(id string) *protocol.Run {
	return &protocol.Run{
		RunID:         id,
		TaskID:        "task-1",
		ToolSessionID: "ts-1",
		Provider:      protocol.ProviderCodex,
		Status:        protocol.RunStatusActive,
		Command:       "codex",
		Args:          []string{"exec", "hello"},
		CreatedAt:     baseTime,
	}
}

func testInteraction(id, runID string) *protocol.InteractionRequest {
	return &protocol.InteractionRequest{
		InteractionRequestID: id,
		CollabSessionID:      "collab-1",
		ToolSessionID:        "ts-1",
		RunID:                runID,
		Prompt:               "Continue?",
		Options:              []string{"yes", "no"},
		Status:               protocol.InteractionPending,
		CreatedAt:            baseTime,
		ExpiresAt:            baseTime.Add(15 * time.Minute),
	}
}

func TestOpenReopensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helios.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"exec", "hello"}, run.Args)
	assert.Equal(t, path, s.Path())
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))

	_, err := s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	ended, err := s.EndRun(ctx, "run-1", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = s.EndRun(ctx, "run-1", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ended, "ENDED runs never transition again")

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.RunStatusEnded, run.Status)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, baseTime.Add(time.Minute), *run.EndedAt)
}

func TestEndOrphanedRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRunOwnedBy(ctx, testRun("gone"), 4001))
	require.NoError(t, s.CreateRunOwnedBy(ctx, testRun("live"), 4002))
	require.NoError(t, s.CreateRunOwnedBy(ctx, testRun("unowned"), 0))
	require.NoError(t, s.CreateRunOwnedBy(ctx, testRun("finished"), 4001))
	_, err := s.EndRun(ctx, "finished", baseTime)
	require.NoError(t, err)

	n, err := s.EndOrphanedRuns(ctx, baseTime.Add(time.Hour), func(pid int) bool { return pid == 4002 })
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	active, err := s.ListRuns(ctx, protocol.RunStatusActive, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].RunID)

	finished, err := s.GetRun(ctx, "finished")
	require.NoError(t, err)
	assert.Equal(t, baseTime, *finished.EndedAt)
}

func TestOpenAddsOwnerColumnToOlderDatabases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helios.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec(`ALTER TABLE runs DROP COLUMN owner_pid`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateRun(context.Background(), testRun("run-1")))
}

func TestOutputTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, chunk := range []string{"a", "b", "c", "d"} {
		_, err := s.AppendOutput(ctx, "run-1", chunk, baseTime.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	_, err := s.AppendOutput(ctx, "run-2", "other", baseTime)
	require.NoError(t, err)

	out, err := s.ListOutput(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].Data)
	assert.Equal(t, "d", out[1].Data)
	assert.Less(t, out[0].Seq, out[1].Seq)
}

func TestWritesAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendWrite(ctx, protocol.RunWrite{RunID: "run-1", StdinText: "yes\n", WrittenAt: baseTime}))
	require.NoError(t, s.AppendWrite(ctx, protocol.RunWrite{RunID: "run-1", StdinText: "no\n", WrittenAt: baseTime}))

	writes, err := s.ListWrites(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, writes, 2)
	assert.Equal(t, "yes\n", writes[0].StdinText)
	assert.Equal(t, 3, writes[1].Bytes())
}

func TestInteractionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := testInteraction("ir-1", "run-1")
	require.NoError(t, s.CreateInteraction(ctx, req))

	got, err := s.GetInteraction(ctx, "ir-1")
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = s.GetInteraction(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolveInteractionConsumesKeysOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInteraction(ctx, testInteraction("ir-1", "run-1")))

	answer := protocol.Answer{Type: protocol.AnswerChoice, Value: "yes"}
	ok, err := s.ResolveInteraction(ctx, "ir-1", answer, baseTime.Add(time.Minute), "key-1", "")
	require.NoError(t, err)
	assert.True(t, ok)

	consumed, err := s.IsKeyConsumed(ctx, "other", "key-1")
	require.NoError(t, err)
	assert.True(t, consumed)

	ok, err = s.ResolveInteraction(ctx, "ir-1", answer, baseTime.Add(2*time.Minute), "key-2")
	require.NoError(t, err)
	assert.False(t, ok)

	consumed, err = s.IsKeyConsumed(ctx, "key-2")
	require.NoError(t, err)
	assert.False(t, consumed, "a losing resolution consumes nothing")

	got, err := s.GetInteraction(ctx, "ir-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionResolved, got.Status)
	assert.Equal(t, &answer, got.Answer)
	require.NotNil(t, got.ResolvedAt)
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInteraction(ctx, testInteraction("ir-1", "run-1")))

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ResolveInteraction(ctx, "ir-1",
				protocol.Answer{Type: protocol.AnswerText, Value: "x"}, baseTime, "k-"+string(rune('a'+i)))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestTransitionInteraction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInteraction(ctx, testInteraction("ir-1", "run-1")))

	_, err := s.TransitionInteraction(ctx, "ir-1", protocol.InteractionPending)
	assert.Error(t, err)

	ok, err := s.TransitionInteraction(ctx, "ir-1", protocol.InteractionCancelled)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionInteraction(ctx, "ir-1", protocol.InteractionExpired)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetInteraction(ctx, "ir-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionCancelled, got.Status)
	assert.Nil(t, got.Answer)
}

func TestListPendingInteractions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := testInteraction("ir-old", "run-1")
	newer := testInteraction("ir-new", "run-2")
	newer.CreatedAt = baseTime.Add(time.Minute)
	newer.ToolSessionID = "ts-2"
	expired := testInteraction("ir-expired", "run-1")
	expired.ExpiresAt = baseTime.Add(time.Second)
	resolved := testInteraction("ir-done", "run-1")
	resolved.Status = protocol.InteractionResolved
	resolved.Answer = &protocol.Answer{Type: protocol.AnswerText, Value: "ok"}

	for _, r := range []*protocol.InteractionRequest{older, newer, expired, resolved} {
		require.NoError(t, s.CreateInteraction(ctx, r))
	}

	now := baseTime.Add(2 * time.Minute)
	all, err := s.ListPendingInteractions(ctx, PendingFilter{}, now, 100)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ir-new", all[0].InteractionRequestID)
	assert.Equal(t, "ir-old", all[1].InteractionRequestID)

	byRun, err := s.ListPendingInteractions(ctx, PendingFilter{RunID: "run-1"}, now, 100)
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, "ir-old", byRun[0].InteractionRequestID)

	byTool, err := s.ListPendingInteractions(ctx, PendingFilter{ToolSessionID: "ts-2", CollabSessionID: "collab-1"}, now, 100)
	require.NoError(t, err)
	require.Len(t, byTool, 1)
	assert.Equal(t, "ir-new", byTool[0].InteractionRequestID)

	limited, err := s.ListPendingInteractions(ctx, PendingFilter{}, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
