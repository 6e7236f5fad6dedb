package interaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/helios/internal/metrics"
	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/store"
)

var baseTime = time.Date(2025, 10, 19, 19, 0, 0, 0, time.UTC)

// fakeRuns records stdin lines for runs held in memory
type fakeRuns struct {
	mu       sync.Mutex
	runs     map[string]*protocol.Run
	lines    map[string][]string
	writeErr error
}

func newFakeRuns(runs ...*protocol.Run) *fakeRuns {
	f := &fakeRuns{runs: make(map[string]*protocol.Run), lines: make(map[string][]string)}
	for _, r := range runs {
		f.runs[r.RunID] = r
	}
	return f
}

func (f *fakeRuns) GetRun(_ context.Context, runID string) (*protocol.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	copied := *run
	return &copied, nil
}

func (f *fakeRuns) SendLine(_ context.Context, runID, text string) (*protocol.RunWrite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.lines[runID] = append(f.lines[runID], text+"\n")
	return &protocol.RunWrite{RunID: runID, StdinText: text + "\n", WrittenAt: baseTime}, nil
}

func (f *fakeRuns) end(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID].Status = protocol.RunStatusEnded
}

func (f *fakeRuns) written(runID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines[runID]...)
}

func activeRun(id, toolSession string) *protocol.Run {
	return &protocol.Run{
		RunID:           id,
		TaskID:          "task-1",
		ToolSessionID:   toolSession,
		CollabSessionID: "collab-1",
		Provider:        protocol.ProviderCodex,
		Status:          protocol.RunStatusActive,
		Command:         "codex",
		CreatedAt:       baseTime,
	}
}

type fixture struct {
	svc     *Service
	store   *store.Store
	runs    *fakeRuns
	clock   *time.Time
	reg     *prometheus.Registry

	mu       sync.Mutex
	resolved []*Resolution
	closed   []protocol.InteractionStatus
}

func newFixture(t *testing.T, runs ...*protocol.Run) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "helios.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := baseTime
	f := &fixture{store: st, runs: newFakeRuns(runs...), clock: &now}
	f.reg = prometheus.NewRegistry()
	f.svc = NewService(st, f.runs, Options{
		Metrics: metrics.NewCollector(f.reg),
		Now:     func() time.Time { return *f.clock },
		Hooks: Hooks{
			OnResolved: func(_ context.Context, _ *protocol.InteractionRequest, res *Resolution) {
				f.mu.Lock()
				f.resolved = append(f.resolved, res)
				f.mu.Unlock()
			},
			OnClosed: func(_ context.Context, req *protocol.InteractionRequest) {
				f.mu.Lock()
				f.closed = append(f.closed, req.Status)
				f.mu.Unlock()
			},
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) create(t *testing.T, runID, toolSession string) *protocol.InteractionRequest {
	t.Helper()
	req, err := f.svc.Create(context.Background(), CreateInput{
		CollabSessionID: "collab-1",
		ToolSessionID:   toolSession,
		RunID:           runID,
		Prompt:          "Continue?",
		Options:         []string{"yes", "no"},
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestCreateDefaults(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")

	assert.Equal(t, protocol.InteractionPending, req.Status)
	assert.Equal(t, baseTime.Add(DefaultTimeout), req.ExpiresAt)

	custom, err := f.svc.Create(context.Background(), CreateInput{RunID: "run-1", Prompt: "Pick", Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(time.Minute), custom.ExpiresAt)
	assert.Equal(t, []string{}, custom.Options)

	_, err = f.svc.Create(context.Background(), CreateInput{RunID: "run-1", Prompt: "  "})
	assert.True(t, errors.Is(err, protocol.ErrInvalidArgument))

	assert.Equal(t, 2.0, counterValue(t, f.reg, "helios_interactions_created_total"))
}

func TestResolveWritesAnswerOnce(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")
	ctx := context.Background()

	input := ResolveInput{
		RunID:                "run-1",
		InteractionRequestID: req.InteractionRequestID,
		Answer:               "yes",
		IdempotencyKey:       "k1",
	}
	res, err := f.svc.Resolve(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResolutionAccepted, res.Status)
	assert.Equal(t, 4, res.WrittenBytes)

	replay, err := f.svc.Resolve(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResolutionNoopIdempotent, replay.Status)
	assert.Equal(t, 0, replay.WrittenBytes)
	assert.Equal(t, "run-1", replay.RunID)

	assert.Equal(t, []string{"yes\n"}, f.runs.written("run-1"))

	stored, err := f.svc.Get(ctx, req.InteractionRequestID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionResolved, stored.Status)
	require.NotNil(t, stored.Answer)
	assert.Equal(t, protocol.Answer{Type: protocol.AnswerText, Value: "yes"}, *stored.Answer)

	_, err = f.svc.Resolve(ctx, ResolveInput{
		RunID:                "run-1",
		InteractionRequestID: req.InteractionRequestID,
		Answer:               "no",
		IdempotencyKey:       "k2",
	})
	assert.True(t, errors.Is(err, protocol.ErrInteractionNotPending))
	assert.Len(t, f.resolved, 1)
}

func TestResolveTrimsOneTrailingNewline(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")

	res, err := f.svc.Resolve(context.Background(), ResolveInput{
		RunID:                "run-1",
		InteractionRequestID: req.InteractionRequestID,
		Answer:               "line\r\n",
		IdempotencyKey:       "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.WrittenBytes)
	assert.Equal(t, []string{"line\n"}, f.runs.written("run-1"))
}

func TestResolveValidation(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"), activeRun("run-2", "ts-1"))
	req := f.create(t, "run-1", "ts-1")
	ctx := context.Background()

	tests := []struct {
		name  string
		input ResolveInput
		want  error
	}{
		{
			name:  "missing key",
			input: ResolveInput{RunID: "run-1", InteractionRequestID: req.InteractionRequestID, Answer: "yes"},
			want:  protocol.ErrInvalidArgument,
		},
		{
			name:  "bad answer type",
			input: ResolveInput{RunID: "run-1", InteractionRequestID: req.InteractionRequestID, Answer: "yes", AnswerType: "audio", IdempotencyKey: "k"},
			want:  protocol.ErrInvalidArgument,
		},
		{
			name:  "unknown interaction",
			input: ResolveInput{RunID: "run-1", InteractionRequestID: "missing", Answer: "yes", IdempotencyKey: "k"},
			want:  protocol.ErrInteractionNotFound,
		},
		{
			name:  "empty run",
			input: ResolveInput{InteractionRequestID: req.InteractionRequestID, Answer: "yes", IdempotencyKey: "k"},
			want:  protocol.ErrBindingMismatch,
		},
		{
			name:  "other run",
			input: ResolveInput{RunID: "run-2", InteractionRequestID: req.InteractionRequestID, Answer: "yes", IdempotencyKey: "k"},
			want:  protocol.ErrBindingMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Resolve(ctx, tt.input)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	assert.Empty(t, f.runs.written("run-1"))
	assert.Empty(t, f.runs.written("run-2"))

	stored, err := f.svc.Get(ctx, req.InteractionRequestID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionPending, stored.Status)
}

func TestResolveCancelsWhenRunEnded(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")
	f.runs.end("run-1")

	_, err := f.svc.Resolve(context.Background(), ResolveInput{
		RunID:                "run-1",
		InteractionRequestID: req.InteractionRequestID,
		Answer:               "yes",
		IdempotencyKey:       "k1",
	})
	assert.True(t, errors.Is(err, protocol.ErrRunNotActive))

	stored, err := f.svc.Get(context.Background(), req.InteractionRequestID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionCancelled, stored.Status)
	assert.Equal(t, []protocol.InteractionStatus{protocol.InteractionCancelled}, f.closed)
}

func TestResolveLeavesRequestPendingWhenWriteFails(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")
	f.runs.writeErr = errors.New("broken pipe")

	_, err := f.svc.Resolve(context.Background(), ResolveInput{
		RunID:                "run-1",
		InteractionRequestID: req.InteractionRequestID,
		Answer:               "yes",
		IdempotencyKey:       "k1",
	})
	assert.True(t, errors.Is(err, protocol.ErrRunNotActive))

	stored, err := f.svc.Get(context.Background(), req.InteractionRequestID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionPending, stored.Status)

	consumed, err := f.store.IsKeyConsumed(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestExpiryIsPersistedLazily(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")
	ctx := context.Background()

	f.advance(DefaultTimeout)

	raw, err := f.store.GetInteraction(ctx, req.InteractionRequestID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionPending, raw.Status, "nothing sweeps in the background")

	pending, err := f.svc.ListPending(ctx, store.PendingFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.svc.Resolve(ctx, ResolveInput{
		RunID:                "run-1",
		InteractionRequestID: req.InteractionRequestID,
		Answer:               "yes",
		IdempotencyKey:       "k1",
	})
	assert.True(t, errors.Is(err, protocol.ErrInteractionExpired))
	assert.Empty(t, f.runs.written("run-1"))

	raw, err = f.store.GetInteraction(ctx, req.InteractionRequestID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionExpired, raw.Status)

	_, err = f.svc.Resolve(ctx, ResolveInput{
		RunID:                "run-1",
		InteractionRequestID: req.InteractionRequestID,
		Answer:               "yes",
		IdempotencyKey:       "k2",
	})
	assert.True(t, errors.Is(err, protocol.ErrInteractionNotPending))
}

func TestGetExpiresPastDeadline(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")

	f.advance(DefaultTimeout + time.Second)

	got, err := f.svc.Get(context.Background(), req.InteractionRequestID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionExpired, got.Status)
	assert.Equal(t, []protocol.InteractionStatus{protocol.InteractionExpired}, f.closed)

	_, err = f.svc.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, protocol.ErrInteractionNotFound))
}

func TestHandleCallback(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")
	ctx := context.Background()

	input := CallbackInput{
		EventID:              "evt-1",
		InteractionRequestID: req.InteractionRequestID,
		AnswerType:           protocol.AnswerChoice,
		AnswerValue:          "no",
		AnsweredBy:           "ou_123",
		OccurredAt:           baseTime,
	}
	res, err := f.svc.HandleCallback(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResolutionAccepted, res.Status)
	assert.Equal(t, 3, res.WrittenBytes)
	assert.Equal(t, "ou_123", res.Actor)

	input.IdempotencyKey = "fresh-key"
	replay, err := f.svc.HandleCallback(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResolutionNoopIdempotent, replay.Status, "the event id alone suppresses replays")

	assert.Equal(t, []string{"no\n"}, f.runs.written("run-1"))
}

func TestHandleCallbackRequiresKey(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")

	_, err := f.svc.HandleCallback(context.Background(), CallbackInput{
		InteractionRequestID: req.InteractionRequestID,
		AnswerType:           protocol.AnswerText,
		AnswerValue:          "x",
	})
	assert.True(t, errors.Is(err, protocol.ErrInvalidArgument))
}

func TestHandleCallbackToolSessionMismatch(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-other"))
	req := f.create(t, "run-1", "ts-1")

	_, err := f.svc.HandleCallback(context.Background(), CallbackInput{
		EventID:              "evt-1",
		InteractionRequestID: req.InteractionRequestID,
		AnswerType:           protocol.AnswerText,
		AnswerValue:          "ok",
	})
	assert.True(t, errors.Is(err, protocol.ErrBindingMismatch))

	stored, err := f.svc.Get(context.Background(), req.InteractionRequestID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InteractionCancelled, stored.Status)
	assert.Empty(t, f.runs.written("run-1"))
}

func TestCallbackKeysDoNotCollideWithDirectKeys(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	first := f.create(t, "run-1", "ts-1")
	second := f.create(t, "run-1", "ts-1")
	ctx := context.Background()

	_, err := f.svc.Resolve(ctx, ResolveInput{
		RunID:                "run-1",
		InteractionRequestID: first.InteractionRequestID,
		Answer:               "yes",
		IdempotencyKey:       "shared",
	})
	require.NoError(t, err)

	res, err := f.svc.HandleCallback(ctx, CallbackInput{
		IdempotencyKey:       "shared",
		InteractionRequestID: second.InteractionRequestID,
		AnswerType:           protocol.AnswerText,
		AnswerValue:          "later",
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.ResolutionAccepted, res.Status)
	assert.Equal(t, []string{"yes\n", "later\n"}, f.runs.written("run-1"))
}

func TestConcurrentPathsHaveOneWinner(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")
	ctx := context.Background()

	const workers = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var (
				res *Resolution
				err error
			)
			if i%2 == 0 {
				res, err = f.svc.Resolve(ctx, ResolveInput{
					RunID:                "run-1",
					InteractionRequestID: req.InteractionRequestID,
					Answer:               "direct",
					IdempotencyKey:       fmt.Sprintf("direct-%d", i),
				})
			} else {
				res, err = f.svc.HandleCallback(ctx, CallbackInput{
					EventID:              fmt.Sprintf("evt-%d", i),
					InteractionRequestID: req.InteractionRequestID,
					AnswerType:           protocol.AnswerText,
					AnswerValue:          "callback",
				})
			}
			if err != nil {
				assert.True(t, errors.Is(err, protocol.ErrInteractionNotPending), "got %v", err)
				return
			}
			if res.Status == protocol.ResolutionAccepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Len(t, f.runs.written("run-1"), 1)
}

func TestResolutionMetrics(t *testing.T) {
	f := newFixture(t, activeRun("run-1", "ts-1"))
	req := f.create(t, "run-1", "ts-1")
	ctx := context.Background()

	input := ResolveInput{RunID: "run-1", InteractionRequestID: req.InteractionRequestID, Answer: "y", IdempotencyKey: "k"}
	_, err := f.svc.Resolve(ctx, input)
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, f.reg, "helios_interaction_resolutions_total", "path", "direct", "result", "accepted"))
	assert.Equal(t, 1.0, counterValue(t, f.reg, "helios_interaction_resolutions_total", "path", "direct", "result", "noop"))
	assert.Equal(t, 1.0, counterValue(t, f.reg, "helios_idempotent_replays_total", "scope", "direct"))
}

// counterValue finds the counter named name whose labels include the given pairs
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for i := 0; i+1 < len(labels); i += 2 {
				if got[labels[i]] != labels[i+1] {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
