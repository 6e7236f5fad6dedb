package testharness

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/helios/internal/app"
	"github.com/iambrandonn/helios/internal/callback"
	"github.com/iambrandonn/helios/internal/feed"
	"github.com/iambrandonn/helios/internal/logging"
	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/runs"
	"github.com/iambrandonn/helios/internal/store"
)

const fakeEncryptKey = "fake-key"

func newFakeApp(t *testing.T, launcher *FakeLauncher, ended chan<- protocol.Termination) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), app.Options{
		StateRoot:   t.TempDir(),
		HITLTimeout: time.Minute,
		Launcher:    launcher,
		EncryptKey:  fakeEncryptKey,
		OnEnded: func(_ context.Context, _ *protocol.Run, term protocol.Termination) {
			if ended != nil {
				ended <- term
			}
		},
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func waitPending(t *testing.T, a *app.App, runID string, n int) protocol.InteractionRequest {
	t.Helper()
	var pending []protocol.InteractionRequest
	require.Eventually(t, func() bool {
		var err error
		pending, err = a.Interactions.ListPending(context.Background(), store.PendingFilter{RunID: runID})
		return err == nil && len(pending) == n
	}, 5*time.Second, 10*time.Millisecond)
	return pending[0]
}

func TestFakeToolAnsweredByCardAndCallback(t *testing.T) {
	launcher := &FakeLauncher{Questions: []FakeQuestion{
		{Prompt: "Deploy?", Options: []string{"yes", "no"}},
		{Prompt: "Release notes?", Split: true},
	}}
	ended := make(chan protocol.Termination, 1)
	a := newFakeApp(t, launcher, ended)
	ctx := context.Background()

	run, err := a.Runs.Start(ctx, runs.StartInput{
		Provider:        protocol.ProviderCodex,
		CollabSessionID: "c-1",
		Command:         "fake",
	})
	require.NoError(t, err)
	require.Len(t, launcher.Tools(), 1)
	assert.Equal(t, "fake", launcher.Tools()[0].Spec.Command)

	first := waitPending(t, a, run.RunID, 1)
	assert.Equal(t, []string{"yes", "no"}, first.Options)
	resp, err := a.HandleCardAction(ctx, protocol.CardAction{
		CollabSessionID: "c-1",
		CardID:          feed.HitlCardID(first.InteractionRequestID),
		ActionID:        protocol.ActionChooseOption,
		Params:          map[string]string{"choice": "yes"},
		IdempotencyKey:  "click-1",
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	var second protocol.InteractionRequest
	require.Eventually(t, func() bool {
		pending, err := a.Interactions.ListPending(ctx, store.PendingFilter{RunID: run.RunID})
		if err != nil || len(pending) != 1 || pending[0].InteractionRequestID == first.InteractionRequestID {
			return false
		}
		second = pending[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Release notes?", second.Prompt)

	body := []byte(`{"event_id":"ev-1","interaction_request_id":"` + second.InteractionRequestID +
		`","answer":{"answer_type":"text","answer_value":"ship it"},"answered_by":{"actor_id":"ou_1"}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	headers := callback.Headers{
		Timestamp: ts,
		Nonce:     "n-1",
		Signature: callback.NewVerifier(fakeEncryptKey, 0).Sign(ts, "n-1", body),
	}
	res, err := a.Callbacks.Process(ctx, headers, body)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResolutionAccepted, res.Status)

	replay, err := a.Callbacks.Process(ctx, headers, body)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResolutionNoopIdempotent, replay.Status)

	select {
	case term := <-ended:
		assert.Equal(t, protocol.TerminationExited, term.Kind)
		assert.Equal(t, 0, term.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end")
	}
	require.NoError(t, a.Runs.Wait(ctx, run.RunID))

	assert.Equal(t, []string{"yes", "ship it"}, launcher.Tools()[0].Answers())

	chunks, err := a.Runs.ListOutput(ctx, run.RunID, 0)
	require.NoError(t, err)
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(c.Data)
	}
	assert.Contains(t, out.String(), "ANSWER:yes")
	assert.Contains(t, out.String(), "ANSWER:ship it")
}

func TestFakeToolStopped(t *testing.T) {
	launcher := &FakeLauncher{Hang: true}
	ended := make(chan protocol.Termination, 1)
	a := newFakeApp(t, launcher, ended)
	ctx := context.Background()

	run, err := a.Runs.Start(ctx, runs.StartInput{Provider: protocol.ProviderClaudeCode, Command: "fake"})
	require.NoError(t, err)

	stopped, err := a.Runs.Stop(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, protocol.RunStatusEnded, stopped.Status)

	select {
	case term := <-ended:
		assert.Equal(t, protocol.TerminationStopped, term.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end")
	}

	_, err = a.Runs.SendLine(ctx, run.RunID, "late")
	assert.True(t, errors.Is(err, protocol.ErrRunNotActive))
}

func TestFakeLauncherStartError(t *testing.T) {
	launcher := &FakeLauncher{Err: errors.New("no such binary")}
	a := newFakeApp(t, launcher, nil)
	ctx := context.Background()

	_, err := a.Runs.Start(ctx, runs.StartInput{Provider: protocol.ProviderCodex, Command: "fake"})
	require.Error(t, err)

	list, err := a.Runs.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
