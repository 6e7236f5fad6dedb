package adapter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/helios/internal/protocol"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name     string
		provider protocol.Provider
		req      Request
		wantCmd  string
		wantArgs []string
	}{
		{
			name:     "codex fresh",
			provider: protocol.ProviderCodex,
			req:      Request{Prompt: "fix the bug"},
			wantCmd:  "codex",
			wantArgs: []string{"exec", "fix the bug"},
		},
		{
			name:     "codex resume",
			provider: protocol.ProviderCodex,
			req:      Request{Prompt: "continue", ResumeSessionID: "sess-1"},
			wantCmd:  "codex",
			wantArgs: []string{"resume", "sess-1", "--", "continue"},
		},
		{
			name:     "claude fresh",
			provider: protocol.ProviderClaudeCode,
			req:      Request{Prompt: "write tests"},
			wantCmd:  "claude",
			wantArgs: []string{"write tests"},
		},
		{
			name:     "claude resume",
			provider: protocol.ProviderClaudeCode,
			req:      Request{Prompt: "again", ResumeSessionID: " sess-2 "},
			wantCmd:  "claude",
			wantArgs: []string{"--resume", "sess-2", "again"},
		},
	}

	reg := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := reg.Build(tt.provider, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCmd, inv.Command)
			assert.Equal(t, tt.wantArgs, inv.Args)
		})
	}
}

func TestOverridesKeepLeadingArgs(t *testing.T) {
	reg := NewRegistry(Adapter{
		Provider: protocol.ProviderCodex,
		Cmd:      []string{"/opt/bin/codex", "--quiet"},
		Env:      map[string]string{"CODEX_HOME": "/tmp/codex"},
	})

	inv, err := reg.Build(protocol.ProviderCodex, Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/codex", inv.Command)
	assert.Equal(t, []string{"--quiet", "exec", "hi"}, inv.Args)
	assert.Equal(t, "/tmp/codex", inv.Env["CODEX_HOME"])

	inv, err = reg.Build(protocol.ProviderClaudeCode, Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "claude", inv.Command)
}

func TestBuildRejects(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build("gemini", Request{Prompt: "hi"})
	assert.True(t, errors.Is(err, protocol.ErrInvalidArgument))

	_, err = reg.Build(protocol.ProviderCodex, Request{Prompt: "   "})
	assert.True(t, errors.Is(err, protocol.ErrInvalidArgument))

	_, err = Adapter{Provider: protocol.ProviderCodex}.Build(Request{Prompt: "hi"})
	assert.Error(t, err)
}
