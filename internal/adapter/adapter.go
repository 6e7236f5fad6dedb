// Package adapter turns a provider and prompt into the command line of the
// external tool that serves it.
package adapter

import (
	"fmt"
	"strings"

	"github.com/iambrandonn/helios/internal/protocol"
)

// Request is what a caller wants the tool to do
type Request struct {
	Prompt string
	// ResumeSessionID continues an existing tool-side session when set.
	ResumeSessionID string
}

// Invocation is a fully resolved command line
type Invocation struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Adapter describes how to launch one provider.
// Cmd holds the executable followed by any fixed leading arguments.
type Adapter struct {
	Provider protocol.Provider
	Cmd      []string
	Env      map[string]string
}

// Registry maps providers to adapters
type Registry struct {
	adapters map[protocol.Provider]Adapter
}

// Defaults returns the stock adapters for every supported provider
func Defaults() []Adapter {
	return []Adapter{
		{Provider: protocol.ProviderCodex, Cmd: []string{"codex"}},
		{Provider: protocol.ProviderClaudeCode, Cmd: []string{"claude"}},
	}
}

// NewRegistry builds a registry from the defaults, replaced by any overrides
func NewRegistry(overrides ...Adapter) *Registry {
	r := &Registry{adapters: make(map[protocol.Provider]Adapter)}
	for _, a := range Defaults() {
		r.adapters[a.Provider] = a
	}
	for _, a := range overrides {
		if len(a.Cmd) == 0 {
			a.Cmd = r.adapters[a.Provider].Cmd
		}
		r.adapters[a.Provider] = a
	}
	return r
}

// Lookup returns the adapter for provider
func (r *Registry) Lookup(provider protocol.Provider) (Adapter, bool) {
	a, ok := r.adapters[provider]
	return a, ok
}

// Build resolves the command line for provider
func (r *Registry) Build(provider protocol.Provider, req Request) (Invocation, error) {
	a, ok := r.Lookup(provider)
	if !ok {
		return Invocation{}, protocol.Errorf(protocol.CodeInvalidArgument, "unsupported provider %q", provider)
	}
	return a.Build(req)
}

// Build resolves the command line for req
func (a Adapter) Build(req Request) (Invocation, error) {
	if len(a.Cmd) == 0 || a.Cmd[0] == "" {
		return Invocation{}, fmt.Errorf("adapter %s: empty command", a.Provider)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Invocation{}, protocol.Errorf(protocol.CodeInvalidArgument, "prompt is required")
	}

	args := append([]string(nil), a.Cmd[1:]...)
	resume := strings.TrimSpace(req.ResumeSessionID)

	switch a.Provider {
	case protocol.ProviderCodex:
		if resume != "" {
			args = append(args, "resume", resume, "--", req.Prompt)
		} else {
			args = append(args, "exec", req.Prompt)
		}
	case protocol.ProviderClaudeCode:
		if resume != "" {
			args = append(args, "--resume", resume)
		}
		args = append(args, req.Prompt)
	default:
		return Invocation{}, protocol.Errorf(protocol.CodeInvalidArgument, "unsupported provider %q", a.Provider)
	}

	var env map[string]string
	if len(a.Env) > 0 {
		env = make(map[string]string, len(a.Env))
		for k, v := range a.Env {
			env[k] = v
		}
	}
	return Invocation{Command: a.Cmd[0], Args: args, Env: env}, nil
}
