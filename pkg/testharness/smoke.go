package testharness

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/iambrandonn/helios/internal/config"
	"github.com/iambrandonn/helios/internal/eventlog"
	"github.com/iambrandonn/helios/internal/logging"
	"github.com/iambrandonn/helios/internal/workspace"
)

// Scenario defines a deterministic helios run driven by mocktool flags.
type Scenario struct {
	Name     string
	ToolArgs []string
	// Answers are typed into helios, one per printed pending question.
	Answers []string
}

var (
	// ScenarioChoice asks one multiple-choice question and answers it.
	ScenarioChoice = Scenario{
		Name:     "choice",
		ToolArgs: []string{"-prompt", "Deploy?", "-options", "yes,no"},
		Answers:  []string{"yes"},
	}
	// ScenarioPrefixSplit asks twice with the line-start marker written in two pieces.
	ScenarioPrefixSplit = Scenario{
		Name:     "prefix-split",
		ToolArgs: []string{"-marker", "prefix", "-split", "-questions", "2", "-options", ""},
		Answers:  []string{"first", "second"},
	}
	// ScenarioMalformed prints a broken marker that must not raise a question.
	ScenarioMalformed = Scenario{
		Name:     "malformed",
		ToolArgs: []string{"-malformed", "-questions", "0"},
	}
	// ScenarioFailure exits non-zero without asking anything.
	ScenarioFailure = Scenario{
		Name:     "failure",
		ToolArgs: []string{"-questions", "0", "-exit-code", "4"},
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario       Scenario
	HeliosBinary   string
	MockToolBinary string
	WorkspaceDir   string
	Env            map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario   Scenario
	Workspace  string
	Stdout     string
	Stderr     string
	RunErr     error
	Events     []eventlog.Record
	ConfigPath string
}

// RunSmoke executes a scenario with the provided binaries, answering each
// pending question helios prints with the next scenario answer.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.HeliosBinary == "" {
		return nil, fmt.Errorf("helios binary path is required")
	}
	if opts.MockToolBinary == "" {
		return nil, fmt.Errorf("mocktool binary path is required")
	}

	ws := opts.WorkspaceDir
	var err error
	if ws == "" {
		ws, err = os.MkdirTemp("", "helios-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(ws, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	cfg := config.GenerateDefault()
	cfg.LogLevel = "debug"
	cfg.Supervisor.PreferPTY = false
	cfg.Supervisor.KillGraceMs = 1000

	configPath := filepath.Join(ws, "helios.json")
	if err := cfg.SaveToFile(configPath); err != nil {
		return nil, err
	}

	args := []string{"--config", configPath, "run", "--collab", "smoke", "--task", opts.Scenario.Name, "--", opts.MockToolBinary}
	args = append(args, opts.Scenario.ToolArgs...)
	cmd := exec.CommandContext(ctx, opts.HeliosBinary, args...)
	cmd.Dir = ws
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stdErr := &bytes.Buffer{}
	cmd.Stderr = stdErr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start helios: %w", err)
	}

	stdOut := &bytes.Buffer{}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		answerPrompts(stdout, stdin, stdOut, opts.Scenario.Answers)
	}()

	wg.Wait()
	runErr := cmd.Wait()

	result := &SmokeResult{
		Scenario:   opts.Scenario,
		Workspace:  ws,
		Stdout:     stdOut.String(),
		Stderr:     stdErr.String(),
		RunErr:     runErr,
		ConfigPath: configPath,
	}

	eventsPath := workspace.Layout{Root: cfg.StateRoot(configPath)}.EventsPath()
	events, err := eventlog.ReadAll(eventsPath, logging.Discard())
	if err != nil {
		return result, fmt.Errorf("failed to read events: %w", err)
	}
	result.Events = events

	return result, nil
}

// answerPrompts copies stdout into transcript and types one answer per pending question.
// stdin is closed once the answers run out.
func answerPrompts(stdout io.Reader, stdin io.WriteCloser, transcript *bytes.Buffer, answers []string) {
	if len(answers) == 0 {
		stdin.Close()
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		transcript.WriteString(line)
		transcript.WriteByte('\n')

		if len(answers) == 0 || !strings.Contains(line, "[hitl] ") || !strings.Contains(line, " PENDING") {
			continue
		}
		io.WriteString(stdin, answers[0]+"\n")
		answers = answers[1:]
		if len(answers) == 0 {
			stdin.Close()
		}
	}
	io.Copy(io.Discard, stdout)
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
