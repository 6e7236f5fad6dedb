//go:build unix

package testharness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iambrandonn/helios/internal/eventlog"
)

func TestRunSmokeChoice(t *testing.T) {
	result := runSmokeScenario(t, ScenarioChoice)
	if result.RunErr != nil {
		t.Fatalf("helios run returned error: %v\nstdout:%s\nstderr:%s", result.RunErr, result.Stdout, result.Stderr)
	}

	if !strings.Contains(result.Stdout, "ANSWER:yes") {
		t.Fatalf("expected tool to receive the answer:\n%s", result.Stdout)
	}
	if !strings.Contains(result.Stdout, "answered via direct") {
		t.Fatalf("expected resolution line:\n%s", result.Stdout)
	}
	if got := countEvents(result.Events, eventlog.TypeInteractionResolved); got != 1 {
		t.Fatalf("expected 1 interaction.resolved event, got %d", got)
	}
}

func TestRunSmokePrefixSplit(t *testing.T) {
	result := runSmokeScenario(t, ScenarioPrefixSplit)
	if result.RunErr != nil {
		t.Fatalf("helios run returned error: %v\nstdout:%s\nstderr:%s", result.RunErr, result.Stdout, result.Stderr)
	}

	for _, want := range []string{"ANSWER:first", "ANSWER:second"} {
		if !strings.Contains(result.Stdout, want) {
			t.Fatalf("expected %q in output:\n%s", want, result.Stdout)
		}
	}
	if got := countEvents(result.Events, eventlog.TypeInteractionCreated); got != 2 {
		t.Fatalf("expected 2 interaction.created events, got %d", got)
	}
}

func TestRunSmokeMalformedMarker(t *testing.T) {
	result := runSmokeScenario(t, ScenarioMalformed)
	if result.RunErr != nil {
		t.Fatalf("helios run returned error: %v\nstderr:%s", result.RunErr, result.Stderr)
	}
	if got := countEvents(result.Events, eventlog.TypeInteractionCreated); got != 0 {
		t.Fatalf("malformed marker raised %d questions", got)
	}
	if got := countEvents(result.Events, eventlog.TypeRunEnded); got != 1 {
		t.Fatalf("expected 1 run.ended event, got %d", got)
	}
}

func TestRunSmokeFailure(t *testing.T) {
	result := runSmokeScenario(t, ScenarioFailure)
	if result.RunErr == nil {
		t.Fatalf("expected helios to fail when the tool exits non-zero\nstdout:%s", result.Stdout)
	}
	if !strings.Contains(result.Stdout, "exited code=4") {
		t.Fatalf("expected exit code in output:\n%s", result.Stdout)
	}
}

func countEvents(records []eventlog.Record, typ eventlog.Type) int {
	n := 0
	for _, rec := range records {
		if rec.Type == typ {
			n++
		}
	}
	return n
}

func runSmokeScenario(t *testing.T, scenario Scenario) *SmokeResult {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke scenarios build binaries")
	}

	repoRoot, err := DetectRepoRoot()
	if err != nil {
		t.Fatalf("failed to locate repo root: %v", err)
	}

	tempDir := t.TempDir()
	binDir := filepath.Join(tempDir, "bin")
	cacheDir := filepath.Join(tempDir, "gocache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("failed to create gocache: %v", err)
	}
	t.Setenv("GOCACHE", cacheDir)

	ctx := context.Background()
	heliosBin, mocktoolBin, err := BuildBinaries(ctx, repoRoot, binDir)
	if err != nil {
		t.Fatalf("failed to build binaries: %v", err)
	}

	result, err := RunSmoke(ctx, SmokeOptions{
		Scenario:       scenario,
		HeliosBinary:   heliosBin,
		MockToolBinary: mocktoolBin,
		WorkspaceDir:   filepath.Join(tempDir, "workspace"),
	})
	if err != nil {
		t.Fatalf("RunSmoke returned error: %v", err)
	}
	return result
}
