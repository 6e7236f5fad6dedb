// Package runs orchestrates supervised tool processes: it persists their
// output, turns in-band signals into interaction requests and records how
// each run ends.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/helios/internal/adapter"
	"github.com/iambrandonn/helios/internal/interaction"
	"github.com/iambrandonn/helios/internal/metrics"
	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/signalparse"
	"github.com/iambrandonn/helios/internal/store"
	"github.com/iambrandonn/helios/internal/supervisor"
)

const (
	DefaultOutputLimit = 100
	MaxOutputLimit     = 1000
	// ManualCommand marks runs registered without a supervised process.
	ManualCommand = "manual"

	linkStatusActive = "ACTIVE"
)

// Launcher starts processes
type Launcher interface {
	Start(spec supervisor.Spec) (supervisor.Handle, error)
}

// Hooks observe run lifecycle events. Every field is optional and is called
// from the run's consumer goroutine, except OnStarted which runs inside Start.
type Hooks struct {
	OnStarted func(ctx context.Context, run *protocol.Run)
	OnOutput  func(ctx context.Context, out protocol.RunOutput)
	OnEnded   func(ctx context.Context, run *protocol.Run, term protocol.Termination)
}

// Options configures the service
type Options struct {
	Adapters           *adapter.Registry
	Hooks              Hooks
	Metrics            *metrics.Collector
	DefaultOutputLimit int
	MaxOutputLimit     int
	Now                func() time.Time
	// OwnerAlive reports whether the process that started a run still exists.
	OwnerAlive func(pid int) bool
}

// Service owns every live run handle
type Service struct {
	store        *store.Store
	launcher     Launcher
	interactions *interaction.Service
	adapters     *adapter.Registry
	hooks        Hooks
	metrics      *metrics.Collector
	logger       *slog.Logger
	now          func() time.Time
	ownerAlive   func(pid int) bool
	outputLimit  int
	outputMax    int

	// ctx outlives callers; consumers persist output after Start returns.
	ctx context.Context
	wg  sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	run           protocol.Run
	handle        supervisor.Handle
	stopRequested atomic.Bool
	done          chan struct{}
}

// NewService creates the orchestration service and attaches it to interactions
func NewService(st *store.Store, launcher Launcher, interactions *interaction.Service, opts Options, logger *slog.Logger) *Service {
	if opts.Adapters == nil {
		opts.Adapters = adapter.NewRegistry()
	}
	if opts.DefaultOutputLimit <= 0 {
		opts.DefaultOutputLimit = DefaultOutputLimit
	}
	if opts.MaxOutputLimit <= 0 {
		opts.MaxOutputLimit = MaxOutputLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OwnerAlive == nil {
		opts.OwnerAlive = supervisor.ProcessAlive
	}
	s := &Service{
		store:        st,
		launcher:     launcher,
		interactions: interactions,
		adapters:     opts.Adapters,
		hooks:        opts.Hooks,
		metrics:      opts.Metrics,
		logger:       logger,
		now:          opts.Now,
		ownerAlive:   opts.OwnerAlive,
		outputLimit:  opts.DefaultOutputLimit,
		outputMax:    opts.MaxOutputLimit,
		ctx:          context.Background(),
		entries:      make(map[string]*entry),
	}
	if interactions != nil {
		interactions.SetRuns(s)
	}
	return s
}

// Recover ends every ACTIVE run whose owning process is gone. Runs recorded
// by this process predate the service, so no handle exists for them either.
// Runs owned by another live process are left alone.
func (s *Service) Recover(ctx context.Context) (int64, error) {
	self := os.Getpid()
	n, err := s.store.EndOrphanedRuns(ctx, s.now().UTC(), func(pid int) bool {
		return pid != self && s.ownerAlive(pid)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("ended orphaned runs", "count", n)
	}
	return n, nil
}

// StartInput describes a run to launch. When Command is empty the provider
// adapter builds the command line from Prompt.
type StartInput struct {
	TaskID          string
	ToolSessionID   string
	CollabSessionID string
	Provider        protocol.Provider
	Prompt          string
	ResumeSessionID string

	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// Start launches a process and returns its ACTIVE run
func (s *Service) Start(ctx context.Context, input StartInput) (*protocol.Run, error) {
	if !input.Provider.Valid() {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "unsupported provider %q", input.Provider)
	}

	spec := supervisor.Spec{Command: input.Command, Args: input.Args, Dir: input.Dir, Env: input.Env}
	if spec.Command == "" {
		inv, err := s.adapters.Build(input.Provider, adapter.Request{Prompt: input.Prompt, ResumeSessionID: input.ResumeSessionID})
		if err != nil {
			return nil, err
		}
		spec.Command = inv.Command
		spec.Args = inv.Args
		spec.Env = mergeEnv(inv.Env, input.Env)
	}

	toolSessionID := input.ToolSessionID
	if toolSessionID == "" {
		toolSessionID = uuid.NewString()
	}
	args := spec.Args
	if args == nil {
		args = []string{}
	}
	run := &protocol.Run{
		RunID:           uuid.NewString(),
		TaskID:          input.TaskID,
		ToolSessionID:   toolSessionID,
		CollabSessionID: input.CollabSessionID,
		Provider:        input.Provider,
		Status:          protocol.RunStatusActive,
		Command:         spec.Command,
		Args:            args,
		CreatedAt:       s.now().UTC(),
	}

	handle, err := s.launcher.Start(spec)
	if err != nil {
		s.logger.Error("failed to start run", "cmd", spec.Command, "provider", input.Provider, "error", err)
		return nil, protocol.Errorf(protocol.CodeRunNotActive, "failed to start %s: %v", spec.Command, err)
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		if kerr := handle.Kill(); kerr != nil {
			s.logger.Warn("failed to kill unrecorded process", "pid", handle.PID(), "error", kerr)
		}
		return nil, err
	}

	e := &entry{run: *run, handle: handle, done: make(chan struct{})}
	s.mu.Lock()
	s.entries[run.RunID] = e
	s.mu.Unlock()

	s.linkToolSession(ctx, run)
	s.summarize(ctx, run.ToolSessionID, fmt.Sprintf("Run %s started by %s", run.RunID, run.Provider))

	s.logger.Info("run started",
		"run_id", run.RunID,
		"provider", run.Provider,
		"pid", handle.PID(),
		"backend", handle.Backend())
	s.metrics.RunStarted(string(run.Provider), string(handle.Backend()))
	if s.hooks.OnStarted != nil {
		s.hooks.OnStarted(ctx, run)
	}

	s.wg.Add(1)
	go s.consume(e)

	return run, nil
}

// RegisterInput describes a run whose process is owned elsewhere
type RegisterInput struct {
	RunID           string
	TaskID          string
	ToolSessionID   string
	CollabSessionID string
	Provider        protocol.Provider
}

// RegisterRun records an ACTIVE run without a supervised process.
// Writes to it fail with RunNotActive.
func (s *Service) RegisterRun(ctx context.Context, input RegisterInput) (*protocol.Run, error) {
	if !input.Provider.Valid() {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "unsupported provider %q", input.Provider)
	}
	if input.ToolSessionID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "tool_session_id is required")
	}
	runID := input.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	run := &protocol.Run{
		RunID:           runID,
		TaskID:          input.TaskID,
		ToolSessionID:   input.ToolSessionID,
		CollabSessionID: input.CollabSessionID,
		Provider:        input.Provider,
		Status:          protocol.RunStatusActive,
		Command:         ManualCommand,
		Args:            []string{},
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.linkToolSession(ctx, run)
	s.logger.Info("run registered", "run_id", run.RunID, "provider", run.Provider)
	return run, nil
}

// Stop ends a run. The ENDED transition is recorded immediately; the process
// receives SIGTERM and, after the grace period, SIGKILL. Stopping an ended run
// returns it unchanged.
func (s *Service) Stop(ctx context.Context, runID string) (*protocol.Run, error) {
	s.mu.Lock()
	e := s.entries[runID]
	s.mu.Unlock()

	if e != nil {
		e.stopRequested.Store(true)
		if err := e.handle.Kill(); err != nil {
			s.logger.Warn("failed to signal run", "run_id", runID, "error", err)
		}
	}

	if _, err := s.store.EndRun(ctx, runID, s.now().UTC()); err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("run stopped", "run_id", runID, "supervised", e != nil)
	return run, nil
}

// WriteStdin forwards text unchanged to the run's process
func (s *Service) WriteStdin(ctx context.Context, runID, text string) (*protocol.RunWrite, error) {
	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeRunNotActive, "run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	if !run.Active() {
		return nil, protocol.Errorf(protocol.CodeRunNotActive, "run %s is %s", runID, run.Status)
	}

	s.mu.Lock()
	e := s.entries[runID]
	s.mu.Unlock()
	if e == nil {
		return nil, protocol.Errorf(protocol.CodeRunNotActive, "run %s has no attached process", runID)
	}

	if _, err := e.handle.Write([]byte(text)); err != nil {
		return nil, protocol.Errorf(protocol.CodeRunNotActive, "write to run %s failed: %v", runID, err)
	}

	w := protocol.RunWrite{RunID: runID, StdinText: text, WrittenAt: s.now().UTC()}
	if err := s.store.AppendWrite(ctx, w); err != nil {
		// The bytes already reached the process.
		s.logger.Error("failed to record stdin write", "run_id", runID, "error", err)
	}
	s.metrics.StdinWrite(len(text))
	s.logger.Debug("stdin written", "run_id", runID, "bytes", len(text))
	return &w, nil
}

// SendLine writes text plus a trailing newline
func (s *Service) SendLine(ctx context.Context, runID, text string) (*protocol.RunWrite, error) {
	return s.WriteStdin(ctx, runID, text+"\n")
}

// GetRun returns a stored run
func (s *Service) GetRun(ctx context.Context, runID string) (*protocol.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns runs, newest first, optionally filtered by status
func (s *Service) ListRuns(ctx context.Context, status protocol.RunStatus, limit int) ([]protocol.Run, error) {
	return s.store.ListRuns(ctx, status, s.clampLimit(limit))
}

// ListOutput returns the last limit output records in sequence order.
// Zero selects the default; larger values are capped.
func (s *Service) ListOutput(ctx context.Context, runID string, limit int) ([]protocol.RunOutput, error) {
	return s.store.ListOutput(ctx, runID, s.clampLimit(limit))
}

// ListWrites returns the stdin audit trail of a run
func (s *Service) ListWrites(ctx context.Context, runID string) ([]protocol.RunWrite, error) {
	return s.store.ListWrites(ctx, runID)
}

// Peek returns the newest summaries of a tool session
func (s *Service) Peek(ctx context.Context, toolSessionID string, limit int) ([]store.PeekEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.PeekSummaries(ctx, toolSessionID, limit)
}

// Summarize appends a summary line to a tool session
func (s *Service) Summarize(ctx context.Context, toolSessionID, summary string) {
	s.summarize(ctx, toolSessionID, summary)
}

// Wait blocks until the run's consumer has recorded its end
func (s *Service) Wait(ctx context.Context, runID string) error {
	s.mu.Lock()
	e := s.entries[runID]
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the ids of runs with a live process
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every live run and waits for their consumers
func (s *Service) Shutdown(ctx context.Context) error {
	for _, id := range s.Active() {
		if _, err := s.Stop(ctx, id); err != nil {
			s.logger.Warn("failed to stop run during shutdown", "run_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to end: %w", ctx.Err())
	}
}

// consume drains one run's output until the process exits
func (s *Service) consume(e *entry) {
	defer s.wg.Done()
	defer close(e.done)

	ctx := s.ctx
	run := e.run
	var parser signalparse.Parser

	for chunk := range e.handle.Output() {
		data := string(chunk)
		receivedAt := s.now().UTC()
		seq, err := s.store.AppendOutput(ctx, run.RunID, data, receivedAt)
		if err != nil {
			s.logger.Error("failed to persist output", "run_id", run.RunID, "error", err)
		}
		s.metrics.Output(len(chunk))
		if s.hooks.OnOutput != nil {
			s.hooks.OnOutput(ctx, protocol.RunOutput{RunID: run.RunID, Seq: seq, Data: data, ReceivedAt: receivedAt})
		}

		signals, malformed := parser.Feed(data)
		s.metrics.Signals(len(signals), malformed)
		if malformed > 0 {
			s.logger.Debug("discarded malformed signal lines", "run_id", run.RunID, "count", malformed)
		}
		for _, sig := range signals {
			s.raise(ctx, &run, sig)
		}
	}

	<-e.handle.Done()
	s.finish(ctx, e)
}

// raise turns a parsed signal into a PENDING interaction request
func (s *Service) raise(ctx context.Context, run *protocol.Run, sig signalparse.Signal) {
	if s.interactions == nil {
		return
	}
	req, err := s.interactions.Create(ctx, interaction.CreateInput{
		CollabSessionID: run.CollabSessionID,
		ToolSessionID:   run.ToolSessionID,
		RunID:           run.RunID,
		Prompt:          sig.Prompt,
		Options:         sig.Options,
		Timeout:         sig.Timeout,
	})
	if err != nil {
		s.logger.Error("failed to create interaction", "run_id", run.RunID, "error", err)
		return
	}
	s.summarize(ctx, run.ToolSessionID, "NEED_USER_INPUT created: "+req.InteractionRequestID)
}

func (s *Service) finish(ctx context.Context, e *entry) {
	status := e.handle.Exit()
	endedAt := s.now().UTC()

	term := protocol.Termination{Kind: protocol.TerminationExited, ExitCode: status.Code, Signal: status.Signal, EndedAt: endedAt}
	if e.stopRequested.Load() {
		term.Kind = protocol.TerminationStopped
	}

	s.mu.Lock()
	delete(s.entries, e.run.RunID)
	s.mu.Unlock()

	if _, err := s.store.EndRun(ctx, e.run.RunID, endedAt); err != nil {
		s.logger.Error("failed to end run", "run_id", e.run.RunID, "error", err)
	}
	run, err := s.store.GetRun(ctx, e.run.RunID)
	if err != nil {
		s.logger.Error("failed to reload ended run", "run_id", e.run.RunID, "error", err)
		ended := e.run
		ended.Status = protocol.RunStatusEnded
		ended.EndedAt = &endedAt
		run = &ended
	}

	outcome := "exited"
	switch {
	case term.Kind == protocol.TerminationStopped:
		outcome = "stopped"
	case term.Failed():
		outcome = "failed"
	}
	s.logger.Info("run ended",
		"run_id", run.RunID,
		"kind", term.Kind,
		"exit_code", term.ExitCode,
		"signal", term.Signal)
	if status.Err != nil {
		s.logger.Warn("run wait failed", "run_id", run.RunID, "error", status.Err)
	}
	s.metrics.RunEnded(string(run.Provider), outcome)

	if s.hooks.OnEnded != nil {
		s.hooks.OnEnded(ctx, run, term)
	}
}

func (s *Service) linkToolSession(ctx context.Context, run *protocol.Run) {
	link := &protocol.ToolSessionLink{
		LinkID:          uuid.NewString(),
		CollabSessionID: run.CollabSessionID,
		TaskID:          run.TaskID,
		Provider:        run.Provider,
		ToolSessionID:   run.ToolSessionID,
		Status:          linkStatusActive,
		LastActiveAt:    run.CreatedAt,
		CreatedAt:       run.CreatedAt,
	}
	if err := s.store.UpsertToolSessionLink(ctx, link); err != nil {
		s.logger.Warn("failed to link tool session", "run_id", run.RunID, "tool_session_id", run.ToolSessionID, "error", err)
	}
}

func (s *Service) summarize(ctx context.Context, toolSessionID, summary string) {
	if toolSessionID == "" {
		return
	}
	if err := s.store.AppendSummary(ctx, toolSessionID, summary, s.now().UTC()); err != nil {
		s.logger.Warn("failed to append summary", "tool_session_id", toolSessionID, "error", err)
	}
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.outputLimit
	}
	if limit > s.outputMax {
		return s.outputMax
	}
	return limit
}

func mergeEnv(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	env := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range override {
		env[k] = v
	}
	return env
}
