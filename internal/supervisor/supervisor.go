package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Backend identifies how the child's terminal is provided
type Backend string

const (
	BackendPTY  Backend = "pty"
	BackendPipe Backend = "pipe"
)

// ErrNotRunning is returned when writing to a process that has exited
var ErrNotRunning = errors.New("process not running")

const (
	defaultCols         = 160
	defaultRows         = 48
	defaultKillGrace    = 5 * time.Second
	defaultDrainTimeout = 2 * time.Second
	readBufferSize      = 32 * 1024
)

// Spec describes the process to launch
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Env entries override the inherited environment.
	Env map[string]string
}

// Options configures the supervisor
type Options struct {
	PreferPTY bool
	Cols      uint16
	Rows      uint16
	// KillGrace is how long Kill waits after SIGTERM before sending SIGKILL.
	KillGrace time.Duration
	// DrainTimeout bounds how long output is read after the process exits.
	DrainTimeout time.Duration
}

// DefaultOptions returns the settings used when none are configured
func DefaultOptions() Options {
	return Options{
		PreferPTY:    true,
		Cols:         defaultCols,
		Rows:         defaultRows,
		KillGrace:    defaultKillGrace,
		DrainTimeout: defaultDrainTimeout,
	}
}

// ExitStatus describes how a process terminated
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Handle is a running child process.
//
// Output delivers combined stdout/stderr chunks in arrival order and is closed
// once no more output will arrive. Done is closed after the process has exited
// and Output has been closed, so every chunk precedes the exit notification.
type Handle interface {
	PID() int
	Backend() Backend
	Output() <-chan []byte
	Write(p []byte) (int, error)
	Kill() error
	Done() <-chan struct{}
	Exit() ExitStatus
}

type ptyStarter func(cmd *exec.Cmd, cols, rows uint16) (*os.File, error)

// Supervisor launches child processes under a pseudo-terminal, falling back to pipes
type Supervisor struct {
	logger   *slog.Logger
	opts     Options
	startPTY ptyStarter
}

// New creates a supervisor. Zero-valued options fall back to defaults.
func New(opts Options, logger *slog.Logger) *Supervisor {
	def := DefaultOptions()
	if opts.Cols == 0 {
		opts.Cols = def.Cols
	}
	if opts.Rows == 0 {
		opts.Rows = def.Rows
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = def.KillGrace
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = def.DrainTimeout
	}
	return &Supervisor{
		logger:   logger,
		opts:     opts,
		startPTY: startPTY,
	}
}

// Start launches spec and returns a handle to it
func (s *Supervisor) Start(spec Spec) (Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	if s.opts.PreferPTY {
		p, err := s.startWithPTY(spec)
		if err == nil {
			return p, nil
		}
		s.logger.Warn("pty unavailable, falling back to pipes", "cmd", spec.Command, "error", err)
	}

	return s.startWithPipes(spec)
}

func (s *Supervisor) command(spec Spec, extra ...string) *exec.Cmd {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, extra...)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return cmd
}

func (s *Supervisor) startWithPTY(spec Spec) (*process, error) {
	cmd := s.command(spec, "TERM=xterm-color")

	master, err := s.startPTY(cmd, s.opts.Cols, s.opts.Rows)
	if err != nil {
		return nil, err
	}

	p := newProcess(cmd, BackendPTY, master, master, s.opts, s.logger)
	s.logger.Info("process started", "backend", BackendPTY, "cmd", spec.Command, "pid", p.PID())
	p.run()
	return p, nil
}

func (s *Supervisor) startWithPipes(spec Spec) (*process, error) {
	cmd := s.command(spec)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// One pipe for both streams keeps stdout and stderr interleaved as written.
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	outW.Close()

	p := newProcess(cmd, BackendPipe, stdin, outR, s.opts, s.logger)
	s.logger.Info("process started", "backend", BackendPipe, "cmd", spec.Command, "pid", p.PID())
	p.run()
	return p, nil
}

type process struct {
	cmd     *exec.Cmd
	backend Backend
	stdin   io.WriteCloser
	reader  io.ReadCloser
	opts    Options
	logger  *slog.Logger

	out        chan []byte
	readerDone chan struct{}
	exited     chan struct{}
	abandon    chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	finished bool
	status   ExitStatus

	writeMu sync.Mutex

	killOnce  sync.Once
	closeOnce sync.Once
}

func newProcess(cmd *exec.Cmd, backend Backend, stdin io.WriteCloser, reader io.ReadCloser, opts Options, logger *slog.Logger) *process {
	return &process{
		cmd:        cmd,
		backend:    backend,
		stdin:      stdin,
		reader:     reader,
		opts:       opts,
		logger:     logger,
		out:        make(chan []byte, 64),
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		abandon:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (p *process) run() {
	go p.readOutput()
	go p.waitForExit()
}

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) Backend() Backend { return p.backend }

func (p *process) Output() <-chan []byte { return p.out }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Exit() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Write forwards p to the child's stdin. It fails with ErrNotRunning after exit.
func (p *process) Write(data []byte) (int, error) {
	p.mu.Lock()
	finished := p.finished
	p.mu.Unlock()
	if finished {
		return 0, fmt.Errorf("write to pid %d: %w", p.PID(), ErrNotRunning)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := p.stdin.Write(data)
	if err != nil {
		return n, fmt.Errorf("write to pid %d: %w", p.PID(), err)
	}
	return n, nil
}

// Kill sends SIGTERM to the process group and escalates to SIGKILL after the grace period.
// Repeated calls are no-ops.
func (p *process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}

		pid := p.PID()
		p.logger.Info("terminating process", "pid", pid, "backend", p.backend)
		err = terminate(p.cmd)

		go func() {
			select {
			case <-p.exited:
			case <-time.After(p.opts.KillGrace):
				p.logger.Warn("process did not exit after SIGTERM, killing", "pid", pid)
				forceKill(p.cmd)
			}
		}()
	})
	return err
}

func (p *process) readOutput() {
	defer close(p.readerDone)
	defer close(p.out)

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.out <- chunk:
			case <-p.abandon:
				return
			}
		}
		if err != nil {
			// A pty master reports EIO once the child side is gone.
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("output read ended", "pid", p.PID(), "backend", p.backend, "error", err)
			}
			return
		}
	}
}

func (p *process) waitForExit() {
	err := p.cmd.Wait()
	status := exitStatus(p.cmd, err)

	p.mu.Lock()
	p.finished = true
	p.status = status
	p.mu.Unlock()
	close(p.exited)

	// Descendants can keep the output open; stop reading after the drain timeout.
	select {
	case <-p.readerDone:
	case <-time.After(p.opts.DrainTimeout):
		p.logger.Debug("output still open after exit, closing", "pid", p.PID())
		close(p.abandon)
		p.closeIO()
		<-p.readerDone
	}
	p.closeIO()

	if status.Err != nil || status.Code != 0 {
		p.logger.Info("process exited", "pid", p.PID(), "code", status.Code, "signal", status.Signal)
	} else {
		p.logger.Info("process exited cleanly", "pid", p.PID())
	}
	close(p.done)
}

func (p *process) closeIO() {
	p.closeOnce.Do(func() {
		p.stdin.Close()
		p.reader.Close()
	})
}

func exitStatus(cmd *exec.Cmd, err error) ExitStatus {
	state := cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	status := ExitStatus{Code: state.ExitCode(), Signal: exitSignal(state)}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}
	return status
}
