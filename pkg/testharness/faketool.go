package testharness

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/iambrandonn/helios/internal/signalparse"
	"github.com/iambrandonn/helios/internal/supervisor"
)

var nextPID atomic.Int64

func init() {
	nextPID.Store(40000)
}

// FakeQuestion is one NEED_USER_INPUT request a FakeTool raises
type FakeQuestion struct {
	Prompt         string
	Options        []string
	TimeoutMinutes int
	// Split delivers the marker line in two output chunks.
	Split bool
}

// FakeLauncher starts in-process FakeTools in place of real processes
type FakeLauncher struct {
	Questions []FakeQuestion
	ExitCode  int
	// Hang keeps the tool alive after its questions until it is killed.
	Hang bool
	// Err fails every Start.
	Err error

	mu    sync.Mutex
	tools []*FakeTool
}

// Start launches a FakeTool scripted with the launcher's questions
func (l *FakeLauncher) Start(spec supervisor.Spec) (supervisor.Handle, error) {
	if l.Err != nil {
		return nil, l.Err
	}

	t := &FakeTool{
		Spec:      spec,
		questions: l.Questions,
		exitCode:  l.ExitCode,
		hang:      l.Hang,
		pid:       int(nextPID.Add(1)),
		output:    make(chan []byte, 16),
		notify:    make(chan struct{}, 1),
		killed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	l.mu.Lock()
	l.tools = append(l.tools, t)
	l.mu.Unlock()

	go t.run()
	return t, nil
}

// Tools returns every tool started so far
func (l *FakeLauncher) Tools() []*FakeTool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeTool(nil), l.tools...)
}

// FakeTool is a scripted supervisor.Handle. For each question it prints a
// marker line, waits for one stdin line and echoes it back as ANSWER:<line>.
type FakeTool struct {
	Spec supervisor.Spec

	questions []FakeQuestion
	exitCode  int
	hang      bool
	pid       int

	output   chan []byte
	notify   chan struct{}
	killed   chan struct{}
	killOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	partial []byte
	lines   []string
	answers []string
	exit    supervisor.ExitStatus
}

func (t *FakeTool) PID() int                    { return t.pid }
func (t *FakeTool) Backend() supervisor.Backend { return supervisor.BackendPipe }
func (t *FakeTool) Output() <-chan []byte       { return t.output }
func (t *FakeTool) Done() <-chan struct{}       { return t.done }

// Write buffers stdin and splits it into lines
func (t *FakeTool) Write(p []byte) (int, error) {
	select {
	case <-t.done:
		return 0, io.ErrClosedPipe
	default:
	}

	t.mu.Lock()
	t.partial = append(t.partial, p...)
	for {
		idx := bytes.IndexByte(t.partial, '\n')
		if idx < 0 {
			break
		}
		t.lines = append(t.lines, string(bytes.TrimSuffix(t.partial[:idx], []byte("\r"))))
		t.partial = t.partial[idx+1:]
	}
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Kill ends the tool as if by SIGTERM
func (t *FakeTool) Kill() error {
	t.killOnce.Do(func() { close(t.killed) })
	return nil
}

// Exit reports how the tool ended; valid after Done is closed
func (t *FakeTool) Exit() supervisor.ExitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exit
}

// Answers returns the lines the tool consumed as answers
func (t *FakeTool) Answers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.answers...)
}

var errKilled = errors.New("killed")

func (t *FakeTool) run() {
	exit := supervisor.ExitStatus{Code: t.exitCode}
	defer func() {
		close(t.output)
		t.mu.Lock()
		t.exit = exit
		t.mu.Unlock()
		close(t.done)
	}()

	for _, q := range t.questions {
		marker := markerLine(q)
		chunks := []string{marker}
		if q.Split {
			half := len(marker) / 2
			chunks = []string{marker[:half], marker[half:]}
		}
		for _, c := range chunks {
			if err := t.emit(c); err != nil {
				exit = supervisor.ExitStatus{Code: -1, Signal: "SIGTERM"}
				return
			}
		}

		answer, err := t.nextLine()
		if err != nil {
			exit = supervisor.ExitStatus{Code: -1, Signal: "SIGTERM"}
			return
		}
		t.mu.Lock()
		t.answers = append(t.answers, answer)
		t.mu.Unlock()
		if err := t.emit("ANSWER:" + answer + "\n"); err != nil {
			exit = supervisor.ExitStatus{Code: -1, Signal: "SIGTERM"}
			return
		}
	}

	if t.hang {
		<-t.killed
		exit = supervisor.ExitStatus{Code: -1, Signal: "SIGTERM"}
	}
}

func (t *FakeTool) emit(s string) error {
	select {
	case t.output <- []byte(s):
		return nil
	case <-t.killed:
		return errKilled
	}
}

func (t *FakeTool) nextLine() (string, error) {
	for {
		t.mu.Lock()
		if len(t.lines) > 0 {
			line := t.lines[0]
			t.lines = t.lines[1:]
			t.mu.Unlock()
			return line, nil
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-t.killed:
			return "", errKilled
		}
	}
}

func markerLine(q FakeQuestion) string {
	payload := map[string]any{"prompt": q.Prompt}
	if len(q.Options) > 0 {
		payload["options"] = q.Options
	}
	if q.TimeoutMinutes > 0 {
		payload["timeout_minutes"] = q.TimeoutMinutes
	}
	data, _ := json.Marshal(payload)
	return signalparse.DirectMarker + string(data) + "\n"
}
