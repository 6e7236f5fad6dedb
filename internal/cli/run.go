package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/iambrandonn/helios/internal/app"
	"github.com/iambrandonn/helios/internal/interaction"
	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/runs"
	"github.com/iambrandonn/helios/internal/store"
	"github.com/iambrandonn/helios/internal/transcript"
)

const shutdownTimeout = 10 * time.Second

type runFlags struct {
	provider      string
	prompt        string
	resume        string
	taskID        string
	toolSessionID string
	collab        string
	dir           string
	metricsAddr   string
	noInput       bool
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [flags] [-- command [args...]]",
		Short: "Launch a tool and answer its questions from this terminal",
		Long: `Launch the configured tool for --provider with --prompt, or the explicit
command given after "--". Output is streamed to stdout. Each line typed on
stdin answers the oldest pending question of the run, or is passed to the
tool verbatim when nothing is pending.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts, flags, args)
		},
	}

	cmd.Flags().StringVarP(&flags.provider, "provider", "p", string(protocol.ProviderCodex), "Tool to run (codex, claude_code)")
	cmd.Flags().StringVar(&flags.prompt, "prompt", "", "Prompt passed to the tool")
	cmd.Flags().StringVar(&flags.resume, "resume", "", "Resume an existing tool session")
	cmd.Flags().StringVarP(&flags.taskID, "task", "t", "", "Task identifier recorded with the run")
	cmd.Flags().StringVar(&flags.toolSessionID, "tool-session", "", "Tool session id (generated when empty)")
	cmd.Flags().StringVar(&flags.collab, "collab", "local", "Collaboration session whose feed receives cards")
	cmd.Flags().StringVar(&flags.dir, "dir", "", "Working directory for the tool")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the run is live")
	cmd.Flags().BoolVar(&flags.noInput, "no-input", false, "Do not read answers from stdin")

	return cmd
}

// lockedWriter serializes output from run consumers and the input loop
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) Println(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func runRun(cmd *cobra.Command, opts *globalOptions, flags *runFlags, args []string) error {
	env, err := loadEnvironment(cmd, opts, true)
	if err != nil {
		return err
	}
	logger := env.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdin := cmd.InOrStdin()
	tty := isTerminal(stdin)
	out := &lockedWriter{w: cmd.OutOrStdout()}
	formatter := transcript.NewFormatter(terminalWidth(cmd.OutOrStdout()))
	registry := prometheus.NewRegistry()

	var (
		termMu sync.Mutex
		ended  *protocol.Termination
	)

	a, err := env.open(ctx, false, func(o *app.Options) {
		o.Registerer = registry
		o.OnOutput = func(_ context.Context, chunk protocol.RunOutput) {
			io.WriteString(out, chunk.Data)
		}
		o.OnInteraction = func(_ context.Context, req *protocol.InteractionRequest) {
			out.Println(formatter.FormatInteraction(req, time.Now()))
			if tty && !flags.noInput {
				out.Println("helios> type an answer and press Enter")
			}
		}
		o.OnEnded = func(_ context.Context, run *protocol.Run, t protocol.Termination) {
			out.Println(formatter.FormatTermination(run, t))
			termMu.Lock()
			ended = &t
			termMu.Unlock()
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	input := runs.StartInput{
		TaskID:          flags.taskID,
		ToolSessionID:   flags.toolSessionID,
		CollabSessionID: flags.collab,
		Provider:        protocol.Provider(flags.provider),
		Prompt:          flags.prompt,
		ResumeSessionID: flags.resume,
		Dir:             flags.dir,
	}
	if len(args) > 0 {
		input.Command = args[0]
		input.Args = args[1:]
	}

	run, err := a.Runs.Start(ctx, input)
	if err != nil {
		return err
	}
	out.Println(formatter.FormatRun(run))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancelRun()
		if err := a.Runs.Wait(gctx, run.RunID); err != nil && ctx.Err() != nil {
			logger.Info("interrupted, stopping run", "run_id", run.RunID)
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if _, err := a.Runs.Stop(stopCtx, run.RunID); err != nil {
				return err
			}
			return a.Runs.Wait(stopCtx, run.RunID)
		}
		return nil
	})

	if flags.metricsAddr != "" {
		srv := &http.Server{
			Addr:              flags.metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", flags.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if !flags.noInput {
		lines := readLines(stdin, gctx.Done())
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					handleInputLine(gctx, a, run.RunID, line, out, formatter, logger)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	termMu.Lock()
	defer termMu.Unlock()
	if ended != nil && ended.Failed() {
		return fmt.Errorf("run %s exited with code %d", run.RunID, ended.ExitCode)
	}
	return nil
}

// handleInputLine answers the oldest pending question of the run, or forwards line to the tool
func handleInputLine(ctx context.Context, a *app.App, runID, line string, out *lockedWriter, formatter *transcript.Formatter, logger *slog.Logger) {
	pending, err := a.Interactions.ListPending(ctx, store.PendingFilter{RunID: runID})
	if err != nil {
		logger.Warn("failed to list pending questions", "run_id", runID, "error", err)
		return
	}

	if len(pending) == 0 {
		if _, err := a.Runs.SendLine(ctx, runID, line); err != nil {
			logger.Warn("failed to forward input", "run_id", runID, "error", err)
		}
		return
	}

	req := pending[len(pending)-1]
	answerType := protocol.AnswerText
	if slices.Contains(req.Options, strings.TrimSpace(line)) {
		answerType = protocol.AnswerChoice
		line = strings.TrimSpace(line)
	}
	res, err := a.Interactions.Resolve(ctx, interaction.ResolveInput{
		RunID:                runID,
		InteractionRequestID: req.InteractionRequestID,
		Answer:               line,
		AnswerType:           answerType,
		IdempotencyKey:       "cli:" + uuid.NewString(),
		Actor:                "cli",
		Path:                 interaction.PathDirect,
	})
	if err != nil {
		out.Println(fmt.Sprintf("[hitl] %s not answered: %v", req.InteractionRequestID, err))
		return
	}
	out.Println(formatter.FormatResolution(res))
}

// readLines delivers stdin lines until EOF or until done closes. A goroutine
// parked in Read stays there until the reader returns, but never blocks on
// delivery once done is closed.
func readLines(r io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func terminalWidth(v any) int {
	f, ok := v.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}
