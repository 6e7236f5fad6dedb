// Command mocktool imitates an AI coding tool that asks for human input
// through NEED_USER_INPUT markers. It is driven entirely by flags.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iambrandonn/helios/internal/signalparse"
)

func main() {
	prompt := flag.String("prompt", "Proceed?", "Question to ask")
	options := flag.String("options", "yes,no", "Comma-separated answer options (empty for free text)")
	questions := flag.Int("questions", 1, "Number of questions to ask")
	marker := flag.String("marker", "direct", "Marker encoding (direct, prefix)")
	split := flag.Bool("split", false, "Write each marker line in two pieces")
	malformed := flag.Bool("malformed", false, "Print a marker with an invalid payload first")
	timeoutMinutes := flag.Int("timeout-minutes", 0, "Requested answer timeout (0 for the default)")
	exitCode := flag.Int("exit-code", 0, "Exit code after the last answer")
	hang := flag.Bool("hang", false, "Wait for a signal after the last answer")
	flag.Parse()

	// Diagnostics go to stderr so stdout stays the tool's own transcript
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("mock tool starting", "pid", os.Getpid(), "questions", *questions, "marker", *marker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
		os.Exit(130)
	}()

	tool := &mockTool{
		prompt:         *prompt,
		options:        splitOptions(*options),
		marker:         *marker,
		split:          *split,
		timeoutMinutes: *timeoutMinutes,
		logger:         logger,
	}

	if *malformed {
		fmt.Println(signalparse.DirectMarker + " {not json")
	}

	fmt.Println("working on it")
	if err := tool.ask(ctx, *questions); err != nil {
		logger.Error("mock tool failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("done")

	if *hang {
		<-ctx.Done()
	}

	logger.Info("mock tool stopped", "exit_code", *exitCode)
	os.Exit(*exitCode)
}

type mockTool struct {
	prompt         string
	options        []string
	marker         string
	split          bool
	timeoutMinutes int
	logger         *slog.Logger
}

// ask raises n questions and echoes each answer as ANSWER:<line>
func (m *mockTool) ask(ctx context.Context, n int) error {
	scanner := bufio.NewScanner(os.Stdin)
	for i := 1; i <= n; i++ {
		prompt := m.prompt
		if n > 1 {
			prompt = fmt.Sprintf("%s (%d/%d)", m.prompt, i, n)
		}
		line, err := m.markerLine(prompt)
		if err != nil {
			return err
		}
		if err := m.write(ctx, line); err != nil {
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read answer: %w", err)
			}
			return fmt.Errorf("stdin closed before answer %d", i)
		}
		answer := strings.TrimRight(scanner.Text(), "\r")
		m.logger.Info("received answer", "question", i, "answer", answer)
		fmt.Printf("ANSWER:%s\n", answer)
	}
	return nil
}

func (m *mockTool) markerLine(prompt string) (string, error) {
	payload := map[string]any{"prompt": prompt}
	if len(m.options) > 0 {
		payload["options"] = m.options
	}
	if m.timeoutMinutes > 0 {
		payload["timeout_minutes"] = m.timeoutMinutes
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode marker: %w", err)
	}

	switch m.marker {
	case "direct":
		return "thinking... " + signalparse.DirectMarker + string(data) + "\n", nil
	case "prefix":
		return signalparse.PrefixMarker + " " + string(data) + "\n", nil
	default:
		return "", fmt.Errorf("unknown marker encoding %q", m.marker)
	}
}

func (m *mockTool) write(ctx context.Context, line string) error {
	if !m.split {
		_, err := os.Stdout.WriteString(line)
		return err
	}

	half := len(line) / 2
	if _, err := os.Stdout.WriteString(line[:half]); err != nil {
		return err
	}
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := os.Stdout.WriteString(line[half:])
	return err
}

func splitOptions(s string) []string {
	var out []string
	for _, opt := range strings.Split(s, ",") {
		if opt = strings.TrimSpace(opt); opt != "" {
			out = append(out, opt)
		}
	}
	return out
}
