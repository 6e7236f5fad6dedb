// Package transcript renders runs, interactions and feed items as one-line
// console messages.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/iambrandonn/helios/internal/interaction"
	"github.com/iambrandonn/helios/internal/protocol"
)

// DefaultWidth bounds previews when no terminal width is known
const DefaultWidth = 120

// Formatter formats domain values for console output
type Formatter struct {
	width int
}

// NewFormatter creates a formatter truncating previews to width cells
func NewFormatter(width int) *Formatter {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Formatter{width: width}
}

// FormatRun formats a run header
func (f *Formatter) FormatRun(run *protocol.Run) string {
	return fmt.Sprintf("[%s] run %s %s (task: %s, session: %s)",
		run.Provider, run.RunID, run.Status, run.TaskID, run.ToolSessionID)
}

// FormatTermination formats how a run ended
func (f *Formatter) FormatTermination(run *protocol.Run, term protocol.Termination) string {
	switch {
	case term.Kind == protocol.TerminationStopped:
		return fmt.Sprintf("[%s] run %s stopped", run.Provider, run.RunID)
	case term.Signal != "":
		return fmt.Sprintf("[%s] run %s killed by %s", run.Provider, run.RunID, term.Signal)
	default:
		return fmt.Sprintf("[%s] run %s exited code=%d", run.Provider, run.RunID, term.ExitCode)
	}
}

// FormatOutput formats a stored output chunk as its size and first visible line
func (f *Formatter) FormatOutput(out protocol.RunOutput) string {
	return fmt.Sprintf("[%s #%d] %s: %s", out.RunID, out.Seq, f.formatSize(int64(len(out.Data))), f.preview(out.Data))
}

// FormatInteraction formats an interaction request as seen at now
func (f *Formatter) FormatInteraction(req *protocol.InteractionRequest, now time.Time) string {
	status := req.EffectiveStatus(now)

	var b strings.Builder
	fmt.Fprintf(&b, "[hitl] %s %s", req.InteractionRequestID, status)
	if status == protocol.InteractionPending {
		fmt.Fprintf(&b, " (expires in %s)", req.ExpiresAt.Sub(now).Round(time.Second))
	}
	fmt.Fprintf(&b, ": %s", f.preview(req.Prompt))
	if len(req.Options) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(req.Options, "/"))
	}
	if req.Answer != nil {
		fmt.Fprintf(&b, " => %s", f.preview(req.Answer.Value))
	}
	return b.String()
}

// FormatResolution formats the outcome of an answer
func (f *Formatter) FormatResolution(res *interaction.Resolution) string {
	if res.Status == protocol.ResolutionNoopIdempotent {
		return fmt.Sprintf("[hitl] %s already answered with this key", res.InteractionRequestID)
	}
	return fmt.Sprintf("[hitl] %s answered via %s (%s written to run %s)",
		res.InteractionRequestID, res.Path, f.formatSize(int64(res.WrittenBytes)), res.RunID)
}

// FormatFeedItem formats a feed entry
func (f *Formatter) FormatFeedItem(item protocol.FeedItem) string {
	ts := item.Timestamp.UTC().Format("15:04:05")
	if item.Kind == protocol.FeedItemText || item.Card == nil {
		return fmt.Sprintf("%s [%s] %s", ts, item.Role, f.preview(item.Content))
	}

	card := item.Card
	label := string(card.Type())
	if kind := protocol.KindOf(card.Payload); kind != "" {
		label = string(kind)
	}
	return fmt.Sprintf("%s [%s %s] %s (%s)", ts, label, card.Status, f.preview(card.Title), card.CardID)
}

// preview returns the first non-blank line of s without escape sequences, cut to width
func (f *Formatter) preview(s string) string {
	line := ""
	for _, l := range strings.Split(ansi.Strip(s), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	return ansi.Truncate(line, f.width, "…")
}

// formatSize formats a byte size in a human-readable format
func (f *Formatter) formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
