package protocol

import (
	"time"
)

// Provider identifies the external CLI tool driving a run
type Provider string

const (
	ProviderCodex      Provider = "codex"
	ProviderClaudeCode Provider = "claude_code"
)

// Providers lists the supported tools in display order
func Providers() []Provider {
	return []Provider{ProviderCodex, ProviderClaudeCode}
}

// Valid reports whether p is one of the supported providers
func (p Provider) Valid() bool {
	return p == ProviderCodex || p == ProviderClaudeCode
}

// Label returns the human-facing name of the provider
func (p Provider) Label() string {
	switch p {
	case ProviderCodex:
		return "Codex"
	case ProviderClaudeCode:
		return "Claude Code"
	default:
		return string(p)
	}
}

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunStatusActive RunStatus = "ACTIVE"
	RunStatusEnded  RunStatus = "ENDED"
)

// Run is one supervised execution of an external tool process.
// Once Status is ENDED the record never changes again.
type Run struct {
	RunID           string     `json:"run_id"`
	TaskID          string     `json:"task_id"`
	ToolSessionID   string     `json:"tool_session_id"`
	CollabSessionID string     `json:"collab_session_id,omitempty"`
	Provider        Provider   `json:"provider"`
	Status          RunStatus  `json:"status"`
	Command         string     `json:"command"`
	Args            []string   `json:"args"`
	CreatedAt       time.Time  `json:"created_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the run still accepts input
func (r *Run) Active() bool {
	return r != nil && r.Status == RunStatusActive
}

// RunOutput is one append-only fragment of combined stdout/stderr
type RunOutput struct {
	RunID      string    `json:"run_id"`
	Seq        int64     `json:"seq"`
	Data       string    `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
}

// RunWrite audits one byte sequence written to a run's stdin
type RunWrite struct {
	RunID     string    `json:"run_id"`
	StdinText string    `json:"stdin_text"`
	WrittenAt time.Time `json:"written_at"`
}

// Bytes returns the number of bytes that reached the process
func (w *RunWrite) Bytes() int {
	return len(w.StdinText)
}

// TerminationKind classifies how a run ended
type TerminationKind string

const (
	// TerminationStopped means an operator requested the stop.
	TerminationStopped TerminationKind = "STOPPED"
	// TerminationExited means the process exited on its own.
	TerminationExited TerminationKind = "EXITED"
)

// Termination describes the end of a run for notification hooks
type Termination struct {
	Kind     TerminationKind `json:"kind"`
	ExitCode int             `json:"exit_code"`
	Signal   string          `json:"signal,omitempty"`
	EndedAt  time.Time       `json:"ended_at"`
}

// Failed reports whether a natural exit carried a non-zero code
func (t Termination) Failed() bool {
	return t.Kind == TerminationExited && t.ExitCode != 0
}

// InteractionStatus represents the state of a human-input request
type InteractionStatus string

const (
	InteractionPending   InteractionStatus = "PENDING"
	InteractionResolved  InteractionStatus = "RESOLVED"
	InteractionExpired   InteractionStatus = "EXPIRED"
	InteractionCancelled InteractionStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change
func (s InteractionStatus) Terminal() bool {
	return s == InteractionResolved || s == InteractionExpired || s == InteractionCancelled
}

// CanTransition reports whether from → to is a legal interaction transition.
// PENDING may move to exactly one terminal state; terminal states never move.
func CanTransition(from, to InteractionStatus) bool {
	return from == InteractionPending && to.Terminal()
}

// AnswerType distinguishes a discrete choice from free text
type AnswerType string

const (
	AnswerChoice AnswerType = "choice"
	AnswerText   AnswerType = "text"
)

// Valid reports whether t is a known answer type
func (t AnswerType) Valid() bool {
	return t == AnswerChoice || t == AnswerText
}

// Answer is the human decision recorded on a resolved interaction
type Answer struct {
	Type  AnswerType `json:"answer_type"`
	Value string     `json:"answer_value"`
}

// InteractionRequest records one pending human decision tied to a run
type InteractionRequest struct {
	InteractionRequestID string            `json:"interaction_request_id"`
	CollabSessionID      string            `json:"collab_session_id"`
	ToolSessionID        string            `json:"tool_session_id"`
	RunID                string            `json:"run_id"`
	Prompt               string            `json:"prompt"`
	Options              []string          `json:"options"`
	Status               InteractionStatus `json:"status"`
	CreatedAt            time.Time         `json:"created_at"`
	ExpiresAt            time.Time         `json:"expires_at"`
	ResolvedAt           *time.Time        `json:"resolved_at,omitempty"`
	Answer               *Answer           `json:"answer,omitempty"`
}

// ExpiredAt reports whether a pending request has passed its expiry at now
func (r *InteractionRequest) ExpiredAt(now time.Time) bool {
	return r.Status == InteractionPending && !now.Before(r.ExpiresAt)
}

// EffectiveStatus applies lazy expiry: a pending request past its expiry reads as EXPIRED
func (r *InteractionRequest) EffectiveStatus(now time.Time) InteractionStatus {
	if r.ExpiredAt(now) {
		return InteractionExpired
	}
	return r.Status
}

// ResolutionStatus is the outcome of an answer write
type ResolutionStatus string

const (
	ResolutionAccepted       ResolutionStatus = "ACCEPTED"
	ResolutionNoopIdempotent ResolutionStatus = "NOOP_IDEMPOTENT"
)

// ToolSessionLink binds a tool session to a collaboration session
type ToolSessionLink struct {
	LinkID          string    `json:"link_id"`
	CollabSessionID string    `json:"collab_session_id"`
	TaskID          string    `json:"task_id"`
	Provider        Provider  `json:"provider"`
	ToolSessionID   string    `json:"tool_session_id"`
	Status          string    `json:"status"`
	LastSummary     string    `json:"last_summary_150"`
	LastActiveAt    time.Time `json:"last_active_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// MaxSummaryLength bounds tool-session summaries
const MaxSummaryLength = 150

// TruncateSummary clips s to MaxSummaryLength runes
func TruncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxSummaryLength {
		return s
	}
	return string(runes[:MaxSummaryLength])
}
