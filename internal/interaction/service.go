// Package interaction manages human-input requests raised by running tools:
// creation from parsed signals, lazy expiry, and exactly-once resolution
// through the direct, callback and card paths.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/helios/internal/idempotency"
	"github.com/iambrandonn/helios/internal/metrics"
	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/store"
)

const (
	// DefaultTimeout applies when a signal does not request its own expiry.
	DefaultTimeout = 15 * time.Minute
	// MaxPending bounds ListPending results.
	MaxPending = 100
)

// Path names the entry point a resolution arrived through
type Path string

const (
	PathDirect   Path = "direct"
	PathCallback Path = "callback"
	PathCard     Path = "card"
)

// Runs is the part of run orchestration resolution depends on
type Runs interface {
	GetRun(ctx context.Context, runID string) (*protocol.Run, error)
	// SendLine writes text followed by a newline to the run's stdin.
	SendLine(ctx context.Context, runID, text string) (*protocol.RunWrite, error)
}

// Hooks observe lifecycle changes. Every field is optional.
type Hooks struct {
	OnCreated  func(ctx context.Context, req *protocol.InteractionRequest)
	OnResolved func(ctx context.Context, req *protocol.InteractionRequest, res *Resolution)
	// OnClosed fires when a request moves to EXPIRED or CANCELLED.
	OnClosed func(ctx context.Context, req *protocol.InteractionRequest)
}

// Options configures the service
type Options struct {
	DefaultTimeout time.Duration
	Hooks          Hooks
	Metrics        *metrics.Collector
	// Now overrides the clock; tests use it to step past expiry.
	Now func() time.Time
}

// Service owns the interaction request lifecycle
type Service struct {
	store   *store.Store
	runs    Runs
	logger  *slog.Logger
	hooks   Hooks
	metrics *metrics.Collector
	timeout time.Duration
	now     func() time.Time
	locks   *idempotency.KeyLock
}

// NewService creates an interaction service
func NewService(st *store.Store, runs Runs, opts Options, logger *slog.Logger) *Service {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:   st,
		runs:    runs,
		logger:  logger,
		hooks:   opts.Hooks,
		metrics: opts.Metrics,
		timeout: opts.DefaultTimeout,
		now:     opts.Now,
		locks:   idempotency.NewKeyLock(),
	}
}

// SetRuns attaches the run orchestration dependency after construction
func (s *Service) SetRuns(runs Runs) {
	s.runs = runs
}

// CreateInput describes a new interaction request
type CreateInput struct {
	CollabSessionID string
	ToolSessionID   string
	RunID           string
	Prompt          string
	Options         []string
	// Timeout of zero selects the default.
	Timeout time.Duration
}

// Create stores a PENDING request bound to input.RunID
func (s *Service) Create(ctx context.Context, input CreateInput) (*protocol.InteractionRequest, error) {
	if strings.TrimSpace(input.Prompt) == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "prompt is required")
	}
	if input.RunID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "run_id is required")
	}

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	options := input.Options
	if options == nil {
		options = []string{}
	}

	now := s.now().UTC()
	req := &protocol.InteractionRequest{
		InteractionRequestID: uuid.NewString(),
		CollabSessionID:      input.CollabSessionID,
		ToolSessionID:        input.ToolSessionID,
		RunID:                input.RunID,
		Prompt:               input.Prompt,
		Options:              options,
		Status:               protocol.InteractionPending,
		CreatedAt:            now,
		ExpiresAt:            now.Add(timeout),
	}
	if err := s.store.CreateInteraction(ctx, req); err != nil {
		return nil, err
	}

	s.logger.Info("interaction created",
		"interaction_id", req.InteractionRequestID,
		"run_id", req.RunID,
		"options", len(req.Options),
		"expires_at", req.ExpiresAt)
	s.metrics.InteractionCreated()
	if s.hooks.OnCreated != nil {
		s.hooks.OnCreated(ctx, req)
	}
	return req, nil
}

// Get returns a request with lazy expiry applied and persisted
func (s *Service) Get(ctx context.Context, id string) (*protocol.InteractionRequest, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.ExpiredAt(s.now()) {
		return req, nil
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	return s.expire(ctx, req)
}

// ListPending returns requests still awaiting an answer, newest first
func (s *Service) ListPending(ctx context.Context, filter store.PendingFilter) ([]protocol.InteractionRequest, error) {
	return s.store.ListPendingInteractions(ctx, filter, s.now(), MaxPending)
}

// Resolution is the outcome of an accepted or replayed answer
type Resolution struct {
	Status               protocol.ResolutionStatus `json:"status"`
	InteractionRequestID string                    `json:"interaction_request_id"`
	RunID                string                    `json:"run_id"`
	WrittenBytes         int                       `json:"written_bytes"`
	ProcessedAt          time.Time                 `json:"processed_at"`
	Path                 Path                      `json:"-"`
	Actor                string                    `json:"-"`
	Answer               protocol.Answer           `json:"-"`
}

// ResolveInput is a direct answer for a request bound to RunID
type ResolveInput struct {
	RunID                string
	InteractionRequestID string
	Answer               string
	// AnswerType defaults to text.
	AnswerType     protocol.AnswerType
	IdempotencyKey string
	Actor          string
	// Path defaults to PathDirect.
	Path Path
}

// Resolve writes an answer to the bound run's stdin exactly once.
//
// Checks run in order: consumed key (no-op), unknown request, not pending,
// expired, run binding, run activity. The stdin write happens before the
// status flips; a lost compare-and-swap after the write reports
// AnswerAlreadyConsumed.
func (s *Service) Resolve(ctx context.Context, input ResolveInput) (*Resolution, error) {
	path := input.Path
	if path == "" {
		path = PathDirect
	}
	answerType := input.AnswerType
	if answerType == "" {
		answerType = protocol.AnswerText
	}
	if !answerType.Valid() {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "invalid answer type %q", answerType)
	}
	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "idempotency_key is required")
	}

	res, err := s.resolve(ctx, resolveRequest{
		id:      input.InteractionRequestID,
		runID:   input.RunID,
		bindRun: true,
		keys:    []string{key},
		answer:  protocol.Answer{Type: answerType, Value: trimNewline(input.Answer)},
		actor:   input.Actor,
		path:    path,
	})
	s.record(path, err, res)
	return res, err
}

// CallbackInput is an answer delivered by an external messaging integration
type CallbackInput struct {
	EventID              string
	IdempotencyKey       string
	InteractionRequestID string
	AnswerType           protocol.AnswerType
	AnswerValue          string
	AnsweredBy           string
	OccurredAt           time.Time
}

// HandleCallback resolves a request from an inbound callback. Either the
// idempotency key or the event id suppresses replays. In addition to the
// direct checks, the run's tool session must match the request's.
func (s *Service) HandleCallback(ctx context.Context, input CallbackInput) (*Resolution, error) {
	if !input.AnswerType.Valid() {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "invalid answer type %q", input.AnswerType)
	}
	primary := strings.TrimSpace(input.IdempotencyKey)
	if primary == "" {
		primary = strings.TrimSpace(input.EventID)
	}
	if primary == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "event_id or idempotency_key is required")
	}

	res, err := s.resolve(ctx, resolveRequest{
		id:               input.InteractionRequestID,
		keys:             []string{idempotency.ScopedKey("callback", primary), idempotency.ScopedKey("event", input.EventID)},
		answer:           protocol.Answer{Type: input.AnswerType, Value: trimNewline(input.AnswerValue)},
		actor:            input.AnsweredBy,
		path:             PathCallback,
		checkToolSession: true,
	})
	s.record(PathCallback, err, res)
	return res, err
}

type resolveRequest struct {
	id               string
	runID            string
	// bindRun requires runID to name the bound run, even when empty.
	bindRun          bool
	keys             []string
	answer           protocol.Answer
	actor            string
	path             Path
	checkToolSession bool
}

func (s *Service) resolve(ctx context.Context, r resolveRequest) (*Resolution, error) {
	unlock := s.locks.Lock(r.id)
	defer unlock()

	consumed, err := s.store.IsKeyConsumed(ctx, r.keys...)
	if err != nil {
		return nil, err
	}
	if consumed {
		runID := r.runID
		if existing, err := s.store.GetInteraction(ctx, r.id); err == nil && runID == "" {
			runID = existing.RunID
		}
		s.logger.Info("interaction answer replayed", "interaction_id", r.id, "path", r.path)
		s.metrics.IdempotentReplay(string(r.path))
		return &Resolution{
			Status:               protocol.ResolutionNoopIdempotent,
			InteractionRequestID: r.id,
			RunID:                runID,
			ProcessedAt:          s.now().UTC(),
			Path:                 r.path,
			Actor:                r.actor,
		}, nil
	}

	req, err := s.load(ctx, r.id)
	if err != nil {
		return nil, err
	}
	if req.Status != protocol.InteractionPending {
		return nil, protocol.Errorf(protocol.CodeInteractionNotPending, "interaction %s is %s", req.InteractionRequestID, req.Status)
	}
	if req.ExpiredAt(s.now()) {
		if _, err := s.expire(ctx, req); err != nil {
			return nil, err
		}
		return nil, protocol.Errorf(protocol.CodeInteractionExpired, "interaction %s expired at %s", req.InteractionRequestID, req.ExpiresAt.Format(time.RFC3339))
	}
	if r.bindRun && r.runID != req.RunID {
		return nil, protocol.Errorf(protocol.CodeBindingMismatch, "interaction %s is bound to run %s, not %s", req.InteractionRequestID, req.RunID, r.runID)
	}

	run, err := s.activeRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		s.cancel(ctx, req, "run not active")
		return nil, protocol.Errorf(protocol.CodeRunNotActive, "run %s is not active", req.RunID)
	}
	if r.checkToolSession && run.ToolSessionID != req.ToolSessionID {
		s.cancel(ctx, req, "tool session mismatch")
		return nil, protocol.Errorf(protocol.CodeBindingMismatch, "run %s belongs to tool session %s, not %s", run.RunID, run.ToolSessionID, req.ToolSessionID)
	}

	write, err := s.runs.SendLine(ctx, req.RunID, r.answer.Value)
	if err != nil {
		s.logger.Warn("failed to write answer", "interaction_id", req.InteractionRequestID, "run_id", req.RunID, "error", err)
		return nil, protocol.Errorf(protocol.CodeRunNotActive, "write to run %s failed: %v", req.RunID, err)
	}

	processedAt := s.now().UTC()
	ok, err := s.store.ResolveInteraction(ctx, req.InteractionRequestID, r.answer, processedAt, r.keys...)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Error("answer written but interaction changed concurrently",
			"interaction_id", req.InteractionRequestID, "run_id", req.RunID)
		return nil, protocol.Errorf(protocol.CodeAnswerAlreadyConsumed, "interaction %s was resolved concurrently", req.InteractionRequestID)
	}

	req.Status = protocol.InteractionResolved
	req.ResolvedAt = &processedAt
	answer := r.answer
	req.Answer = &answer

	res := &Resolution{
		Status:               protocol.ResolutionAccepted,
		InteractionRequestID: req.InteractionRequestID,
		RunID:                req.RunID,
		WrittenBytes:         write.Bytes(),
		ProcessedAt:          processedAt,
		Path:                 r.path,
		Actor:                r.actor,
		Answer:               answer,
	}
	s.logger.Info("interaction resolved",
		"interaction_id", req.InteractionRequestID,
		"run_id", req.RunID,
		"path", r.path,
		"bytes", res.WrittenBytes)
	if s.hooks.OnResolved != nil {
		s.hooks.OnResolved(ctx, req, res)
	}
	return res, nil
}

func (s *Service) load(ctx context.Context, id string) (*protocol.InteractionRequest, error) {
	req, err := s.store.GetInteraction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeInteractionNotFound, "interaction %s not found", id)
	}
	return req, err
}

// activeRun returns the bound run when it is ACTIVE, or nil
func (s *Service) activeRun(ctx context.Context, runID string) (*protocol.Run, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("no run orchestration attached")
	}
	run, err := s.runs.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !run.Active() {
		return nil, nil
	}
	return run, nil
}

// expire persists EXPIRED for a pending request past its expiry. Caller holds the lock.
func (s *Service) expire(ctx context.Context, req *protocol.InteractionRequest) (*protocol.InteractionRequest, error) {
	ok, err := s.store.TransitionInteraction(ctx, req.InteractionRequestID, protocol.InteractionExpired)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Someone else moved it first; report what is stored.
		return s.load(ctx, req.InteractionRequestID)
	}

	req.Status = protocol.InteractionExpired
	s.logger.Info("interaction expired", "interaction_id", req.InteractionRequestID, "run_id", req.RunID)
	s.metrics.InteractionClosed(string(protocol.InteractionExpired))
	if s.hooks.OnClosed != nil {
		s.hooks.OnClosed(ctx, req)
	}
	return req, nil
}

// cancel moves a request whose binding became invalid to CANCELLED. Caller holds the lock.
func (s *Service) cancel(ctx context.Context, req *protocol.InteractionRequest, reason string) {
	ok, err := s.store.TransitionInteraction(ctx, req.InteractionRequestID, protocol.InteractionCancelled)
	if err != nil {
		s.logger.Warn("failed to cancel interaction", "interaction_id", req.InteractionRequestID, "error", err)
		return
	}
	if !ok {
		return
	}

	req.Status = protocol.InteractionCancelled
	s.logger.Info("interaction cancelled", "interaction_id", req.InteractionRequestID, "run_id", req.RunID, "reason", reason)
	s.metrics.InteractionClosed(string(protocol.InteractionCancelled))
	if s.hooks.OnClosed != nil {
		s.hooks.OnClosed(ctx, req)
	}
}

func (s *Service) record(path Path, err error, res *Resolution) {
	switch {
	case err != nil:
		code := protocol.CodeOf(err)
		if code == "" {
			code = "internal"
		}
		s.metrics.InteractionResolution(string(path), string(code))
	case res.Status == protocol.ResolutionNoopIdempotent:
		s.metrics.InteractionResolution(string(path), "noop")
	default:
		s.metrics.InteractionResolution(string(path), "accepted")
	}
}

// trimNewline drops one trailing line terminator so the written answer ends in exactly one "\n"
func trimNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
