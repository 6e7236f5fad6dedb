// Package feed maintains the collaboration feed: idempotent card upserts,
// lifecycle cards emitted from runs and interactions, and card actions whose
// responses are cached per idempotency key.
package feed

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iambrandonn/helios/internal/idempotency"
	"github.com/iambrandonn/helios/internal/interaction"
	"github.com/iambrandonn/helios/internal/metrics"
	"github.com/iambrandonn/helios/internal/protocol"
	"github.com/iambrandonn/helios/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200

	RoleUser      = "user"
	RoleSystem    = "system"
	RoleAssistant = "assistant"
)

// Options configures the controller
type Options struct {
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Controller owns the cards of every collaboration session
type Controller struct {
	store        *store.Store
	interactions *interaction.Service
	metrics      *metrics.Collector
	logger       *slog.Logger
	now          func() time.Time
	actions      singleflight.Group
}

// NewController creates a feed controller
func NewController(st *store.Store, interactions *interaction.Service, opts Options, logger *slog.Logger) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		store:        st,
		interactions: interactions,
		metrics:      opts.Metrics,
		logger:       logger,
		now:          opts.Now,
	}
}

// RunStartedCardID is the status card announcing a run start
func RunStartedCardID(runID string) string { return "status:run_started:" + runID }

// RunEndedCardID is shared by RUN_DONE and RUN_FAILED so a run ends with one card
func RunEndedCardID(runID string) string { return "status:run_ended:" + runID }

func ToolSessionCardID(toolSessionID string) string { return "action:tool_session:" + toolSessionID }

func HitlCardID(interactionID string) string { return "action:hitl_request:" + interactionID }

func ToolSelectCardID(collabSessionID string) string { return "action:tool_select:" + collabSessionID }

// UpsertCard stores card in a session feed. Cards sharing a card id or a
// non-empty source event key converge to one row.
func (c *Controller) UpsertCard(ctx context.Context, collabSessionID string, card protocol.Card, sourceEventKey string) (*store.FeedCard, error) {
	if collabSessionID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "collab_session_id is required")
	}
	if err := card.Validate(); err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "%v", err)
	}
	return c.store.UpsertCard(ctx, collabSessionID, card, sourceEventKey, time.Time{})
}

// AppendText adds a text message to a session feed
func (c *Controller) AppendText(ctx context.Context, collabSessionID, role, content string) (*protocol.FeedItem, error) {
	switch role {
	case RoleUser, RoleSystem, RoleAssistant:
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "invalid role %q", role)
	}
	if collabSessionID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "collab_session_id is required")
	}
	return c.store.AppendText(ctx, collabSessionID, role, content, c.now())
}

// Page is one slice of a session feed, newest first
type Page struct {
	Items      []protocol.FeedItem `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
	HasMore    bool                `json:"has_more"`
}

// ListFeed returns a page of a session feed. An empty or unreadable cursor starts at the newest item.
func (c *Controller) ListFeed(ctx context.Context, collabSessionID, cursor string, limit int) (*Page, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	offset := decodeCursor(cursor)

	items, hasMore, err := c.store.ListFeed(ctx, collabSessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []protocol.FeedItem{}
	}
	page := &Page{Items: items, HasMore: hasMore}
	if hasMore {
		page.NextCursor = encodeCursor(offset + len(items))
	}
	return page, nil
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// EnsureToolSelectCard upserts the session's tool picker. An empty selected
// falls back to the session's active tool; with no tool chosen the card is PENDING.
func (c *Controller) EnsureToolSelectCard(ctx context.Context, collabSessionID string, selected protocol.Provider) (*store.FeedCard, error) {
	if selected == "" {
		active, err := c.store.ActiveTool(ctx, collabSessionID)
		if err != nil {
			return nil, err
		}
		selected = active
	}
	if selected != "" && !selected.Valid() {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "unsupported provider %q", selected)
	}
	return c.UpsertCard(ctx, collabSessionID, toolSelectCard(collabSessionID, selected), "")
}

func toolSelectCard(collabSessionID string, selected protocol.Provider) protocol.Card {
	options := make([]protocol.ToolOption, 0, len(protocol.Providers()))
	for _, p := range protocol.Providers() {
		options = append(options, protocol.ToolOption{Value: p, Label: p.Label()})
	}
	status := protocol.CardPending
	if selected != "" {
		status = protocol.CardResolved
	}
	return protocol.Card{
		CardID:  ToolSelectCardID(collabSessionID),
		Title:   "Choose a tool",
		Status:  status,
		Display: protocol.CompactDisplay,
		Payload: &protocol.ToolSelectPayload{Options: options, Selected: selected},
		Actions: []protocol.CardButton{{ActionID: protocol.ActionSelectTool, Label: "Select", Style: "primary"}},
	}
}

// RunStarted emits the RUN_STARTED status card and the tool session card
func (c *Controller) RunStarted(ctx context.Context, run *protocol.Run) {
	if run.CollabSessionID == "" {
		return
	}
	summary := fmt.Sprintf("%s run started", run.Provider.Label())
	status := protocol.Card{
		CardID:  RunStartedCardID(run.RunID),
		Title:   "Run started",
		Status:  protocol.CardResolved,
		Display: protocol.CompactDisplay,
		Payload: &protocol.StatusEventPayload{
			EventType:     protocol.EventRunStarted,
			Summary:       summary,
			RunID:         run.RunID,
			ToolSessionID: run.ToolSessionID,
			Provider:      run.Provider,
		},
	}
	c.emit(ctx, run.CollabSessionID, status, "run_started:"+run.RunID)

	session := protocol.Card{
		CardID:  ToolSessionCardID(run.ToolSessionID),
		Title:   run.Provider.Label() + " session",
		Status:  protocol.CardPending,
		Display: protocol.CompactDisplay,
		Payload: &protocol.ToolSessionPayload{
			ToolSessionID: run.ToolSessionID,
			Provider:      run.Provider,
			Summary:       protocol.TruncateSummary(summary),
			RunID:         run.RunID,
		},
		Actions: []protocol.CardButton{{ActionID: protocol.ActionOpenTranscript, Label: "Open transcript"}},
	}
	c.emit(ctx, run.CollabSessionID, session, "")
}

// RunEnded emits RUN_DONE for clean exits and stops, RUN_FAILED otherwise
func (c *Controller) RunEnded(ctx context.Context, run *protocol.Run, term protocol.Termination) {
	if run.CollabSessionID == "" {
		return
	}
	event, title := protocol.EventRunDone, "Run finished"
	summary := "exited with code 0"
	switch {
	case term.Kind == protocol.TerminationStopped:
		summary = "stopped by operator"
	case term.Failed():
		event, title = protocol.EventRunFailed, "Run failed"
		summary = fmt.Sprintf("exited with code %d", term.ExitCode)
		if term.Signal != "" {
			summary = "terminated by " + term.Signal
		}
	}
	card := protocol.Card{
		CardID:  RunEndedCardID(run.RunID),
		Title:   title,
		Status:  protocol.CardResolved,
		Display: protocol.CompactDisplay,
		Payload: &protocol.StatusEventPayload{
			EventType:     event,
			Summary:       summary,
			RunID:         run.RunID,
			ToolSessionID: run.ToolSessionID,
			Provider:      run.Provider,
		},
	}
	c.emit(ctx, run.CollabSessionID, card, "run_ended:"+run.RunID)
}

// InteractionCreated emits the hitl_request card for a new request
func (c *Controller) InteractionCreated(ctx context.Context, req *protocol.InteractionRequest) {
	if req.CollabSessionID == "" {
		return
	}
	card := hitlCard(req)
	card.Status = cardStatusFor(req.EffectiveStatus(c.now()))
	c.emit(ctx, req.CollabSessionID, card, "")
}

// InteractionChanged mirrors a request's terminal status onto its card
func (c *Controller) InteractionChanged(ctx context.Context, req *protocol.InteractionRequest) {
	if req.CollabSessionID == "" {
		return
	}
	_, err := c.store.UpdateCardStatus(ctx, HitlCardID(req.InteractionRequestID), cardStatusFor(req.Status))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("failed to update interaction card", "interaction_id", req.InteractionRequestID, "error", err)
	}
}

func hitlCard(req *protocol.InteractionRequest) protocol.Card {
	actions := make([]protocol.CardButton, 0, len(req.Options)+1)
	for _, opt := range req.Options {
		actions = append(actions, protocol.CardButton{ActionID: protocol.ActionChooseOption, Label: opt})
	}
	actions = append(actions, protocol.CardButton{ActionID: protocol.ActionSubmitText, Label: "Reply"})
	options := req.Options
	if options == nil {
		options = []string{}
	}
	return protocol.Card{
		CardID:  HitlCardID(req.InteractionRequestID),
		Title:   "Input needed",
		Status:  protocol.CardPending,
		Display: protocol.CompactDisplay,
		Payload: &protocol.HitlRequestPayload{
			InteractionRequestID: req.InteractionRequestID,
			RunID:                req.RunID,
			Prompt:               req.Prompt,
			Options:              options,
		},
		Actions: actions,
	}
}

func cardStatusFor(status protocol.InteractionStatus) protocol.CardStatus {
	switch status {
	case protocol.InteractionResolved:
		return protocol.CardResolved
	case protocol.InteractionExpired:
		return protocol.CardExpired
	case protocol.InteractionCancelled:
		return protocol.CardCancelled
	default:
		return protocol.CardPending
	}
}

func (c *Controller) emit(ctx context.Context, collabSessionID string, card protocol.Card, sourceEventKey string) {
	if _, err := c.store.UpsertCard(ctx, collabSessionID, card, sourceEventKey, time.Time{}); err != nil {
		c.logger.Warn("failed to emit card", "card_id", card.CardID, "error", err)
	}
}

// HandleCardAction executes an action once per idempotency key. Replays
// return the cached response; reusing a key for a different request is an
// InvalidCardAction. Card-level failures are reported through the response
// status and a toast rather than an error.
func (c *Controller) HandleCardAction(ctx context.Context, action protocol.CardAction) (*protocol.CardActionResponse, error) {
	key := strings.TrimSpace(action.IdempotencyKey)
	if key == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "idempotency_key is required")
	}
	hash, err := idempotency.RequestHash(action)
	if err != nil {
		return nil, err
	}

	// Concurrent duplicates share one execution.
	v, err, _ := c.actions.Do(key, func() (any, error) {
		return c.handleOnce(context.WithoutCancel(ctx), key, hash, action)
	})
	if err != nil {
		return nil, err
	}
	return v.(*protocol.CardActionResponse), nil
}

func (c *Controller) handleOnce(ctx context.Context, key, hash string, action protocol.CardAction) (*protocol.CardActionResponse, error) {
	cached, err := c.store.GetCardActionResponse(ctx, key)
	if err == nil {
		if cached.RequestHash != hash {
			return nil, protocol.Errorf(protocol.CodeInvalidCardAction, "idempotency key %s was used for a different action", key)
		}
		c.metrics.IdempotentReplay("card")
		c.logger.Debug("card action replayed", "card_id", action.CardID, "key", key)
		return &cached.Response, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	fc, err := c.store.GetCard(ctx, action.CardID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeCardNotFound, "card %s not found", action.CardID)
	}
	if err != nil {
		return nil, err
	}
	if action.CollabSessionID != "" && action.CollabSessionID != fc.CollabSessionID {
		return nil, protocol.Errorf(protocol.CodeCardNotFound, "card %s not found in session %s", action.CardID, action.CollabSessionID)
	}

	var resp *protocol.CardActionResponse
	switch payload := fc.Card.Payload.(type) {
	case *protocol.ToolSelectPayload:
		resp, err = c.selectTool(ctx, fc, payload, action)
	case *protocol.ToolSessionPayload:
		resp, err = c.openTranscript(ctx, fc, payload, action)
	case *protocol.HitlRequestPayload:
		resp, err = c.answer(ctx, fc, payload, action, key)
	default:
		err = protocol.Errorf(protocol.CodeInvalidCardAction, "card %s accepts no actions", action.CardID)
	}
	kind := string(protocol.KindOf(fc.Card.Payload))
	if err != nil {
		c.metrics.CardAction(kind, "rejected")
		return nil, err
	}
	c.metrics.CardAction(kind, string(resp.CardStatus))

	stored, err := c.store.SaveCardActionResponse(ctx, store.CachedResponse{
		Key:         key,
		CardID:      action.CardID,
		ActionID:    action.ActionID,
		RequestHash: hash,
		Response:    *resp,
		ProcessedAt: c.now(),
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("card action handled",
		"card_id", action.CardID,
		"action_id", action.ActionID,
		"kind", kind,
		"card_status", stored.Response.CardStatus)
	return &stored.Response, nil
}

func (c *Controller) selectTool(ctx context.Context, fc *store.FeedCard, payload *protocol.ToolSelectPayload, action protocol.CardAction) (*protocol.CardActionResponse, error) {
	if action.ActionID != protocol.ActionSelectTool {
		return nil, invalidAction(action, protocol.ActionKindToolSelect)
	}
	tool := protocol.Provider(strings.TrimSpace(action.Params["tool"]))
	if !tool.Valid() {
		return nil, protocol.Errorf(protocol.CodeInvalidCardAction, "unsupported tool %q", tool)
	}

	now := c.now()
	if err := c.store.SetActiveTool(ctx, fc.CollabSessionID, tool, now); err != nil {
		return nil, err
	}

	card := fc.Card
	updated := *payload
	updated.Selected = tool
	card.Payload = &updated
	card.Status = protocol.CardResolved
	if _, err := c.store.UpsertCard(ctx, fc.CollabSessionID, card, "", time.Time{}); err != nil {
		return nil, err
	}

	item, err := c.store.AppendText(ctx, fc.CollabSessionID, RoleSystem, "Tool selected: "+tool.Label(), now)
	if err != nil {
		return nil, err
	}
	return &protocol.CardActionResponse{
		OK:         true,
		CardStatus: protocol.CardResolved,
		Effects: []protocol.Effect{
			{Type: protocol.EffectAppendFeedItem, Item: item},
			protocol.Toast("info", "Tool switched to "+tool.Label()),
		},
	}, nil
}

func (c *Controller) openTranscript(ctx context.Context, fc *store.FeedCard, payload *protocol.ToolSessionPayload, action protocol.CardAction) (*protocol.CardActionResponse, error) {
	if action.ActionID != protocol.ActionOpenTranscript {
		return nil, invalidAction(action, protocol.ActionKindToolSession)
	}

	link, err := c.store.GetToolSessionLink(ctx, payload.ToolSessionID)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := c.store.UpdateCardStatus(ctx, fc.Card.CardID, protocol.CardCancelled); err != nil {
			return nil, err
		}
		return &protocol.CardActionResponse{
			OK:         false,
			CardStatus: protocol.CardCancelled,
			Effects:    []protocol.Effect{protocol.Toast("error", "Tool session is no longer available")},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return &protocol.CardActionResponse{
		OK:         true,
		CardStatus: fc.Card.Status,
		Effects: []protocol.Effect{{
			Type: protocol.EffectOpenDrawer,
			Target: &protocol.DrawerTarget{
				DrawerType:    protocol.ActionKindToolSession,
				ToolSessionID: link.ToolSessionID,
				Provider:      link.Provider,
				RunID:         payload.RunID,
				CardID:        fc.Card.CardID,
			},
		}},
	}, nil
}

func (c *Controller) answer(ctx context.Context, fc *store.FeedCard, payload *protocol.HitlRequestPayload, action protocol.CardAction, key string) (*protocol.CardActionResponse, error) {
	var (
		answerType protocol.AnswerType
		value      string
	)
	switch action.ActionID {
	case protocol.ActionChooseOption:
		answerType, value = protocol.AnswerChoice, action.Params["choice"]
		if !contains(payload.Options, value) {
			return nil, protocol.Errorf(protocol.CodeInvalidCardAction, "choice %q is not an option", value)
		}
	case protocol.ActionSubmitText:
		answerType, value = protocol.AnswerText, action.Params["text"]
		if strings.TrimSpace(value) == "" {
			return nil, protocol.Errorf(protocol.CodeInvalidCardAction, "text is required")
		}
	default:
		return nil, invalidAction(action, protocol.ActionKindHitlRequest)
	}

	_, err := c.interactions.Resolve(ctx, interaction.ResolveInput{
		RunID:                payload.RunID,
		InteractionRequestID: payload.InteractionRequestID,
		Answer:               value,
		AnswerType:           answerType,
		IdempotencyKey:       idempotency.ScopedKey("card_action", key),
		Path:                 interaction.PathCard,
	})
	if err != nil {
		status := protocol.CardCancelled
		message := "Could not deliver the answer"
		switch protocol.CodeOf(err) {
		case protocol.CodeInteractionNotPending:
			status = protocol.CardExpired
			message = "This request is no longer active"
			if req, gerr := c.interactions.Get(ctx, payload.InteractionRequestID); gerr == nil {
				status = cardStatusFor(req.Status)
			}
			if status == protocol.CardResolved {
				message = "This request was already answered"
			}
		case protocol.CodeInteractionNotFound, protocol.CodeInteractionExpired, protocol.CodeRunNotActive:
			status = protocol.CardExpired
			message = "This request is no longer active"
		case "":
			return nil, err
		}
		c.logger.Info("card answer rejected", "card_id", fc.Card.CardID, "code", protocol.CodeOf(err))
		if _, uerr := c.store.UpdateCardStatus(ctx, fc.Card.CardID, status); uerr != nil {
			return nil, uerr
		}
		return &protocol.CardActionResponse{
			OK:         false,
			CardStatus: status,
			Effects:    []protocol.Effect{protocol.Toast("error", message)},
		}, nil
	}

	if _, err := c.store.UpdateCardStatus(ctx, fc.Card.CardID, protocol.CardResolved); err != nil {
		return nil, err
	}
	item, err := c.store.AppendText(ctx, fc.CollabSessionID, RoleSystem, "HITL resolved: "+value, c.now())
	if err != nil {
		return nil, err
	}
	return &protocol.CardActionResponse{
		OK:         true,
		CardStatus: protocol.CardResolved,
		Effects: []protocol.Effect{
			{Type: protocol.EffectAppendFeedItem, Item: item},
			protocol.Toast("success", "Interaction resolved"),
		},
	}, nil
}

func invalidAction(action protocol.CardAction, kind protocol.ActionKind) error {
	return protocol.Errorf(protocol.CodeInvalidCardAction, "action %q is not valid for %s cards", action.ActionID, kind)
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}
