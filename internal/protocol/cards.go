package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// CardType discriminates the two card families in the feed
type CardType string

const (
	CardTypeStatusEvent   CardType = "status_event"
	CardTypeActionRequest CardType = "action_request"
)

// ActionKind discriminates action_request payloads
type ActionKind string

const (
	ActionKindToolSelect  ActionKind = "tool_select"
	ActionKindToolSession ActionKind = "tool_session"
	ActionKindHitlRequest ActionKind = "hitl_request"
)

// CardStatus represents the state of a feed card
type CardStatus string

const (
	CardPending   CardStatus = "PENDING"
	CardResolved  CardStatus = "RESOLVED"
	CardCancelled CardStatus = "CANCELLED"
	CardExpired   CardStatus = "EXPIRED"
)

// StatusEventType names the lifecycle event a status card announces
type StatusEventType string

const (
	EventRunStarted        StatusEventType = "RUN_STARTED"
	EventRunPaused         StatusEventType = "RUN_PAUSED"
	EventRunDone           StatusEventType = "RUN_DONE"
	EventRunFailed         StatusEventType = "RUN_FAILED"
	EventToolSessionLinked StatusEventType = "TOOL_SESSION_LINKED"
	EventToolSwitched      StatusEventType = "TOOL_SWITCHED"
)

// ActionID names a button on an action card
type ActionID string

const (
	ActionSelectTool     ActionID = "select_tool"
	ActionOpenTranscript ActionID = "open_transcript"
	ActionChooseOption   ActionID = "choose_option"
	ActionSubmitText     ActionID = "submit_text"
)

// CardDisplay carries presentation hints; cards are always compact with manual drawers
type CardDisplay struct {
	Density    string `json:"density"`
	DrawerOpen string `json:"drawer_open"`
}

// CompactDisplay is the only display mode cards use
var CompactDisplay = CardDisplay{Density: "compact", DrawerOpen: "manual"}

// CardButton is one action offered on a card
type CardButton struct {
	ActionID ActionID `json:"action_id"`
	Label    string   `json:"label"`
	Style    string   `json:"style,omitempty"`
}

// CardPayload is the closed set of card payloads.
// Implementations: *StatusEventPayload, *ToolSelectPayload, *ToolSessionPayload, *HitlRequestPayload.
type CardPayload interface {
	cardType() CardType
}

// StatusEventPayload announces a run or tool lifecycle event
type StatusEventPayload struct {
	EventType     StatusEventType `json:"event_type"`
	Summary       string          `json:"summary,omitempty"`
	RunID         string          `json:"run_id,omitempty"`
	ToolSessionID string          `json:"tool_session_id,omitempty"`
	Provider      Provider        `json:"provider,omitempty"`
}

func (*StatusEventPayload) cardType() CardType { return CardTypeStatusEvent }

// ToolOption is one selectable provider on a tool_select card
type ToolOption struct {
	Value Provider `json:"value"`
	Label string   `json:"label"`
}

// ToolSelectPayload lets the operator switch the active tool
type ToolSelectPayload struct {
	RunID    string       `json:"run_id,omitempty"`
	Options  []ToolOption `json:"options"`
	Selected Provider     `json:"selected,omitempty"`
}

func (*ToolSelectPayload) cardType() CardType { return CardTypeActionRequest }

// ToolSessionPayload links to a tool session transcript
type ToolSessionPayload struct {
	ToolSessionID string   `json:"tool_session_id"`
	Provider      Provider `json:"provider"`
	Summary       string   `json:"summary_150"`
	RunID         string   `json:"run_id,omitempty"`
}

func (*ToolSessionPayload) cardType() CardType { return CardTypeActionRequest }

// HitlRequestPayload mirrors a pending interaction request
type HitlRequestPayload struct {
	InteractionRequestID string   `json:"interaction_request_id"`
	RunID                string   `json:"run_id"`
	Prompt               string   `json:"prompt"`
	Options              []string `json:"options"`
}

func (*HitlRequestPayload) cardType() CardType { return CardTypeActionRequest }

// KindOf returns the action kind of an action_request payload, or "" for status events
func KindOf(p CardPayload) ActionKind {
	switch p.(type) {
	case *ToolSelectPayload:
		return ActionKindToolSelect
	case *ToolSessionPayload:
		return ActionKindToolSession
	case *HitlRequestPayload:
		return ActionKindHitlRequest
	default:
		return ""
	}
}

// Card is one structured feed entry. It is stored once per CardID and updated in place.
type Card struct {
	CardID  string       `json:"card_id"`
	Title   string       `json:"title"`
	Status  CardStatus   `json:"status"`
	Display CardDisplay  `json:"display"`
	Payload CardPayload  `json:"payload"`
	Actions []CardButton `json:"actions"`
}

// Type returns the card family derived from the payload
func (c *Card) Type() CardType {
	if c.Payload == nil {
		return ""
	}
	return c.Payload.cardType()
}

// Validate checks the structural rules every stored card must satisfy
func (c *Card) Validate() error {
	if c.CardID == "" {
		return fmt.Errorf("card_id is required")
	}
	if c.Payload == nil {
		return fmt.Errorf("card %s: payload is required", c.CardID)
	}
	switch c.Status {
	case CardPending, CardResolved, CardCancelled, CardExpired:
	default:
		return fmt.Errorf("card %s: invalid status %q", c.CardID, c.Status)
	}
	if c.Type() == CardTypeStatusEvent {
		if c.Status != CardResolved {
			return fmt.Errorf("card %s: status_event cards must be RESOLVED", c.CardID)
		}
		if len(c.Actions) != 0 {
			return fmt.Errorf("card %s: status_event cards cannot carry actions", c.CardID)
		}
	}
	return nil
}

type cardWire struct {
	CardID  string          `json:"card_id"`
	Type    CardType        `json:"card_type"`
	Title   string          `json:"title"`
	Status  CardStatus      `json:"status"`
	Display CardDisplay     `json:"display"`
	Payload json.RawMessage `json:"payload"`
	Actions []CardButton    `json:"actions"`
}

// MarshalJSON writes the card with card_type and, for action requests, payload.action_kind
func (c Card) MarshalJSON() ([]byte, error) {
	if c.Payload == nil {
		return nil, fmt.Errorf("card %s: payload is required", c.CardID)
	}
	payload, err := marshalPayload(c.Payload)
	if err != nil {
		return nil, err
	}
	actions := c.Actions
	if actions == nil {
		actions = []CardButton{}
	}
	return json.Marshal(cardWire{
		CardID:  c.CardID,
		Type:    c.Payload.cardType(),
		Title:   c.Title,
		Status:  c.Status,
		Display: c.Display,
		Payload: payload,
		Actions: actions,
	})
}

// UnmarshalJSON decodes a card, selecting the payload variant from the discriminators
func (c *Card) UnmarshalJSON(data []byte) error {
	var w cardWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := unmarshalPayload(w.Type, w.Payload)
	if err != nil {
		return fmt.Errorf("card %s: %w", w.CardID, err)
	}
	*c = Card{
		CardID:  w.CardID,
		Title:   w.Title,
		Status:  w.Status,
		Display: w.Display,
		Payload: payload,
		Actions: w.Actions,
	}
	return nil
}

func marshalPayload(p CardPayload) ([]byte, error) {
	switch v := p.(type) {
	case *StatusEventPayload:
		return json.Marshal(v)
	case *ToolSelectPayload:
		type alias ToolSelectPayload
		return json.Marshal(struct {
			ActionKind ActionKind `json:"action_kind"`
			*alias
		}{ActionKindToolSelect, (*alias)(v)})
	case *ToolSessionPayload:
		type alias ToolSessionPayload
		return json.Marshal(struct {
			ActionKind ActionKind `json:"action_kind"`
			*alias
		}{ActionKindToolSession, (*alias)(v)})
	case *HitlRequestPayload:
		type alias HitlRequestPayload
		return json.Marshal(struct {
			ActionKind ActionKind `json:"action_kind"`
			*alias
		}{ActionKindHitlRequest, (*alias)(v)})
	default:
		return nil, fmt.Errorf("unsupported card payload %T", p)
	}
}

func unmarshalPayload(t CardType, raw json.RawMessage) (CardPayload, error) {
	switch t {
	case CardTypeStatusEvent:
		var p StatusEventPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode status_event payload: %w", err)
		}
		return &p, nil
	case CardTypeActionRequest:
		var head struct {
			ActionKind ActionKind `json:"action_kind"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("decode action payload: %w", err)
		}
		var p CardPayload
		switch head.ActionKind {
		case ActionKindToolSelect:
			p = &ToolSelectPayload{}
		case ActionKindToolSession:
			p = &ToolSessionPayload{}
		case ActionKindHitlRequest:
			p = &HitlRequestPayload{}
		default:
			return nil, fmt.Errorf("unknown action_kind %q", head.ActionKind)
		}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", head.ActionKind, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown card_type %q", t)
	}
}

// CardAction is an operator's click on a card button
type CardAction struct {
	CollabSessionID string            `json:"collab_session_id"`
	CardID          string            `json:"card_id"`
	ActionID        ActionID          `json:"action_id"`
	Params          map[string]string `json:"params,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key"`
}

// EffectType names a client-side effect returned by a card action
type EffectType string

const (
	EffectOpenDrawer     EffectType = "OPEN_DRAWER"
	EffectAppendFeedItem EffectType = "APPEND_FEED_ITEM"
	EffectShowToast      EffectType = "SHOW_TOAST"
)

// DrawerTarget identifies what an OPEN_DRAWER effect shows
type DrawerTarget struct {
	DrawerType    ActionKind `json:"drawer_type"`
	ToolSessionID string     `json:"tool_session_id,omitempty"`
	Provider      Provider   `json:"provider,omitempty"`
	RunID         string     `json:"run_id,omitempty"`
	CardID        string     `json:"card_id"`
}

// Effect is one client-side consequence of a card action.
// Target is set for OPEN_DRAWER, Item for APPEND_FEED_ITEM, Level and Message for SHOW_TOAST.
type Effect struct {
	Type    EffectType    `json:"type"`
	Target  *DrawerTarget `json:"target,omitempty"`
	Item    *FeedItem     `json:"item,omitempty"`
	Level   string        `json:"level,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Toast builds a SHOW_TOAST effect
func Toast(level, message string) Effect {
	return Effect{Type: EffectShowToast, Level: level, Message: message}
}

// CardActionResponse is the cached outcome of handling a card action
type CardActionResponse struct {
	OK         bool       `json:"ok"`
	CardStatus CardStatus `json:"card_status"`
	Effects    []Effect   `json:"effects"`
}

// FeedItemKind discriminates feed entries
type FeedItemKind string

const (
	FeedItemText FeedItemKind = "text"
	FeedItemCard FeedItemKind = "card"
)

// FeedItem is one entry of a collaboration session feed
type FeedItem struct {
	ID        string       `json:"id"`
	Kind      FeedItemKind `json:"kind"`
	Role      string       `json:"role,omitempty"`
	Content   string       `json:"content,omitempty"`
	Card      *Card        `json:"card,omitempty"`
	Timestamp time.Time    `json:"ts"`
}
