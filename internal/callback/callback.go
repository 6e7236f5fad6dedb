// Package callback accepts human answers delivered by a Lark-style messaging
// integration. Requests are authenticated by their signature headers before
// the payload is handed to the interaction service.
package callback

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"

	"github.com/iambrandonn/helios/internal/interaction"
	"github.com/iambrandonn/helios/internal/protocol"
)

// DefaultMaxSkew bounds how old a signed request may be
const DefaultMaxSkew = 5 * time.Minute

// Headers carries the signature headers of one request
type Headers struct {
	Timestamp string
	Nonce     string
	Signature string
}

// HeadersFrom extracts the signature headers from an HTTP header set
func HeadersFrom(h http.Header) Headers {
	return Headers{
		Timestamp: strings.TrimSpace(h.Get(larkevent.EventRequestTimestamp)),
		Nonce:     strings.TrimSpace(h.Get(larkevent.EventRequestNonce)),
		Signature: strings.TrimSpace(h.Get(larkevent.EventSignature)),
	}
}

// Verifier checks request signatures against the shared encrypt key
type Verifier struct {
	encryptKey string
	maxSkew    time.Duration
	now        func() time.Time
}

// NewVerifier creates a verifier. With an empty key every request is rejected.
func NewVerifier(encryptKey string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{encryptKey: encryptKey, maxSkew: maxSkew, now: time.Now}
}

// Sign computes the signature a sender attaches to body
func (v *Verifier) Sign(timestamp, nonce string, body []byte) string {
	return larkevent.Signature(timestamp, nonce, v.encryptKey, string(body))
}

// Verify returns LarkSignatureInvalid unless the headers carry a fresh, valid signature for body
func (v *Verifier) Verify(h Headers, body []byte) error {
	if v.encryptKey == "" {
		return protocol.Errorf(protocol.CodeLarkSignatureInvalid, "no encrypt key configured")
	}
	if h.Timestamp == "" || h.Nonce == "" || h.Signature == "" {
		return protocol.Errorf(protocol.CodeLarkSignatureInvalid, "missing signature headers")
	}

	secs, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return protocol.Errorf(protocol.CodeLarkSignatureInvalid, "invalid timestamp %q", h.Timestamp)
	}
	skew := v.now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return protocol.Errorf(protocol.CodeLarkSignatureInvalid, "timestamp outside allowed skew of %s", v.maxSkew)
	}

	expected := v.Sign(h.Timestamp, h.Nonce, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(h.Signature))) != 1 {
		return protocol.Errorf(protocol.CodeLarkSignatureInvalid, "signature mismatch")
	}
	return nil
}

// Payload is the JSON body of an answer callback
type Payload struct {
	EventID              string `json:"event_id"`
	OccurredAt           string `json:"occurred_at"`
	InteractionRequestID string `json:"interaction_request_id"`
	Answer               struct {
		AnswerType  protocol.AnswerType `json:"answer_type"`
		AnswerValue string              `json:"answer_value"`
	} `json:"answer"`
	AnsweredBy struct {
		ActorID string `json:"actor_id"`
	} `json:"answered_by"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Decode parses and validates a callback body
func Decode(body []byte) (*interaction.CallbackInput, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "invalid callback body: %v", err)
	}
	if strings.TrimSpace(p.InteractionRequestID) == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "interaction_request_id is required")
	}
	if strings.TrimSpace(p.EventID) == "" && strings.TrimSpace(p.IdempotencyKey) == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "event_id or idempotency_key is required")
	}
	if !p.Answer.AnswerType.Valid() {
		return nil, protocol.Errorf(protocol.CodeInvalidArgument, "invalid answer_type %q", p.Answer.AnswerType)
	}

	input := &interaction.CallbackInput{
		EventID:              p.EventID,
		IdempotencyKey:       p.IdempotencyKey,
		InteractionRequestID: p.InteractionRequestID,
		AnswerType:           p.Answer.AnswerType,
		AnswerValue:          p.Answer.AnswerValue,
		AnsweredBy:           p.AnsweredBy.ActorID,
	}
	if p.OccurredAt != "" {
		at, err := time.Parse(time.RFC3339Nano, p.OccurredAt)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeInvalidArgument, "invalid occurred_at %q", p.OccurredAt)
		}
		input.OccurredAt = at
	}
	return input, nil
}

// Resolver is the interaction entry point callbacks feed
type Resolver interface {
	HandleCallback(ctx context.Context, input interaction.CallbackInput) (*interaction.Resolution, error)
}

// Processor verifies, decodes and forwards callbacks
type Processor struct {
	verifier *Verifier
	resolver Resolver
	logger   *slog.Logger
}

// NewProcessor creates a callback processor
func NewProcessor(verifier *Verifier, resolver Resolver, logger *slog.Logger) *Processor {
	return &Processor{verifier: verifier, resolver: resolver, logger: logger}
}

// Process authenticates body and resolves the interaction it answers
func (p *Processor) Process(ctx context.Context, h Headers, body []byte) (*interaction.Resolution, error) {
	if err := p.verifier.Verify(h, body); err != nil {
		p.logger.Warn("rejected callback", "error", err)
		return nil, err
	}
	input, err := Decode(body)
	if err != nil {
		return nil, err
	}
	p.logger.Info("callback accepted",
		"event_id", input.EventID,
		"interaction_id", input.InteractionRequestID,
		"actor", input.AnsweredBy)
	return p.resolver.HandleCallback(ctx, *input)
}
