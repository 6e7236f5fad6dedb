package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iambrandonn/helios/internal/protocol"
)

// CanonicalJSON converts a value to deterministic JSON.
// Structs are first flattened to generic maps so field order never matters,
// then marshaled with sorted keys and no insignificant whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	// encoding/json writes map keys in sorted order
	data, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// RequestHash fingerprints the payload of a card action so a reused
// idempotency key can be told apart from a genuine replay.
// Format: "rh:" + hex(SHA256(card_id + '\n' + action_id + '\n' + canonical_json(params)))
func RequestHash(action protocol.CardAction) (string, error) {
	params := action.Params
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize params: %w", err)
	}

	hashInput := action.CardID + "\n" + string(action.ActionID) + "\n" + string(paramsJSON)
	hash := sha256.Sum256([]byte(hashInput))
	return "rh:" + hex.EncodeToString(hash[:]), nil
}

// ScopedKey namespaces a caller-supplied key so keys from different entry
// points never collide in the shared ledger. Empty keys stay empty.
func ScopedKey(scope, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return scope + ":" + key
}
