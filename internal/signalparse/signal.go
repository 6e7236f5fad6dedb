// Package signalparse recognizes in-band NEED_USER_INPUT requests in tool output.
//
// Two encodings are accepted on a single output line:
//
//	... [[NEED_USER_INPUT]] {"prompt":"Continue?","options":["yes","no"]}
//	NEED_USER_INPUT {"prompt":"Continue?","timeout_minutes":5}
//
// The first may appear anywhere in the line; the second must start it.
package signalparse

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

const (
	// DirectMarker may appear anywhere in a line and is followed by a JSON object.
	DirectMarker = "[[NEED_USER_INPUT]]"
	// PrefixMarker must begin the line and is followed by a JSON object.
	PrefixMarker = "NEED_USER_INPUT"
)

// ErrMalformed reports a line that carries a marker but no valid payload
var ErrMalformed = errors.New("malformed NEED_USER_INPUT signal")

// Signal is a parsed request for human input
type Signal struct {
	Prompt  string
	Options []string
	// Timeout is zero when the tool did not ask for a specific expiry.
	Timeout time.Duration
}

// ParseLine inspects one complete output line.
// It returns (nil, nil) when the line carries no marker and ErrMalformed when
// a marker is present but its payload is unusable.
func ParseLine(line string) (*Signal, error) {
	clean := ansi.Strip(line)

	if idx := strings.Index(clean, DirectMarker); idx >= 0 {
		rest := clean[idx+len(DirectMarker):]
		if next := strings.Index(rest, DirectMarker); next >= 0 {
			rest = rest[:next]
		}
		return decodePayload(strings.TrimSpace(rest))
	}

	trimmed := strings.TrimLeft(clean, " \t")
	if strings.HasPrefix(trimmed, PrefixMarker) {
		return decodePayload(strings.TrimSpace(trimmed[len(PrefixMarker):]))
	}

	return nil, nil
}

func decodePayload(text string) (*Signal, error) {
	if !strings.HasPrefix(text, "{") {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var prompt string
	if raw, ok := fields["prompt"]; !ok || json.Unmarshal(raw, &prompt) != nil {
		return nil, fmt.Errorf("%w: prompt must be a string", ErrMalformed)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrMalformed)
	}

	sig := &Signal{Prompt: prompt, Options: decodeOptions(fields["options"])}

	minutes, ok := decodeNumber(fields["timeout_minutes"])
	if !ok {
		minutes, ok = decodeNumber(fields["timeoutMinutes"])
	}
	if ok && minutes > 0 {
		sig.Timeout = time.Duration(minutes * float64(time.Minute))
	}

	return sig, nil
}

// decodeOptions keeps string elements and drops everything else
func decodeOptions(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	options := make([]string, 0, len(items))
	for _, item := range items {
		if len(item) == 0 || item[0] != '"' {
			continue
		}
		var s string
		if json.Unmarshal(item, &s) == nil {
			options = append(options, s)
		}
	}
	return options
}

// decodeNumber accepts a JSON number that fits in a finite float64
func decodeNumber(raw json.RawMessage) (float64, bool) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text[0] == '"' || text == "null" || text == "true" || text == "false" {
		return 0, false
	}
	if text[0] == '[' || text[0] == '{' {
		return 0, false
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	// Durations past ~292 years overflow time.Duration.
	if v > float64(math.MaxInt64/int64(time.Minute)) {
		return 0, false
	}
	return v, true
}
