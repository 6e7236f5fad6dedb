// Package eventlog appends an NDJSON audit trail of run, interaction and card events.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/helios/internal/ndjson"
)

// Type names a recorded domain event
type Type string

const (
	TypeRunStarted          Type = "run.started"
	TypeRunEnded            Type = "run.ended"
	TypeInteractionCreated  Type = "interaction.created"
	TypeInteractionResolved Type = "interaction.resolved"
	TypeInteractionClosed   Type = "interaction.closed"
	TypeCardAction          Type = "card.action"
)

// Record is one line of the audit log
type Record struct {
	Type                 Type           `json:"type"`
	At                   time.Time      `json:"at"`
	RunID                string         `json:"run_id,omitempty"`
	InteractionRequestID string         `json:"interaction_request_id,omitempty"`
	CollabSessionID      string         `json:"collab_session_id,omitempty"`
	CardID               string         `json:"card_id,omitempty"`
	Data                 map[string]any `json:"data,omitempty"`
}

// EventLog writes records to an append-only NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewEventLog opens (creating if needed) the log at logPath
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Write appends rec, stamping it with the current time when At is unset
func (l *EventLog) Write(rec Record) error {
	if rec.Type == "" {
		return errors.New("event type is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("event log is closed")
	}
	if rec.At.IsZero() {
		rec.At = l.now().UTC()
	}
	if err := l.encoder.Encode(rec); err != nil {
		return fmt.Errorf("failed to write %s event: %w", rec.Type, err)
	}
	return nil
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadAll replays every record in the log at logPath. A missing file yields no records.
func ReadAll(logPath string, logger *slog.Logger) ([]Record, error) {
	file, err := os.Open(logPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var records []Record
	decoder := ndjson.NewDecoder(file, logger)
	for {
		var rec Record
		err := decoder.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
