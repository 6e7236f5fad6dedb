package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iambrandonn/helios/internal/protocol"
)

const interactionColumns = `interaction_request_id, collab_session_id, tool_session_id, run_id,
	prompt, status, options_json, created_at, expires_at, resolved_at, answer_type, answer_value`

// PendingFilter narrows ListPendingInteractions; empty fields match everything
type PendingFilter struct {
	CollabSessionID string
	ToolSessionID   string
	RunID           string
}

// CreateInteraction inserts a new interaction request
func (s *Store) CreateInteraction(ctx context.Context, req *protocol.InteractionRequest) error {
	options := req.Options
	if options == nil {
		options = []string{}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}

	var answerType, answerValue sql.NullString
	if req.Answer != nil {
		answerType = nullString(string(req.Answer.Type))
		answerValue = sql.NullString{String: req.Answer.Value, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interaction_requests (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.InteractionRequestID, req.CollabSessionID, req.ToolSessionID, req.RunID,
		req.Prompt, string(req.Status), string(optionsJSON),
		formatTime(req.CreatedAt), formatTime(req.ExpiresAt), formatNullTime(req.ResolvedAt),
		answerType, answerValue)
	if err != nil {
		return fmt.Errorf("failed to insert interaction %s: %w", req.InteractionRequestID, err)
	}
	return nil
}

// GetInteraction returns the stored request (without lazy expiry applied) or ErrNotFound
func (s *Store) GetInteraction(ctx context.Context, id string) (*protocol.InteractionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interaction_requests WHERE interaction_request_id = ?`, id)
	req, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("interaction %s: %w", id, ErrNotFound)
	}
	return req, err
}

// ListPendingInteractions returns PENDING requests not yet expired at now, newest first
func (s *Store) ListPendingInteractions(ctx context.Context, filter PendingFilter, now time.Time, limit int) ([]protocol.InteractionRequest, error) {
	clauses := []string{"status = ?", "expires_at > ?"}
	args := []any{string(protocol.InteractionPending), formatTime(now)}
	if filter.CollabSessionID != "" {
		clauses = append(clauses, "collab_session_id = ?")
		args = append(args, filter.CollabSessionID)
	}
	if filter.ToolSessionID != "" {
		clauses = append(clauses, "tool_session_id = ?")
		args = append(args, filter.ToolSessionID)
	}
	if filter.RunID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, filter.RunID)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interaction_requests
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending interactions: %w", err)
	}
	defer rows.Close()

	var reqs []protocol.InteractionRequest
	for rows.Next() {
		req, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// TransitionInteraction moves a PENDING request to a terminal status.
// It reports false when the request was no longer PENDING.
func (s *Store) TransitionInteraction(ctx context.Context, id string, to protocol.InteractionStatus) (bool, error) {
	if !protocol.CanTransition(protocol.InteractionPending, to) {
		return false, fmt.Errorf("invalid interaction transition to %s", to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE interaction_requests SET status = ?
		WHERE interaction_request_id = ? AND status = ?`,
		string(to), id, string(protocol.InteractionPending))
	if err != nil {
		return false, fmt.Errorf("failed to transition interaction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResolveInteraction records the answer and consumes keys in one transaction.
// It reports false, consuming nothing, when the request was no longer PENDING.
func (s *Store) ResolveInteraction(ctx context.Context, id string, answer protocol.Answer, at time.Time, keys ...string) (bool, error) {
	resolved := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE interaction_requests
			SET status = ?, resolved_at = ?, answer_type = ?, answer_value = ?
			WHERE interaction_request_id = ? AND status = ?`,
			string(protocol.InteractionResolved), formatTime(at), string(answer.Type), answer.Value,
			id, string(protocol.InteractionPending))
		if err != nil {
			return fmt.Errorf("failed to resolve interaction %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}

		for _, key := range keys {
			if key == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO interaction_idempotency_keys (key, interaction_request_id, consumed_at)
				VALUES (?, ?, ?)`, key, id, formatTime(at)); err != nil {
				return fmt.Errorf("failed to consume idempotency key: %w", err)
			}
		}
		resolved = true
		return nil
	})
	return resolved, err
}

// IsKeyConsumed reports whether any of keys has been recorded
func (s *Store) IsKeyConsumed(ctx context.Context, keys ...string) (bool, error) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM interaction_idempotency_keys WHERE key = ?`, key).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
		return true, nil
	}
	return false, nil
}

func scanInteraction(row rowScanner) (*protocol.InteractionRequest, error) {
	var (
		req         protocol.InteractionRequest
		status      string
		optionsJSON string
		createdAt   string
		expiresAt   string
		resolvedAt  sql.NullString
		answerType  sql.NullString
		answerValue sql.NullString
	)
	err := row.Scan(&req.InteractionRequestID, &req.CollabSessionID, &req.ToolSessionID, &req.RunID,
		&req.Prompt, &status, &optionsJSON, &createdAt, &expiresAt, &resolvedAt, &answerType, &answerValue)
	if err != nil {
		return nil, err
	}

	req.Status = protocol.InteractionStatus(status)
	if err := json.Unmarshal([]byte(optionsJSON), &req.Options); err != nil {
		return nil, fmt.Errorf("interaction %s: invalid options: %w", req.InteractionRequestID, err)
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if req.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if req.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if answerType.Valid {
		req.Answer = &protocol.Answer{Type: protocol.AnswerType(answerType.String), Value: answerValue.String}
	}
	return &req, nil
}
