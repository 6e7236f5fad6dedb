package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iambrandonn/helios/internal/protocol"
)

const linkColumns = `link_id, collab_session_id, task_id, provider, tool_session_id, status,
	last_summary_150, last_active_at, created_at`

// PeekEntry is one summary line recorded for a tool session
type PeekEntry struct {
	ToolSessionID string
	Summary       string
	CreatedAt     time.Time
}

// UpsertToolSessionLink creates or refreshes the link for link.ToolSessionID
func (s *Store) UpsertToolSessionLink(ctx context.Context, link *protocol.ToolSessionLink) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_session_links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tool_session_id) DO UPDATE SET
			collab_session_id = excluded.collab_session_id,
			task_id = excluded.task_id,
			provider = excluded.provider,
			status = excluded.status,
			last_active_at = excluded.last_active_at`,
		link.LinkID, link.CollabSessionID, link.TaskID, string(link.Provider), link.ToolSessionID,
		link.Status, protocol.TruncateSummary(link.LastSummary),
		formatTime(link.LastActiveAt), formatTime(link.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert tool session link %s: %w", link.ToolSessionID, err)
	}
	return nil
}

// GetToolSessionLink returns the link for a tool session or ErrNotFound
func (s *Store) GetToolSessionLink(ctx context.Context, toolSessionID string) (*protocol.ToolSessionLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM tool_session_links WHERE tool_session_id = ?`, toolSessionID)
	link, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool session %s: %w", toolSessionID, ErrNotFound)
	}
	return link, err
}

// ListToolSessionLinks returns the links of a collaboration session, most recently active first
func (s *Store) ListToolSessionLinks(ctx context.Context, collabSessionID string) ([]protocol.ToolSessionLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM tool_session_links
		WHERE collab_session_id = ? ORDER BY last_active_at DESC, rowid DESC`, collabSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool session links: %w", err)
	}
	defer rows.Close()

	var links []protocol.ToolSessionLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, rows.Err()
}

// AppendSummary records a peek entry and refreshes the link's last summary when a link exists
func (s *Store) AppendSummary(ctx context.Context, toolSessionID, summary string, at time.Time) error {
	summary = protocol.TruncateSummary(summary)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tool_session_peek_entries (tool_session_id, summary, created_at) VALUES (?, ?, ?)`,
			toolSessionID, summary, formatTime(at)); err != nil {
			return fmt.Errorf("failed to append summary: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tool_session_links SET last_summary_150 = ?, last_active_at = ? WHERE tool_session_id = ?`,
			summary, formatTime(at), toolSessionID); err != nil {
			return fmt.Errorf("failed to refresh tool session link: %w", err)
		}
		return nil
	})
}

// PeekSummaries returns up to limit summaries of a tool session, newest first
func (s *Store) PeekSummaries(ctx context.Context, toolSessionID string, limit int) ([]PeekEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_session_id, summary, created_at FROM tool_session_peek_entries
		WHERE tool_session_id = ? ORDER BY id DESC LIMIT ?`, toolSessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to peek tool session %s: %w", toolSessionID, err)
	}
	defer rows.Close()

	var entries []PeekEntry
	for rows.Next() {
		var (
			e         PeekEntry
			createdAt string
		)
		if err := rows.Scan(&e.ToolSessionID, &e.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan peek entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetActiveTool records the provider selected for a collaboration session
func (s *Store) SetActiveTool(ctx context.Context, collabSessionID string, provider protocol.Provider, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collab_sessions (collab_session_id, active_tool, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collab_session_id) DO UPDATE SET
			active_tool = excluded.active_tool,
			updated_at = excluded.updated_at`,
		collabSessionID, string(provider), formatTime(at), formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to set active tool for %s: %w", collabSessionID, err)
	}
	return nil
}

// ActiveTool returns the selected provider of a session, or "" when none was chosen
func (s *Store) ActiveTool(ctx context.Context, collabSessionID string) (protocol.Provider, error) {
	var tool sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT active_tool FROM collab_sessions WHERE collab_session_id = ?`, collabSessionID).Scan(&tool)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active tool: %w", err)
	}
	return protocol.Provider(tool.String), nil
}

func scanLink(row rowScanner) (*protocol.ToolSessionLink, error) {
	var (
		link         protocol.ToolSessionLink
		provider     string
		lastActiveAt string
		createdAt    string
	)
	err := row.Scan(&link.LinkID, &link.CollabSessionID, &link.TaskID, &provider, &link.ToolSessionID,
		&link.Status, &link.LastSummary, &lastActiveAt, &createdAt)
	if err != nil {
		return nil, err
	}
	link.Provider = protocol.Provider(provider)
	if link.LastActiveAt, err = parseTime(lastActiveAt); err != nil {
		return nil, err
	}
	if link.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &link, nil
}
