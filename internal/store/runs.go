package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/iambrandonn/helios/internal/protocol"
)

const runColumns = `run_id, task_id, tool_session_id, collab_session_id, provider, status,
	command, args_json, created_at, ended_at`

// CreateRun inserts a new run record owned by the current process
func (s *Store) CreateRun(ctx context.Context, run *protocol.Run) error {
	return s.CreateRunOwnedBy(ctx, run, os.Getpid())
}

// CreateRunOwnedBy inserts a new run record owned by the process with the given pid
func (s *Store) CreateRunOwnedBy(ctx context.Context, run *protocol.Run, ownerPID int) error {
	args := run.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`, owner_pid) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.TaskID, run.ToolSessionID, run.CollabSessionID, string(run.Provider),
		string(run.Status), run.Command, string(argsJSON), formatTime(run.CreatedAt),
		formatNullTime(run.EndedAt), ownerPID)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun returns the run with the given id or ErrNotFound
func (s *Store) GetRun(ctx context.Context, runID string) (*protocol.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

// ListRuns returns runs newest first, optionally restricted to one status
func (s *Store) ListRuns(ctx context.Context, status protocol.RunStatus, limit int) ([]protocol.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []protocol.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// EndRun moves an ACTIVE run to ENDED. It reports false when the run was not ACTIVE.
func (s *Store) EndRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE run_id = ? AND status = ?`,
		string(protocol.RunStatusEnded), formatTime(at), runID, string(protocol.RunStatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to end run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EndOrphanedRuns ends every ACTIVE run whose owning process is not alive
// and returns how many were ended. Runs without a recorded owner count as orphaned.
func (s *Store) EndOrphanedRuns(ctx context.Context, at time.Time, alive func(pid int) bool) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, owner_pid FROM runs WHERE status = ?`, string(protocol.RunStatusActive))
	if err != nil {
		return 0, fmt.Errorf("failed to list active runs: %w", err)
	}
	var orphaned []string
	for rows.Next() {
		var (
			runID string
			pid   int
		)
		if err := rows.Scan(&runID, &pid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan active run: %w", err)
		}
		if pid <= 0 || !alive(pid) {
			orphaned = append(orphaned, runID)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, fmt.Errorf("failed to list active runs: %w", err)
	}

	var ended int64
	for _, runID := range orphaned {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, ended_at = ? WHERE run_id = ? AND status = ?`,
			string(protocol.RunStatusEnded), formatTime(at), runID, string(protocol.RunStatusActive))
		if err != nil {
			return ended, fmt.Errorf("failed to end run %s: %w", runID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return ended, err
		}
		ended += n
	}
	return ended, nil
}

// AppendOutput stores one output fragment and returns its sequence number
func (s *Store) AppendOutput(ctx context.Context, runID, data string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_outputs (run_id, data, received_at) VALUES (?, ?, ?)`,
		runID, data, formatTime(at))
	if err != nil {
		return 0, fmt.Errorf("failed to append output for run %s: %w", runID, err)
	}
	return res.LastInsertId()
}

// ListOutput returns the most recent limit fragments of a run in arrival order
func (s *Store) ListOutput(ctx context.Context, runID string, limit int) ([]protocol.RunOutput, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, run_id, data, received_at FROM (
			SELECT seq, run_id, data, received_at FROM run_outputs
			WHERE run_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list output for run %s: %w", runID, err)
	}
	defer rows.Close()

	var outputs []protocol.RunOutput
	for rows.Next() {
		var (
			out        protocol.RunOutput
			receivedAt string
		)
		if err := rows.Scan(&out.Seq, &out.RunID, &out.Data, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		if out.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// AppendWrite records one stdin write
func (s *Store) AppendWrite(ctx context.Context, w protocol.RunWrite) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_writes (run_id, stdin_text, written_at) VALUES (?, ?, ?)`,
		w.RunID, w.StdinText, formatTime(w.WrittenAt))
	if err != nil {
		return fmt.Errorf("failed to record write for run %s: %w", w.RunID, err)
	}
	return nil
}

// ListWrites returns every recorded stdin write of a run in order
func (s *Store) ListWrites(ctx context.Context, runID string) ([]protocol.RunWrite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stdin_text, written_at FROM run_writes WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list writes for run %s: %w", runID, err)
	}
	defer rows.Close()

	var writes []protocol.RunWrite
	for rows.Next() {
		var (
			w         protocol.RunWrite
			writtenAt string
		)
		if err := rows.Scan(&w.RunID, &w.StdinText, &writtenAt); err != nil {
			return nil, fmt.Errorf("failed to scan write: %w", err)
		}
		if w.WrittenAt, err = parseTime(writtenAt); err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

func scanRun(row rowScanner) (*protocol.Run, error) {
	var (
		run       protocol.Run
		provider  string
		status    string
		argsJSON  string
		createdAt string
		endedAt   sql.NullString
	)
	err := row.Scan(&run.RunID, &run.TaskID, &run.ToolSessionID, &run.CollabSessionID,
		&provider, &status, &run.Command, &argsJSON, &createdAt, &endedAt)
	if err != nil {
		return nil, err
	}

	run.Provider = protocol.Provider(provider)
	run.Status = protocol.RunStatus(status)
	if err := json.Unmarshal([]byte(argsJSON), &run.Args); err != nil {
		return nil, fmt.Errorf("run %s: invalid args: %w", run.RunID, err)
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	return &run, nil
}
