package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/courier-ai/courier/pkg/models"
)

// SQLiteStore persists runtime state in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for throwaway instances.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialized access avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			user_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			answer TEXT,
			status TEXT NOT NULL,
			steps INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS process_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			command TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER,
			exit_code INTEGER,
			log_path TEXT NOT NULL,
			output_bytes INTEGER NOT NULL DEFAULT 0,
			redactions INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			last_read_at DATETIME,
			last_write_at DATETIME,
			ended_at DATETIME,
			end_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS process_session_chunks (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			byte_offset INTEGER NOT NULL,
			length INTEGER NOT NULL,
			preview TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			call TEXT NOT NULL,
			reason TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			decided_at DATETIME,
			decided_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON process_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON process_sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_user_status ON approvals(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_key, user_id, prompt, answer, status, steps, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionKey, run.UserID, run.Prompt, run.Answer, run.Status, run.Steps,
		run.StartedAt, nullTime(run.EndedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *models.Run) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET answer = ?, status = ?, steps = ?, ended_at = ? WHERE id = ?`,
		run.Answer, run.Status, run.Steps, nullTime(run.EndedAt), run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_key, user_id, prompt, answer, status, steps, started_at, ended_at
		FROM runs WHERE id = ?`, id)

	var run models.Run
	var answer sql.NullString
	var ended sql.NullTime
	err := row.Scan(&run.ID, &run.SessionKey, &run.UserID, &run.Prompt, &answer, &run.Status, &run.Steps, &run.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Answer = answer.String
	run.EndedAt = ended.Time
	return &run, nil
}

func (s *SQLiteStore) AppendRunEvent(ctx context.Context, ev *models.RunEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, string(ev.Kind), ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string) ([]*models.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, kind, payload, created_at FROM run_events
		WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var out []*models.RunEvent
	for rows.Next() {
		var ev models.RunEvent
		var kind string
		if err := rows.Scan(&ev.RunID, &ev.Seq, &kind, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveProcessSession(ctx context.Context, sess *models.ProcessSession) error {
	var exit sql.NullInt64
	if sess.ExitCode != nil {
		exit = sql.NullInt64{Int64: int64(*sess.ExitCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_sessions
			(id, user_id, command, mode, status, pid, exit_code, log_path, output_bytes, redactions,
			 started_at, last_read_at, last_write_at, ended_at, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			pid = excluded.pid,
			exit_code = excluded.exit_code,
			output_bytes = excluded.output_bytes,
			redactions = excluded.redactions,
			last_read_at = excluded.last_read_at,
			last_write_at = excluded.last_write_at,
			ended_at = excluded.ended_at,
			end_reason = excluded.end_reason`,
		sess.ID, sess.UserID, sess.Command, string(sess.Mode), string(sess.Status), sess.PID, exit,
		sess.LogPath, sess.OutputBytes, sess.Redactions,
		sess.StartedAt, nullTime(sess.LastReadAt), nullTime(sess.LastWriteAt), nullTime(sess.EndedAt), sess.EndReason)
	if err != nil {
		return fmt.Errorf("save process session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProcessSession(ctx context.Context, id string) (*models.ProcessSession, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *SQLiteStore) ListProcessSessions(ctx context.Context, userID string) ([]*models.ProcessSession, error) {
	q := sessionSelect + ` ORDER BY started_at DESC`
	args := []any{}
	if userID != "" {
		q = sessionSelect + ` WHERE user_id = ? ORDER BY started_at DESC`
		args = append(args, userID)
	}
	return s.querySessions(ctx, q, args...)
}

func (s *SQLiteStore) ListProcessSessionsByStatus(ctx context.Context, status models.ProcessStatus) ([]*models.ProcessSession, error) {
	return s.querySessions(ctx, sessionSelect+` WHERE status = ? ORDER BY started_at DESC`, string(status))
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*models.ProcessSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query process sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.ProcessSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendSessionChunk(ctx context.Context, c *models.SessionChunk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_session_chunks (session_id, seq, byte_offset, length, preview, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Seq, c.Offset, c.Length, c.Preview, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session chunk: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessionChunks(ctx context.Context, sessionID string) ([]*models.SessionChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, byte_offset, length, preview, created_at
		FROM process_session_chunks WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session chunks: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionChunk
	for rows.Next() {
		var c models.SessionChunk
		if err := rows.Scan(&c.SessionID, &c.Seq, &c.Offset, &c.Length, &c.Preview, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateApproval(ctx context.Context, rec *models.PendingApproval) error {
	call, err := json.Marshal(rec.Call)
	if err != nil {
		return fmt.Errorf("marshal approval call: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, user_id, session_key, call, reason, status, created_at, expires_at, decided_at, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SessionKey, string(call), rec.Reason, string(rec.Status),
		rec.CreatedAt, rec.ExpiresAt, nullTime(rec.DecidedAt), rec.DecidedBy)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*models.PendingApproval, error) {
	row := s.db.QueryRowContext(ctx, approvalSelect+` WHERE id = ?`, id)
	rec, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) UpdateApproval(ctx context.Context, rec *models.PendingApproval) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decided_at = ?, decided_by = ? WHERE id = ?`,
		string(rec.Status), nullTime(rec.DecidedAt), rec.DecidedBy, rec.ID)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPendingApprovals(ctx context.Context, userID string) ([]*models.PendingApproval, error) {
	q := approvalSelect + ` WHERE status = ? ORDER BY created_at`
	args := []any{string(models.ApprovalPending)}
	if userID != "" {
		q = approvalSelect + ` WHERE status = ? AND user_id = ? ORDER BY created_at`
		args = append(args, userID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingApproval
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sessionSelect = `
	SELECT id, user_id, command, mode, status, pid, exit_code, log_path, output_bytes, redactions,
	       started_at, last_read_at, last_write_at, ended_at, end_reason
	FROM process_sessions`

const approvalSelect = `
	SELECT id, user_id, session_key, call, reason, status, created_at, expires_at, decided_at, decided_by
	FROM approvals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ProcessSession, error) {
	var sess models.ProcessSession
	var mode, status string
	var pid sql.NullInt64
	var exit sql.NullInt64
	var lastRead, lastWrite, ended sql.NullTime
	var endReason sql.NullString
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Command, &mode, &status, &pid, &exit,
		&sess.LogPath, &sess.OutputBytes, &sess.Redactions,
		&sess.StartedAt, &lastRead, &lastWrite, &ended, &endReason)
	if err != nil {
		return nil, err
	}
	sess.Mode = models.ProcessMode(mode)
	sess.Status = models.ProcessStatus(status)
	sess.PID = int(pid.Int64)
	if exit.Valid {
		code := int(exit.Int64)
		sess.ExitCode = &code
	}
	sess.LastReadAt = lastRead.Time
	sess.LastWriteAt = lastWrite.Time
	sess.EndedAt = ended.Time
	sess.EndReason = endReason.String
	return &sess, nil
}

func scanApproval(row rowScanner) (*models.PendingApproval, error) {
	var rec models.PendingApproval
	var call, status string
	var reason, decidedBy sql.NullString
	var decided sql.NullTime
	err := row.Scan(&rec.ID, &rec.UserID, &rec.SessionKey, &call, &reason, &status,
		&rec.CreatedAt, &rec.ExpiresAt, &decided, &decidedBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(call), &rec.Call); err != nil {
		return nil, fmt.Errorf("unmarshal approval call: %w", err)
	}
	rec.Reason = reason.String
	rec.Status = models.ApprovalStatus(status)
	rec.DecidedAt = decided.Time
	rec.DecidedBy = decidedBy.String
	return &rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
