package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OysteinAmundsen/home-sub001/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    widget        TEXT NOT NULL DEFAULT '',
    state         TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL,
    activated_at  DATETIME,
    terminated_at DATETIME
)`

const createRequestsTable = `
CREATE TABLE IF NOT EXISTS requests (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    message_id  INTEGER NOT NULL,
    status      TEXT NOT NULL,
    payload     BLOB,
    response    BLOB,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createRequestsSessionIndex = `
CREATE INDEX IF NOT EXISTS requests_session_id ON requests (session_id, created_at)`

// ErrNotFound is returned when a session or request is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	migrations := []struct{ name, stmt string }{
		{"sessions table", createSessionsTable},
		{"requests table", createRequestsTable},
		{"requests session index", createRequestsSessionIndex},
	}
	for _, m := range migrations {
		if _, err := db.Exec(m.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", m.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordSession inserts or replaces the row for rec.ID.
func (s *SQLiteStore) RecordSession(ctx context.Context, rec model.SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, widget, state, reason, created_at, activated_at, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			widget = excluded.widget,
			state = excluded.state,
			reason = excluded.reason,
			created_at = excluded.created_at,
			activated_at = excluded.activated_at,
			terminated_at = excluded.terminated_at`,
		rec.ID, rec.Widget, string(rec.State), rec.Reason, rec.CreatedAt, rec.ActivatedAt, rec.TerminatedAt,
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

const sessionColumns = `id, widget, state, reason, created_at, activated_at, terminated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var state string
	if err := row.Scan(&rec.ID, &rec.Widget, &state, &rec.Reason, &rec.CreatedAt, &rec.ActivatedAt, &rec.TerminatedAt); err != nil {
		return nil, err
	}
	rec.State = model.SessionState(state)
	return rec, nil
}

// GetSession retrieves a session row by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.SessionRecord, error) {
	rec, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns a page of sessions ordered by created_at DESC, along
// with the total count.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*model.SessionRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, total, nil
}

// CreateRequest inserts a new request row.
func (s *SQLiteStore) CreateRequest(ctx context.Context, r *model.RequestRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (
			id, session_id, message_id, status, payload, response,
			error, duration_ms, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, int64(r.MessageID), r.Status, nullBytes(r.Payload), nullBytes(r.Response),
		r.Error, r.DurationMS, r.CreatedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

const requestColumns = `id, session_id, message_id, status, payload, response, error, duration_ms, created_at, finished_at`

func scanRequest(row scanner) (*model.RequestRecord, error) {
	r := &model.RequestRecord{}
	var messageID int64
	var payload, response []byte
	if err := row.Scan(&r.ID, &r.SessionID, &messageID, &r.Status, &payload, &response,
		&r.Error, &r.DurationMS, &r.CreatedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.MessageID = uint64(messageID)
	if len(payload) > 0 {
		r.Payload = json.RawMessage(payload)
	}
	if len(response) > 0 {
		r.Response = json.RawMessage(response)
	}
	return r, nil
}

// GetRequest retrieves a request row by id.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.RequestRecord, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

// ListRequests returns a page of the requests of one session ordered by
// created_at DESC, along with the session's total request count.
func (s *SQLiteStore) ListRequests(ctx context.Context, sessionID string, limit, offset int) ([]*model.RequestRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests WHERE session_id = ?", sessionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE session_id = ?
		ORDER BY created_at DESC, message_id DESC LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []*model.RequestRecord
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate requests: %w", err)
	}
	return requests, total, nil
}

// FinishRequest settles a pending request with a terminal status, setting
// finished_at and duration_ms. It returns ErrInvalidTransition if the request
// has already settled or status is not terminal.
func (s *SQLiteStore) FinishRequest(ctx context.Context, id, status string, response json.RawMessage, errMsg string) error {
	if !model.IsTerminalRequestStatus(status) {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, "SELECT status, created_at FROM requests WHERE id = ?", id).Scan(&current, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get request status: %w", err)
	}
	if current != model.RequestPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	duration := int(now.Sub(createdAt).Milliseconds())
	if _, err := tx.ExecContext(ctx,
		"UPDATE requests SET status = ?, response = ?, error = ?, duration_ms = ?, finished_at = ? WHERE id = ?",
		status, nullBytes(response), errMsg, duration, now, id,
	); err != nil {
		return fmt.Errorf("finish request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetStats returns journal aggregates.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		SessionsByState:  make(map[string]int),
		RequestsByStatus: make(map[string]int),
	}

	if err := countBy(ctx, s.db, "SELECT state, COUNT(*) FROM sessions GROUP BY state", stats.SessionsByState, &stats.Sessions); err != nil {
		return nil, fmt.Errorf("count sessions by state: %w", err)
	}
	if err := countBy(ctx, s.db, "SELECT status, COUNT(*) FROM requests GROUP BY status", stats.RequestsByStatus, &stats.Requests); err != nil {
		return nil, fmt.Errorf("count requests by status: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM requests WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("avg duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func countBy(ctx context.Context, db *sql.DB, query string, into map[string]int, total *int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
		*total += n
	}
	return rows.Err()
}

func nullBytes(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
