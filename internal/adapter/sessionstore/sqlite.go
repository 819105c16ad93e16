package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"nexa/internal/domain"
	"nexa/internal/infra/tracer"
)

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

var _ domain.SessionStore = (*SQLiteStore)(nil)

// SQLiteStore keeps session histories in SQLite. Appends are serialised per
// session in process and guarded in storage by the (session_id, seq)
// primary key, so a stale writer can never insert at an occupied position.
type SQLiteStore struct {
	db    *sql.DB
	locks *SessionLocker
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// A single connection keeps write transactions from contending on the
	// file lock.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteStore{db: db, locks: NewSessionLocker()}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_entries (
			session_id TEXT    NOT NULL,
			seq        INTEGER NOT NULL,
			turn_id    TEXT    NOT NULL,
			user_text  TEXT    NOT NULL,
			assistant  TEXT    NOT NULL,
			agent_id   TEXT,
			agent_name TEXT    NOT NULL,
			created_at TEXT    NOT NULL,
			PRIMARY KEY (session_id, seq),
			UNIQUE (session_id, turn_id)
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetHistory returns the session's entries in append order.
func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string) (*domain.SessionHistory, error) {
	h := &domain.SessionHistory{SessionID: sessionID, Entries: []domain.ChatHistoryEntry{}}

	err := s.db.QueryRowContext(ctx, "SELECT owner_user_id FROM sessions WHERE id = ?", sessionID).Scan(&h.OwnerUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, user_text, assistant, agent_id, agent_name, created_at
		FROM session_entries WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.ChatHistoryEntry
		var agentID sql.NullString
		var createdStr string
		if err := rows.Scan(&e.TurnID, &e.User, &e.Assistant, &agentID, &e.AgentName, &createdStr); err != nil {
			return nil, err
		}
		if agentID.Valid {
			id := agentID.String
			e.AgentID = &id
		}
		e.CreatedAt, _ = time.Parse(tsLayout, createdStr)
		h.Entries = append(h.Entries, e)
	}
	return h, rows.Err()
}

// ListSessions returns the sessions owned by ownerUserID.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerUserID string) ([]domain.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, COUNT(e.seq), MAX(e.created_at)
		FROM sessions s
		JOIN session_entries e ON e.session_id = s.id
		WHERE s.owner_user_id = ?
		GROUP BY s.id`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []domain.SessionSummary{}
	for rows.Next() {
		var sum domain.SessionSummary
		var lastStr string
		if err := rows.Scan(&sum.SessionID, &sum.Turns, &lastStr); err != nil {
			return nil, err
		}
		sum.LastActiveAt, _ = time.Parse(tsLayout, lastStr)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	domain.SortSessionSummaries(out)
	return out, nil
}

// AppendEntry appends entry at position expectedLen, creating the session
// for ownerUserID when it does not exist yet.
func (s *SQLiteStore) AppendEntry(ctx context.Context, sessionID, ownerUserID string, expectedLen int, entry domain.ChatHistoryEntry) error {
	ctx, span := tracer.StartSpan(ctx, "session.append",
		trace.WithAttributes(
			tracer.StringAttr("session.backend", "sqlite"),
			tracer.IntAttr("session.expected_len", expectedLen),
		),
	)
	defer span.End()

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	defer unlock()

	if err := s.appendTx(ctx, sessionID, ownerUserID, expectedLen, entry); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

func (s *SQLiteStore) appendTx(ctx context.Context, sessionID, ownerUserID string, expectedLen int, entry domain.ChatHistoryEntry) error {
	const op = "SQLiteStore.AppendEntry"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, "SELECT owner_user_id FROM sessions WHERE id = ?", sessionID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sessions (id, owner_user_id, created_at) VALUES (?, ?, ?)",
			sessionID, ownerUserID, time.Now().UTC().Format(tsLayout)); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	case err != nil:
		return fmt.Errorf("get session owner: %w", err)
	case owner != ownerUserID:
		return domain.NewDomainError(op, domain.ErrSessionForbidden, sessionID)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_entries WHERE session_id = ?", sessionID).Scan(&count); err != nil {
		return fmt.Errorf("count entries: %w", err)
	}
	if count != expectedLen {
		return domain.NewDomainError(op, domain.ErrSessionConflict,
			fmt.Sprintf("expected %d entries, found %d", expectedLen, count))
	}

	var agentID sql.NullString
	if entry.AgentID != nil {
		agentID = sql.NullString{String: *entry.AgentID, Valid: true}
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_entries (session_id, seq, turn_id, user_text, assistant, agent_id, agent_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, expectedLen, entry.TurnID, entry.User, entry.Assistant, agentID, entry.AgentName,
		createdAt.UTC().Format(tsLayout),
	)
	if err != nil {
		if isConstraintError(err) {
			return domain.NewDomainError(op, domain.ErrSessionConflict, err.Error())
		}
		return fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// isConstraintError matches SQLite UNIQUE and PRIMARY KEY violations.
func isConstraintError(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}
