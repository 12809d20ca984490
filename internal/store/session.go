package store

import (
	"database/sql"
	"errors"
	"os"
	"time"

	"github.com/ayusman/jetcam/internal/session"
	"github.com/google/uuid"
)

// bootID identifies this process in the journal. Unlike the PID it is
// never reused by a later process.
var bootID = uuid.New().String()

// SessionStatus is the last known state of a capture session.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "created"
	StatusRunning   SessionStatus = "running"
	StatusFailed    SessionStatus = "failed"
	StatusStopped   SessionStatus = "stopped"
	StatusClosed    SessionStatus = "closed"
	StatusReclaimed SessionStatus = "reclaimed"
	// StatusAbandoned marks sessions a previous process never closed.
	StatusAbandoned SessionStatus = "abandoned"
)

// eventAbandoned is journaled when a session is marked abandoned.
const eventAbandoned = "abandoned"

// SessionRecord is a capture session stored in the journal.
type SessionRecord struct {
	ID        string        `json:"id"`
	Mode      string        `json:"mode"`
	Status    SessionStatus `json:"status"`
	PID       int           `json:"pid"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
}

// EventRecord is a journaled lifecycle event.
type EventRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRepository journals capture session lifecycles.
type SessionRepository struct {
	db   *sql.DB
	pid  int
	boot string
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db, pid: os.Getpid(), boot: bootID}
}

// statusFor maps a lifecycle event to the session status it leaves behind.
func statusFor(kind session.EventKind) SessionStatus {
	switch kind {
	case session.EventStarted:
		return StatusRunning
	case session.EventStartFailed:
		return StatusFailed
	case session.EventStopped:
		return StatusStopped
	case session.EventClosed:
		return StatusClosed
	case session.EventReclaimed:
		return StatusReclaimed
	default:
		return StatusCreated
	}
}

// Record stores ev and updates the session's status. It implements session.Journal.
func (r *SessionRepository) Record(ev session.Event) error {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	status := statusFor(ev.Kind)
	var closedAt sql.NullTime
	if status == StatusClosed || status == StatusReclaimed {
		closedAt = sql.NullTime{Time: at, Valid: true}
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, mode, status, pid, boot_id, created_at, updated_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			closed_at = COALESCE(excluded.closed_at, sessions.closed_at)`,
		ev.SessionID, string(ev.Mode), string(status), r.pid, r.boot, at, at, closedAt,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO session_events (session_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		ev.SessionID, string(ev.Kind), ev.Detail, at,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Get retrieves a session by its ID.
func (r *SessionRepository) Get(id string) (*SessionRecord, error) {
	row := r.db.QueryRow(
		`SELECT id, mode, status, pid, created_at, updated_at, closed_at
		 FROM sessions WHERE id = ?`,
		id,
	)

	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return rec, nil
}

// List retrieves all sessions, most recent first.
func (r *SessionRepository) List() ([]SessionRecord, error) {
	rows, err := r.db.Query(
		`SELECT id, mode, status, pid, created_at, updated_at, closed_at
		 FROM sessions ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// Events retrieves the lifecycle events of a session in order.
func (r *SessionRepository) Events(sessionID string) ([]EventRecord, error) {
	rows, err := r.db.Query(
		`SELECT id, session_id, kind, detail, created_at
		 FROM session_events
		 WHERE session_id = ?
		 ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// Abandon marks every session left open by another process as abandoned and
// returns their IDs. Processes are told apart by boot ID, so a crashed
// process whose PID was reused is still detected. Such sessions may still hold the capture hardware.
func (r *SessionRepository) Abandon() ([]string, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id FROM sessions
		 WHERE status NOT IN ('closed', 'reclaimed', 'abandoned') AND boot_id != ?
		 ORDER BY created_at, id`,
		r.boot,
	)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now()
	for _, id := range ids {
		if _, err := tx.Exec(
			`UPDATE sessions SET status = ?, updated_at = ?, closed_at = ? WHERE id = ?`,
			string(StatusAbandoned), now, now, id,
		); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(
			`INSERT INTO session_events (session_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
			id, eventAbandoned, "left open by a previous process", now,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var status string
	var closedAt sql.NullTime

	if err := row.Scan(&rec.ID, &rec.Mode, &status, &rec.PID, &rec.CreatedAt, &rec.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}

	rec.Status = SessionStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}

	return &rec, nil
}
