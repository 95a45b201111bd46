package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session is a folder's resumable agent session along with when it was last
// touched, for `nanoclawd doctor`'s staleness check.
type Session struct {
	Folder    string
	SessionID string
	UpdatedAt time.Time
}

// GetSession returns the resumable session id for a folder, or "" if none
// has been recorded yet.
func (s *Store) GetSession(folder string) (string, error) {
	var sessionID string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: reading session: %w", err)
	}
	return sessionID, nil
}

// SetSession records the session id for a folder. The host is the single
// writer, persisting each id the agent runner reports.
func (s *Store) SetSession(folder, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		folder, sessionID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: writing session: %w", err)
	}
	return nil
}

// ListSessions returns every recorded session, for `nanoclawd doctor`'s
// stale-session report.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT folder, session_id, updated_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var updatedAtMs int64
		if err := rows.Scan(&sess.Folder, &sess.SessionID, &updatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scanning session: %w", err)
		}
		sess.UpdatedAt = time.UnixMilli(updatedAtMs)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ResetSession clears a folder's session id (manual reset, per spec.md's
// Session lifecycle).
func (s *Store) ResetSession(folder string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE folder = ?`, folder)
	if err != nil {
		return fmt.Errorf("store: resetting session: %w", err)
	}
	return nil
}
