package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegisteredChat mirrors spec.md §3's "Registered Chat".
type RegisteredChat struct {
	JID              string
	DisplayName      string
	Folder           string
	TriggerPattern   string
	RequiresTrigger  bool
	IsMain           bool
	AddedAt          time.Time
}

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// RegisterChat inserts or replaces a registered chat by JID.
func (s *Store) RegisterChat(c RegisteredChat) error {
	_, err := s.db.Exec(`
		INSERT INTO registered_chats (jid, display_name, folder, trigger_pattern, requires_trigger, is_main, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			display_name=excluded.display_name,
			folder=excluded.folder,
			trigger_pattern=excluded.trigger_pattern,
			requires_trigger=excluded.requires_trigger,
			is_main=excluded.is_main`,
		c.JID, c.DisplayName, c.Folder, c.TriggerPattern, boolToInt(c.RequiresTrigger), boolToInt(c.IsMain), c.AddedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: registering chat: %w", err)
	}
	return nil
}

// GetChat looks up a registered chat by JID.
func (s *Store) GetChat(jid string) (*RegisteredChat, error) {
	row := s.db.QueryRow(`SELECT jid, display_name, folder, trigger_pattern, requires_trigger, is_main, added_at
		FROM registered_chats WHERE jid = ?`, jid)
	return scanChat(row)
}

// GetChatByFolder looks up a registered chat by its folder.
func (s *Store) GetChatByFolder(folder string) (*RegisteredChat, error) {
	row := s.db.QueryRow(`SELECT jid, display_name, folder, trigger_pattern, requires_trigger, is_main, added_at
		FROM registered_chats WHERE folder = ?`, folder)
	return scanChat(row)
}

// MainChat returns the single chat designated main, if any has been set.
func (s *Store) MainChat() (*RegisteredChat, error) {
	row := s.db.QueryRow(`SELECT jid, display_name, folder, trigger_pattern, requires_trigger, is_main, added_at
		FROM registered_chats WHERE is_main = 1 LIMIT 1`)
	return scanChat(row)
}

// ListChats returns every registered chat, ordered by folder, for
// `nanoclawd doctor`'s session-staleness report.
func (s *Store) ListChats() ([]RegisteredChat, error) {
	rows, err := s.db.Query(`SELECT jid, display_name, folder, trigger_pattern, requires_trigger, is_main, added_at
		FROM registered_chats ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("store: listing chats: %w", err)
	}
	defer rows.Close()

	var out []RegisteredChat
	for rows.Next() {
		var c RegisteredChat
		var requiresTrigger, isMain int
		var addedAtMs int64
		if err := rows.Scan(&c.JID, &c.DisplayName, &c.Folder, &c.TriggerPattern, &requiresTrigger, &isMain, &addedAtMs); err != nil {
			return nil, fmt.Errorf("store: scanning chat: %w", err)
		}
		c.RequiresTrigger = requiresTrigger != 0
		c.IsMain = isMain != 0
		c.AddedAt = time.UnixMilli(addedAtMs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChat(row *sql.Row) (*RegisteredChat, error) {
	var c RegisteredChat
	var requiresTrigger, isMain int
	var addedAtMs int64
	err := row.Scan(&c.JID, &c.DisplayName, &c.Folder, &c.TriggerPattern, &requiresTrigger, &isMain, &addedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning chat: %w", err)
	}
	c.RequiresTrigger = requiresTrigger != 0
	c.IsMain = isMain != 0
	c.AddedAt = time.UnixMilli(addedAtMs)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
