// Package transcript keeps a local, per-partner log of chat messages.
// The log never leaves the machine except when the user attaches it to
// a moderation report as evidence.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Log is a SQLite-backed message transcript.
type Log struct {
	db *sql.DB
}

// Message is one recorded line of a conversation.
type Message struct {
	Sender string
	Body   string
	SentAt time.Time
}

// Open opens (or creates) the transcript database at dbPath.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("transcript: open db: %w", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("transcript: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("transcript: set busy_timeout: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("transcript: migrate: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		partner_id TEXT    NOT NULL,
		sender     TEXT    NOT NULL,
		body       TEXT    NOT NULL,
		sent_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_messages_partner ON messages(partner_id, id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append records one message of the conversation with partnerID.
func (l *Log) Append(partnerID, sender, body string) error {
	if partnerID == "" || body == "" {
		return nil
	}
	_, err := l.db.Exec(
		"INSERT INTO messages (partner_id, sender, body) VALUES (?, ?, ?)",
		partnerID, sender, body,
	)
	if err != nil {
		return fmt.Errorf("transcript: append: %w", err)
	}
	return nil
}

// Messages returns the conversation with partnerID in send order.
func (l *Log) Messages(partnerID string) ([]Message, error) {
	rows, err := l.db.Query(
		"SELECT sender, body, sent_at FROM messages WHERE partner_id = ? ORDER BY id",
		partnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("transcript: query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var msgs []Message
	for rows.Next() {
		var m Message
		var sentAt string
		if err := rows.Scan(&m.Sender, &m.Body, &sentAt); err != nil {
			return nil, fmt.Errorf("transcript: scan: %w", err)
		}
		m.SentAt, _ = time.Parse("2006-01-02 15:04:05", sentAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Render formats the conversation with partnerID as plain text, the
// form attached to a report's chat_log field.
func (l *Log) Render(partnerID string) (string, error) {
	msgs, err := l.Messages(partnerID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.SentAt.Format("2006-01-02 15:04:05"), m.Sender, m.Body)
	}
	return b.String(), nil
}

// Clear drops the conversation with partnerID (chat ended).
func (l *Log) Clear(partnerID string) error {
	_, err := l.db.Exec("DELETE FROM messages WHERE partner_id = ?", partnerID)
	if err != nil {
		return fmt.Errorf("transcript: clear: %w", err)
	}
	return nil
}
