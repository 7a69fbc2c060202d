// Package store provides SQLite-backed persistence for users and
// moderation reports.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duochat/duochat/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// Store provides database access for all duochat server entities.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		username        TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash   TEXT    NOT NULL,
		role            INTEGER NOT NULL DEFAULT 0 CHECK(role >= 0 AND role <= 1),
		chat_id         TEXT    NOT NULL UNIQUE,
		is_master_admin INTEGER NOT NULL DEFAULT 0,
		is_banned       INTEGER NOT NULL DEFAULT 0,
		is_muted        INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_users_chat_id ON users(chat_id);

	CREATE TABLE IF NOT EXISTS reports (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		reporter_id TEXT    NOT NULL,
		reported_id TEXT    NOT NULL,
		reason      TEXT    NOT NULL DEFAULT '',
		chat_log    TEXT    NOT NULL DEFAULT '',
		created_at  TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: migration %d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}
	return nil
}

// ---- Users ----

const userColumns = "id, username, password_hash, role, chat_id, is_master_admin, is_banned, is_muted, created_at"

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var role int
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.ChatID,
		&u.IsMasterAdmin, &u.IsBanned, &u.IsMuted, &createdAt)
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	u.CreatedAt, _ = time.Parse(dbTimeLayout, createdAt)
	return &u, nil
}

// CreateUser creates a new user and fills in the assigned ID.
func (s *Store) CreateUser(user *model.User) error {
	res, err := s.db.Exec(
		`INSERT INTO users (username, password_hash, role, chat_id, is_master_admin, is_banned, is_muted)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.Username, user.PasswordHash, int(user.Role), user.ChatID,
		user.IsMasterAdmin, user.IsBanned, user.IsMuted,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: create user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetUserByUsername retrieves a user by username. Returns (nil, nil) if not found.
func (s *Store) GetUserByUsername(username string) (*model.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE username = ?", username)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by username: %w", err)
	}
	return u, nil
}

// GetUserByChatID retrieves a user by chat id. Returns (nil, nil) if not found.
func (s *Store) GetUserByChatID(chatID string) (*model.User, error) {
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE chat_id = ?", chatID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by chat id: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers() ([]model.User, error) {
	rows, err := s.db.Query("SELECT " + userColumns + " FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user by username.
func (s *Store) DeleteUser(username string) error {
	res, err := s.db.Exec("DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	return requireAffected(res)
}

// UpdateRole changes a user's role.
func (s *Store) UpdateRole(username string, role model.Role) error {
	res, err := s.db.Exec("UPDATE users SET role = ? WHERE username = ?", int(role), username)
	if err != nil {
		return fmt.Errorf("store: update role: %w", err)
	}
	return requireAffected(res)
}

// SetBanned flips a user's banned flag.
func (s *Store) SetBanned(username string, banned bool) error {
	res, err := s.db.Exec("UPDATE users SET is_banned = ? WHERE username = ?", banned, username)
	if err != nil {
		return fmt.Errorf("store: set banned: %w", err)
	}
	return requireAffected(res)
}

// SetMuted flips a user's muted flag.
func (s *Store) SetMuted(username string, muted bool) error {
	res, err := s.db.Exec("UPDATE users SET is_muted = ? WHERE username = ?", muted, username)
	if err != nil {
		return fmt.Errorf("store: set muted: %w", err)
	}
	return requireAffected(res)
}

// SetMasterAdmin flips a user's master admin flag.
func (s *Store) SetMasterAdmin(username string, master bool) error {
	res, err := s.db.Exec("UPDATE users SET is_master_admin = ? WHERE username = ?", master, username)
	if err != nil {
		return fmt.Errorf("store: set master admin: %w", err)
	}
	return requireAffected(res)
}

// UpdatePassword replaces a user's password hash.
func (s *Store) UpdatePassword(username, passwordHash string) error {
	res, err := s.db.Exec("UPDATE users SET password_hash = ? WHERE username = ?", passwordHash, username)
	if err != nil {
		return fmt.Errorf("store: update password: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ---- Reports ----

// CreateReport stores a moderation report and fills in the assigned ID.
func (s *Store) CreateReport(report *model.Report) error {
	res, err := s.db.Exec(
		"INSERT INTO reports (reporter_id, reported_id, reason, chat_log) VALUES (?, ?, ?, ?)",
		report.ReporterID, report.ReportedID, report.Reason, report.ChatLog,
	)
	if err != nil {
		return fmt.Errorf("store: create report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: create report id: %w", err)
	}
	report.ID = id
	return nil
}

// ListReports returns all reports, newest first.
func (s *Store) ListReports() ([]model.Report, error) {
	rows, err := s.db.Query(
		"SELECT id, reporter_id, reported_id, reason, chat_log, created_at FROM reports ORDER BY id DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("store: list reports: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var reports []model.Report
	for rows.Next() {
		var r model.Report
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ReporterID, &r.ReportedID, &r.Reason, &r.ChatLog, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan report: %w", err)
		}
		r.Timestamp, _ = time.Parse(dbTimeLayout, createdAt)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
