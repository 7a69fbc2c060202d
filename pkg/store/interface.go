package store

import (
	"errors"

	"github.com/duochat/duochat/pkg/model"
)

// ErrDuplicateUsername is returned by CreateUser when the username is
// already taken.
var ErrDuplicateUsername = errors.New("store: username already exists")

// ErrUserNotFound is returned by mutations targeting a user that does
// not exist.
var ErrUserNotFound = errors.New("store: user not found")

// DataStore defines the persistence interface for all duochat server
// entities. Implementations include the default SQLite store and an
// in-memory store for testing.
type DataStore interface {
	// Close closes the underlying storage connection.
	Close() error

	// ---- Users ----

	// CreateUser creates a new user and fills in the assigned ID.
	// Returns ErrDuplicateUsername when the name is taken.
	CreateUser(user *model.User) error

	// GetUserByUsername retrieves a user by username. Returns (nil, nil) if not found.
	GetUserByUsername(username string) (*model.User, error)

	// GetUserByChatID retrieves a user by chat id. Returns (nil, nil) if not found.
	GetUserByChatID(chatID string) (*model.User, error)

	// ListUsers returns all users ordered by username.
	ListUsers() ([]model.User, error)

	// DeleteUser removes a user by username.
	DeleteUser(username string) error

	// UpdateRole changes a user's role.
	UpdateRole(username string, role model.Role) error

	// SetBanned flips a user's banned flag.
	SetBanned(username string, banned bool) error

	// SetMuted flips a user's muted flag.
	SetMuted(username string, muted bool) error

	// SetMasterAdmin flips a user's master admin flag.
	SetMasterAdmin(username string, master bool) error

	// UpdatePassword replaces a user's password hash.
	UpdatePassword(username, passwordHash string) error

	// ---- Reports ----

	// CreateReport stores a moderation report and fills in the assigned ID.
	CreateReport(report *model.Report) error

	// ListReports returns all reports, newest first.
	ListReports() ([]model.Report, error)
}

// Compile-time checks: both implementations satisfy DataStore.
var (
	_ DataStore = (*Store)(nil)
	_ DataStore = (*MemoryStore)(nil)
)
