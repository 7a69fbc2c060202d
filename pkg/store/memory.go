package store

import (
	"sort"
	"sync"
	"time"

	"github.com/duochat/duochat/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID   int64
	nextReportID int64

	usersByUsername map[string]*model.User
	reports         []model.Report
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextUserID:      1,
		nextReportID:    1,
		usersByUsername: make(map[string]*model.User),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser creates a new user and fills in the assigned ID.
func (s *MemoryStore) CreateUser(user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByUsername[user.Username]; ok {
		return ErrDuplicateUsername
	}
	for _, u := range s.usersByUsername {
		if u.ChatID == user.ChatID {
			return ErrDuplicateUsername
		}
	}

	user.ID = s.nextUserID
	s.nextUserID++
	user.CreatedAt = s.now()

	stored := *user
	s.usersByUsername[user.Username] = &stored
	return nil
}

// GetUserByUsername retrieves a user by username. Returns (nil, nil) if not found.
func (s *MemoryStore) GetUserByUsername(username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// GetUserByChatID retrieves a user by chat id. Returns (nil, nil) if not found.
func (s *MemoryStore) GetUserByChatID(chatID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.usersByUsername {
		if u.ChatID == chatID {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

// ListUsers returns all users ordered by username.
func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// DeleteUser removes a user by username.
func (s *MemoryStore) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByUsername[username]; !ok {
		return ErrUserNotFound
	}
	delete(s.usersByUsername, username)
	return nil
}

func (s *MemoryStore) mutate(username string, fn func(*model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByUsername[username]
	if !ok {
		return ErrUserNotFound
	}
	fn(u)
	return nil
}

// UpdateRole changes a user's role.
func (s *MemoryStore) UpdateRole(username string, role model.Role) error {
	return s.mutate(username, func(u *model.User) { u.Role = role })
}

// SetBanned flips a user's banned flag.
func (s *MemoryStore) SetBanned(username string, banned bool) error {
	return s.mutate(username, func(u *model.User) { u.IsBanned = banned })
}

// SetMuted flips a user's muted flag.
func (s *MemoryStore) SetMuted(username string, muted bool) error {
	return s.mutate(username, func(u *model.User) { u.IsMuted = muted })
}

// SetMasterAdmin flips a user's master admin flag.
func (s *MemoryStore) SetMasterAdmin(username string, master bool) error {
	return s.mutate(username, func(u *model.User) { u.IsMasterAdmin = master })
}

// UpdatePassword replaces a user's password hash.
func (s *MemoryStore) UpdatePassword(username, passwordHash string) error {
	return s.mutate(username, func(u *model.User) { u.PasswordHash = passwordHash })
}

// CreateReport stores a moderation report and fills in the assigned ID.
func (s *MemoryStore) CreateReport(report *model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report.ID = s.nextReportID
	s.nextReportID++
	report.Timestamp = s.now()
	s.reports = append(s.reports, *report)
	return nil
}

// ListReports returns all reports, newest first.
func (s *MemoryStore) ListReports() ([]model.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make([]model.Report, 0, len(s.reports))
	for i := len(s.reports) - 1; i >= 0; i-- {
		reports = append(reports, s.reports[i])
	}
	return reports, nil
}
