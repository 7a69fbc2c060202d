// Package session holds the process-wide state of the logged-in user:
// who they are, who they are chatting with, and the live realtime
// channel handle. Components receive a *State explicitly instead of
// reaching for globals, and read it fresh at each step because tokens,
// partner, and channel may all change while a network call is in
// flight.
package session

import (
	"sync"

	"github.com/duochat/duochat/pkg/model"
)

// Channel is the live realtime connection as the session tracks it.
// Only closing is needed here; everything else stays behind the
// realtime package's own API.
type Channel interface {
	Close() error
}

// State is the session holder. The zero value is a logged-out session.
type State struct {
	mu      sync.RWMutex
	user    *model.User
	partner string
	channel Channel
}

func New() *State { return &State{} }

// SetUser records the authenticated identity. Called once per login.
func (s *State) SetUser(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// User returns the authenticated identity, or nil when logged out.
func (s *State) User() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetPartner records the chat id of the other side of the active chat.
// Set when a request is accepted by either side; cleared ("" ) when the
// chat ends locally, remotely, or on disconnect.
func (s *State) SetPartner(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partner = chatID
}

// Partner returns the active chat partner's chat id, or "".
func (s *State) Partner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partner
}

// SetChannel swaps in the live channel handle and returns the previous
// one (which the caller must close). At most one channel is live at a
// time.
func (s *State) SetChannel(ch Channel) Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.channel
	s.channel = ch
	return prev
}

// Channel returns the live channel handle, or nil.
func (s *State) Channel() Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

// Clear resets everything to the logged-out state and returns the
// channel that was live, if any, so the caller can close it.
func (s *State) Clear() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.channel
	s.user = nil
	s.partner = ""
	s.channel = nil
	return prev
}
