// Package creds persists the session tokens between runs.
//
// Two opaque strings are stored under fixed keys: the short-lived
// access token (attached to every authenticated request) and the
// longer-lived refresh token (used only to mint a new access token).
// Both are created at login, the access token is replaced on refresh,
// and everything is wiped on logout or unrecoverable refresh failure.
//
// On disk the YAML document is sealed with ChaCha20-Poly1305 under a
// per-install key file, so tokens are not readable at rest.
package creds

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/yaml.v3"
)

// Fixed storage keys for the two persisted values.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

const (
	credFileName = "credentials.yaml.sealed"
	keyFileName  = "credentials.key"
)

var ErrCorruptStore = errors.New("creds: stored credentials are corrupt")

// Store holds the session token pair. Implementations must be safe for
// concurrent use: independent requests may race to refresh the access
// token, and last-writer-wins is the accepted outcome.
type Store interface {
	// AccessToken returns the stored access token, or "" if absent.
	AccessToken() string

	// RefreshToken returns the stored refresh token, or "" if absent.
	RefreshToken() string

	// SetAccessToken replaces the access token, keeping the refresh token.
	SetAccessToken(token string) error

	// SetTokens replaces both tokens (login).
	SetTokens(access, refresh string) error

	// Clear wipes both tokens (logout, unrecoverable auth failure).
	Clear() error
}

type tokenDoc struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
}

// FileStore is the default Store, sealed on disk under dir.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	aead cipher.AEAD
	doc  tokenDoc
}

// Open loads (or initialises) the credential store in dir. A missing
// credentials file is not an error; it simply means logged out.
func Open(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creds: create dir: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("creds: new cipher: %w", err)
	}

	s := &FileStore{dir: dir, aead: aead}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path) //nolint:gosec // path is under the caller's data dir
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("creds: key file %s has %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("creds: read key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("creds: generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("creds: write key: %w", err)
	}
	return key, nil
}

func (s *FileStore) credPath() string {
	return filepath.Join(s.dir, credFileName)
}

func (s *FileStore) load() error {
	sealed, err := os.ReadFile(s.credPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("creds: read store: %w", err)
	}

	if len(sealed) < s.aead.NonceSize() {
		return ErrCorruptStore
	}
	nonce, box := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, box, nil)
	if err != nil {
		return ErrCorruptStore
	}
	if err := yaml.Unmarshal(plain, &s.doc); err != nil {
		return ErrCorruptStore
	}
	return nil
}

// save writes the sealed document. Caller holds s.mu.
func (s *FileStore) save() error {
	plain, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("creds: marshal: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("creds: nonce: %w", err)
	}
	sealed := append(nonce, s.aead.Seal(nil, nonce, plain, nil)...)

	if err := os.WriteFile(s.credPath(), sealed, 0600); err != nil {
		return fmt.Errorf("creds: write store: %w", err)
	}
	return nil
}

func (s *FileStore) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.AccessToken
}

func (s *FileStore) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.RefreshToken
}

func (s *FileStore) SetAccessToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.AccessToken = token
	return s.save()
}

func (s *FileStore) SetTokens(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.AccessToken = access
	s.doc.RefreshToken = refresh
	return s.save()
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = tokenDoc{}
	if err := os.Remove(s.credPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("creds: clear: %w", err)
	}
	return nil
}

// Memory is an in-memory Store for tests.
type Memory struct {
	mu      sync.Mutex
	access  string
	refresh string
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access
}

func (m *Memory) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh
}

func (m *Memory) SetAccessToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = token
	return nil
}

func (m *Memory) SetTokens(access, refresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = access
	m.refresh = refresh
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = ""
	m.refresh = ""
	return nil
}
