// Package server implements the duochat server: a JSON REST API for
// accounts and moderation plus a websocket hub relaying chat traffic
// between paired users.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/duochat/duochat/pkg/model"
	"github.com/duochat/duochat/pkg/store"
)

// Server owns the REST handlers and the realtime hub.
type Server struct {
	cfg    Config
	store  store.DataStore
	tokens *tokenIssuer
	hub    *Hub
}

// New creates a server over the given store. The server does not own
// the store; the caller closes it after shutdown.
func New(cfg Config, st store.DataStore) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		store:  st,
		tokens: newTokenIssuer(cfg),
	}
	s.hub = NewHub(st)
	return s, nil
}

// Hub exposes the realtime hub, mainly so callers can check presence.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)

	// Refresh-token routes.
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken(model.TokenTypeRefresh))
		r.Post("/token/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})

	// Access-token routes.
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken(model.TokenTypeAccess))
		r.Get("/users", s.handleCurrentUser)
		r.Post("/update_password", s.handleUpdatePassword)
		r.Get("/all_users", s.handleAllUsers)
		r.Get("/all_reports", s.handleAllReports)
		r.Post("/delete_user", s.handleDeleteUser)
		r.Post("/change_role", s.handleChangeRole)
		r.Post("/ban_user", s.handleBanUser)
		r.Post("/unban_user", s.handleUnbanUser)
		r.Post("/mute_user", s.handleMuteUser)
		r.Post("/unmute_user", s.handleUnmuteUser)
	})

	r.Get("/ws", s.hub.ServeWS)
	return r
}

type ctxKey int

const claimsKey ctxKey = 0

// requireToken verifies the bearer token of the given type and stores
// its claims in the request context.
func (s *Server) requireToken(tokenType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "Missing Authorization header.")
				return
			}
			claims, err := s.tokens.Verify(raw, tokenType)
			if err != nil {
				slog.Debug("token rejected", "err", err)
				writeError(w, http.StatusUnauthorized, "Token has expired or is invalid.")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// claimsFrom returns the verified claims requireToken stored.
func claimsFrom(r *http.Request) *model.AccessClaims {
	claims, _ := r.Context().Value(claimsKey).(*model.AccessClaims)
	return claims
}

// generateChatID returns a fresh 8-hex-char chat id.
func generateChatID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return false
	}
	return true
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeMessage(w, http.StatusOK, "Welcome!")
}
