package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/duochat/duochat/pkg/model"
	"github.com/duochat/duochat/pkg/rbac"
	"github.com/duochat/duochat/pkg/store"
)

// handleRegister creates an account with a fresh chat id.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if err := model.ValidateUsername(req.Username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := model.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Unknown roles silently downgrade to user, like ParseRole does.
	role := model.ParseRole(strings.ToLower(strings.TrimSpace(req.Role)))

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("hash password", "err", err)
		writeError(w, http.StatusInternalServerError, "Registration failed.")
		return
	}

	user := &model.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         role,
		ChatID:       generateChatID(),
	}
	if err := s.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			writeError(w, http.StatusBadRequest, "Username already exists or chat ID conflict")
			return
		}
		slog.Error("create user", "err", err)
		writeError(w, http.StatusInternalServerError, "Registration failed.")
		return
	}

	slog.Info("user registered", "user", user.Username, "role", role.String(), "chat_id", user.ChatID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": fmt.Sprintf("Registered successfully as '%s'.", role.String()),
		"chat_id": user.ChatID,
	})
}

// handleLogin verifies credentials and returns a token pair. Banned
// accounts are refused before the password check runs.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	user, err := s.store.GetUserByUsername(req.Username)
	if err != nil {
		slog.Error("lookup user", "err", err)
		writeError(w, http.StatusInternalServerError, "Login failed.")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if user.IsBanned {
		writeError(w, http.StatusForbidden, "This account has been banned.")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	access, err := s.tokens.Mint(user, model.TokenTypeAccess)
	if err == nil {
		var refresh string
		refresh, err = s.tokens.Mint(user, model.TokenTypeRefresh)
		if err == nil {
			slog.Info("user logged in", "user", user.Username)
			writeJSON(w, http.StatusOK, map[string]string{
				"access_token":  access,
				"refresh_token": refresh,
			})
			return
		}
	}
	slog.Error("mint tokens", "err", err)
	writeError(w, http.StatusInternalServerError, "Login failed.")
}

// handleRefresh issues a fresh access token from a valid refresh token.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	// Re-read the user so role and flag changes since login take
	// effect on the next access token.
	user, err := s.store.GetUserByUsername(claims.Username)
	if err != nil {
		slog.Error("lookup user for refresh", "err", err)
		writeError(w, http.StatusInternalServerError, "Refresh failed.")
		return
	}
	if user == nil || user.IsBanned {
		writeError(w, http.StatusUnauthorized, "Token has expired or is invalid.")
		return
	}

	access, err := s.tokens.Mint(user, model.TokenTypeAccess)
	if err != nil {
		slog.Error("mint access token", "err", err)
		writeError(w, http.StatusInternalServerError, "Refresh failed.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

// handleLogout revokes the presented refresh token.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	s.tokens.Revoke(claims.ID)
	slog.Info("user logged out", "user", claims.Username)
	writeMessage(w, http.StatusOK, "Refresh token revoked. Logged out.")
}

// handleCurrentUser echoes the authenticated identity from the token
// claims, wrapped in a one-element users list.
func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	writeJSON(w, http.StatusOK, map[string][]*model.User{
		"users": {claims.User()},
	})
}

// handleUpdatePassword changes the caller's own password after
// verifying the current one.
func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := model.ValidatePassword(req.NewPassword); err != nil {
		writeError(w, http.StatusBadRequest, "Password must be at least 6 characters.")
		return
	}

	user, err := s.store.GetUserByUsername(claims.Username)
	if err != nil {
		slog.Error("lookup user", "err", err)
		writeError(w, http.StatusInternalServerError, "Password update failed.")
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)) != nil {
		writeError(w, http.StatusUnauthorized, "Current password is incorrect.")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("hash password", "err", err)
		writeError(w, http.StatusInternalServerError, "Password update failed.")
		return
	}
	if err := s.store.UpdatePassword(user.Username, string(hash)); err != nil {
		slog.Error("update password", "err", err)
		writeError(w, http.StatusInternalServerError, "Password update failed.")
		return
	}
	writeMessage(w, http.StatusOK, "Password updated successfully.")
}

// requirePermission rejects callers whose role lacks the permission.
// Returns nil when rejected.
func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, perm model.Permission) *model.AccessClaims {
	claims := claimsFrom(r)
	if !rbac.HasPermission(model.ParseRole(claims.Role), perm) {
		writeError(w, http.StatusForbidden, "Admins only.")
		return nil
	}
	return claims
}

// handleAllUsers lists every account (admin only).
func (s *Server) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	if s.requirePermission(w, r, model.PermViewUsers) == nil {
		return
	}
	users, err := s.store.ListUsers()
	if err != nil {
		slog.Error("list users", "err", err)
		writeError(w, http.StatusInternalServerError, "Could not list users.")
		return
	}
	list := make([]map[string]any, 0, len(users))
	for _, u := range users {
		list = append(list, map[string]any{
			"id":              u.ID,
			"username":        u.Username,
			"role":            u.Role.String(),
			"chat_id":         u.ChatID,
			"is_master_admin": u.IsMasterAdmin,
			"is_banned":       u.IsBanned,
			"is_muted":        u.IsMuted,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": list})
}

// handleAllReports lists moderation reports, newest first (admin only).
func (s *Server) handleAllReports(w http.ResponseWriter, r *http.Request) {
	if s.requirePermission(w, r, model.PermViewReports) == nil {
		return
	}
	reports, err := s.store.ListReports()
	if err != nil {
		slog.Error("list reports", "err", err)
		writeError(w, http.StatusInternalServerError, "Could not list reports.")
		return
	}
	list := make([]map[string]any, 0, len(reports))
	for _, rep := range reports {
		list = append(list, map[string]any{
			"id":          rep.ID,
			"reporter_id": rep.ReporterID,
			"reported_id": rep.ReportedID,
			"reason":      rep.Reason,
			"chat_log":    rep.ChatLog,
			"timestamp":   rep.Timestamp.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": list})
}

// usernameBody decodes the {"username": ...} body the admin mutation
// endpoints share. Returns "" after writing the error response.
func usernameBody(w http.ResponseWriter, r *http.Request) string {
	var req struct {
		Username string `json:"username"`
	}
	if !decodeBody(w, r, &req) {
		return ""
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "Username missing.")
		return ""
	}
	return req.Username
}

// handleDeleteUser removes an account (admin only). Admins cannot
// delete themselves, and nobody deletes the master admin.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	claims := s.requirePermission(w, r, model.PermModerateUsers)
	if claims == nil {
		return
	}
	username := usernameBody(w, r)
	if username == "" {
		return
	}
	if username == claims.Username {
		writeError(w, http.StatusBadRequest, "Admins cannot delete themselves.")
		return
	}

	user, err := s.store.GetUserByUsername(username)
	if err != nil {
		slog.Error("lookup user", "err", err)
		writeError(w, http.StatusInternalServerError, "Delete failed.")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found.")
		return
	}
	if user.IsMasterAdmin {
		writeError(w, http.StatusForbidden, "Cannot delete the master admin.")
		return
	}

	if err := s.store.DeleteUser(username); err != nil {
		slog.Error("delete user", "err", err)
		writeError(w, http.StatusInternalServerError, "Delete failed.")
		return
	}
	slog.Info("user deleted", "user", username, "by", claims.Username)
	writeMessage(w, http.StatusOK, fmt.Sprintf("User '%s' deleted.", username))
}

// handleChangeRole promotes or demotes a user (master admin only).
func (s *Server) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if !claims.IsMasterAdmin {
		writeError(w, http.StatusForbidden, "Only the master admin can change user roles.")
		return
	}

	var req struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	roleStr := strings.ToLower(strings.TrimSpace(req.Role))
	if req.Username == "" || (roleStr != "user" && roleStr != "admin") {
		writeError(w, http.StatusBadRequest, "Username and valid role ('user' or 'admin') required.")
		return
	}
	role := model.ParseRole(roleStr)
	if req.Username == claims.Username {
		writeError(w, http.StatusBadRequest, "You cannot change your own role.")
		return
	}

	user, err := s.store.GetUserByUsername(req.Username)
	if err != nil {
		slog.Error("lookup user", "err", err)
		writeError(w, http.StatusInternalServerError, "Role change failed.")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found.")
		return
	}
	if user.IsMasterAdmin {
		writeError(w, http.StatusForbidden, "Cannot change role of another master admin.")
		return
	}

	if err := s.store.UpdateRole(req.Username, role); err != nil {
		slog.Error("update role", "err", err)
		writeError(w, http.StatusInternalServerError, "Role change failed.")
		return
	}
	slog.Info("role changed", "user", req.Username, "role", role.String(), "by", claims.Username)
	writeMessage(w, http.StatusOK, fmt.Sprintf("Role for '%s' updated to '%s'.", req.Username, role.String()))
}

// flagAction implements the shared shape of the ban/mute family.
func (s *Server) flagAction(w http.ResponseWriter, r *http.Request, apply func(username string) error, verb string) {
	claims := s.requirePermission(w, r, model.PermModerateUsers)
	if claims == nil {
		return
	}
	username := usernameBody(w, r)
	if username == "" {
		return
	}
	if err := apply(username); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found.")
			return
		}
		slog.Error("apply moderation flag", "action", verb, "err", err)
		writeError(w, http.StatusInternalServerError, "Action failed.")
		return
	}
	slog.Info("moderation flag applied", "action", verb, "user", username, "by", claims.Username)
	writeMessage(w, http.StatusOK, fmt.Sprintf("User '%s' has been %s.", username, verb))
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request) {
	s.flagAction(w, r, func(u string) error { return s.store.SetBanned(u, true) }, "banned")
}

func (s *Server) handleUnbanUser(w http.ResponseWriter, r *http.Request) {
	s.flagAction(w, r, func(u string) error { return s.store.SetBanned(u, false) }, "unbanned")
}

func (s *Server) handleMuteUser(w http.ResponseWriter, r *http.Request) {
	s.flagAction(w, r, func(u string) error { return s.store.SetMuted(u, true) }, "muted")
}

func (s *Server) handleUnmuteUser(w http.ResponseWriter, r *http.Request) {
	s.flagAction(w, r, func(u string) error { return s.store.SetMuted(u, false) }, "unmuted")
}
