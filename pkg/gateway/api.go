package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/duochat/duochat/pkg/model"
)

// TokenPair is the credential pair returned by POST /login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type messageBody struct {
	Message string `json:"message"`
}

// Login exchanges credentials for a token pair and persists it. The
// request runs unauthenticated; any stale stored tokens are irrelevant
// to it.
func (g *Gateway) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	raw, err := g.Plain(ctx, http.MethodPost, "/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	var pair TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("gateway: decode login response: %w", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, errors.New("gateway: login response missing tokens")
	}
	if err := g.creds.SetTokens(pair.AccessToken, pair.RefreshToken); err != nil {
		return nil, err
	}
	return &pair, nil
}

// Register creates an account and returns the assigned chat id.
func (g *Gateway) Register(ctx context.Context, username, password string) (chatID string, err error) {
	raw, err := g.Plain(ctx, http.MethodPost, "/register", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	var body struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("gateway: decode register response: %w", err)
	}
	return body.ChatID, nil
}

// Logout revokes the stored refresh token server-side. It does not
// touch local state; callers wipe credentials and session regardless of
// whether this call succeeds.
func (g *Gateway) Logout(ctx context.Context) error {
	refreshToken := g.creds.RefreshToken()
	if refreshToken == "" {
		return ErrMissingCredential
	}
	status, raw, err := g.roundTrip(ctx, http.MethodPost, "/logout", nil, refreshToken)
	if err != nil {
		return err
	}
	_, err = finish(status, raw)
	return err
}

// CurrentUser fetches the authenticated user's own record.
func (g *Gateway) CurrentUser(ctx context.Context) (*model.User, error) {
	raw, err := g.Do(ctx, http.MethodGet, "/users", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Users []model.User `json:"users"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("gateway: decode users response: %w", err)
	}
	if len(body.Users) == 0 {
		return nil, errors.New("gateway: user information missing")
	}
	return &body.Users[0], nil
}

// AllUsers lists every account (admin only).
func (g *Gateway) AllUsers(ctx context.Context) ([]model.User, error) {
	raw, err := g.Do(ctx, http.MethodGet, "/all_users", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Users []model.User `json:"users"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("gateway: decode all_users response: %w", err)
	}
	return body.Users, nil
}

// AllReports lists moderation reports, newest first (admin only).
func (g *Gateway) AllReports(ctx context.Context) ([]model.Report, error) {
	raw, err := g.Do(ctx, http.MethodGet, "/all_reports", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Reports []model.Report `json:"reports"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("gateway: decode all_reports response: %w", err)
	}
	return body.Reports, nil
}

// UpdatePassword changes the caller's own password.
func (g *Gateway) UpdatePassword(ctx context.Context, current, next string) error {
	_, err := g.Do(ctx, http.MethodPost, "/update_password", map[string]string{
		"current_password": current,
		"new_password":     next,
	})
	return err
}

// usernameAction covers the admin mutations that take just a username.
func (g *Gateway) usernameAction(ctx context.Context, path, username string) (string, error) {
	raw, err := g.Do(ctx, http.MethodPost, path, map[string]string{"username": username})
	if err != nil {
		return "", err
	}
	var body messageBody
	_ = json.Unmarshal(raw, &body)
	return body.Message, nil
}

// DeleteUser removes an account (admin only; master admin protected).
func (g *Gateway) DeleteUser(ctx context.Context, username string) (string, error) {
	return g.usernameAction(ctx, "/delete_user", username)
}

// BanUser bans an account (admin only).
func (g *Gateway) BanUser(ctx context.Context, username string) (string, error) {
	return g.usernameAction(ctx, "/ban_user", username)
}

// UnbanUser lifts a ban (admin only).
func (g *Gateway) UnbanUser(ctx context.Context, username string) (string, error) {
	return g.usernameAction(ctx, "/unban_user", username)
}

// MuteUser mutes an account (admin only).
func (g *Gateway) MuteUser(ctx context.Context, username string) (string, error) {
	return g.usernameAction(ctx, "/mute_user", username)
}

// UnmuteUser lifts a mute (admin only).
func (g *Gateway) UnmuteUser(ctx context.Context, username string) (string, error) {
	return g.usernameAction(ctx, "/unmute_user", username)
}

// ChangeRole promotes or demotes an account (master admin only).
func (g *Gateway) ChangeRole(ctx context.Context, username string, role model.Role) (string, error) {
	raw, err := g.Do(ctx, http.MethodPost, "/change_role", map[string]string{
		"username": username,
		"role":     role.String(),
	})
	if err != nil {
		return "", err
	}
	var body messageBody
	_ = json.Unmarshal(raw, &body)
	return body.Message, nil
}
