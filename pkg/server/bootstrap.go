package server

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/duochat/duochat/pkg/model"
	"github.com/duochat/duochat/pkg/store"
)

// BootstrapMasterAdmin creates the master admin account, or promotes an
// existing account of that name. Role change and moderation of the
// master admin are gated on this flag, so a deployment runs this once
// before anything needs those endpoints. When the account already
// exists it becomes an unbanned, unmuted admin with the given password.
// Returns true when the account was newly created.
func BootstrapMasterAdmin(st store.DataStore, username, password string) (bool, error) {
	if err := model.ValidateUsername(username); err != nil {
		return false, err
	}
	if err := model.ValidatePassword(password); err != nil {
		return false, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("server: hash password: %w", err)
	}

	existing, err := st.GetUserByUsername(username)
	if err != nil {
		return false, fmt.Errorf("server: look up %q: %w", username, err)
	}
	if existing == nil {
		user := &model.User{
			Username:      username,
			PasswordHash:  string(hash),
			Role:          model.RoleAdmin,
			ChatID:        generateChatID(),
			IsMasterAdmin: true,
		}
		if err := st.CreateUser(user); err != nil {
			return false, fmt.Errorf("server: create master admin: %w", err)
		}
		return true, nil
	}

	if err := st.UpdateRole(username, model.RoleAdmin); err != nil {
		return false, fmt.Errorf("server: promote master admin: %w", err)
	}
	if err := st.SetMasterAdmin(username, true); err != nil {
		return false, fmt.Errorf("server: promote master admin: %w", err)
	}
	if err := st.SetBanned(username, false); err != nil {
		return false, fmt.Errorf("server: promote master admin: %w", err)
	}
	if err := st.SetMuted(username, false); err != nil {
		return false, fmt.Errorf("server: promote master admin: %w", err)
	}
	if err := st.UpdatePassword(username, string(hash)); err != nil {
		return false, fmt.Errorf("server: promote master admin: %w", err)
	}
	return false, nil
}
