package model

import "github.com/golang-jwt/jwt/v5"

// Token type markers carried in the "type" claim so a refresh token can
// never be replayed as an access token.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// AccessClaims is the claim set carried by both access and refresh
// tokens. The server mints and verifies these; the client may decode
// them without verification to pre-check expiry or display the
// authenticated identity.
type AccessClaims struct {
	Username      string `json:"username"`
	Role          string `json:"role"`
	ChatID        string `json:"chat_id"`
	IsMasterAdmin bool   `json:"is_master_admin"`
	TokenType     string `json:"type"`
	jwt.RegisteredClaims
}

// User converts the claim set into the User record the /users endpoint
// reports.
func (c *AccessClaims) User() *User {
	return &User{
		Username:      c.Username,
		Role:          ParseRole(c.Role),
		ChatID:        c.ChatID,
		IsMasterAdmin: c.IsMasterAdmin,
	}
}

// PeekClaims decodes a JWT's claims without verifying its signature.
// The client uses this to read its own identity and expiry out of a
// token it already trusts; servers must use token.Verify instead.
func PeekClaims(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
