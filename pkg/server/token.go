package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/duochat/duochat/pkg/model"
)

// ErrTokenInvalid covers every verification failure: bad signature,
// expired, wrong token type, or revoked.
var ErrTokenInvalid = errors.New("server: invalid token")

// tokenIssuer mints and verifies the HMAC-signed access and refresh
// tokens. Revocation is an in-memory jti blacklist checked for refresh
// tokens only; access tokens are short-lived enough to expire on their
// own.
type tokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu      sync.Mutex
	revoked map[string]struct{}
}

func newTokenIssuer(cfg Config) *tokenIssuer {
	return &tokenIssuer{
		secret:     []byte(cfg.JWTSecret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		revoked:    make(map[string]struct{}),
	}
}

// Mint signs a token of the given type for user.
func (t *tokenIssuer) Mint(user *model.User, tokenType string) (string, error) {
	ttl := t.accessTTL
	if tokenType == model.TokenTypeRefresh {
		ttl = t.refreshTTL
	}
	now := time.Now()
	claims := &model.AccessClaims{
		Username:      user.Username,
		Role:          user.Role.String(),
		ChatID:        user.ChatID,
		IsMasterAdmin: user.IsMasterAdmin,
		TokenType:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("server: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, requiring the given token type.
// Revoked refresh tokens fail verification.
func (t *tokenIssuer) Verify(tokenStr, tokenType string) (*model.AccessClaims, error) {
	claims := &model.AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: wrong token type %q", ErrTokenInvalid, claims.TokenType)
	}
	if tokenType == model.TokenTypeRefresh && t.isRevoked(claims.ID) {
		return nil, fmt.Errorf("%w: token revoked", ErrTokenInvalid)
	}
	return claims, nil
}

// Revoke blacklists a refresh token's jti.
func (t *tokenIssuer) Revoke(jti string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revoked[jti] = struct{}{}
}

func (t *tokenIssuer) isRevoked(jti string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.revoked[jti]
	return ok
}
