// Package auth issues and verifies party tokens. A token binds a party
// ID to the role it may act under, signed with the server secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swapnest/escrowd/internal/escrow"
)

var (
	// ErrInvalidToken signals a token that failed signature or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenTTL is how long an issued party token remains valid.
const TokenTTL = 24 * time.Hour

// Manager signs and verifies party tokens.
type Manager struct {
	secret []byte
}

func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// Issue creates a signed token for the given party and role.
func (m *Manager) Issue(partyID string, role escrow.Role) (string, error) {
	if !validRole(role) {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  partyID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify validates a token and returns the actor it represents.
func (m *Manager) Verify(tokenString string) (escrow.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return escrow.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return escrow.Actor{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return escrow.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return escrow.Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := escrow.Role(roleStr)
	if !validRole(role) {
		return escrow.Actor{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}

	return escrow.Actor{ID: sub, Role: role}, nil
}

// validRole accepts only roles a caller may present. The system role is
// reserved for the scheduler and never appears in a token.
func validRole(role escrow.Role) bool {
	switch role {
	case escrow.RoleBuyer, escrow.RoleSeller, escrow.RoleArbiter:
		return true
	default:
		return false
	}
}
