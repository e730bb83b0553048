// Package auth issues and validates the JWTs that authenticate API callers,
// and hashes the API keys they exchange for tokens.
//
// Tokens are HMAC-signed (HS256) with a shared secret. An empty secret
// generates an ephemeral one, which is fine for development and useless for
// anything else.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/model"
)

const issuer = "shareloop"

// Claims extends jwt.RegisteredClaims with the caller's identity.
type Claims struct {
	jwt.RegisteredClaims
	Email string       `json:"email,omitempty"`
	Roles []model.Role `json:"roles"`
}

// Actor converts validated claims into the request actor.
func (c *Claims) Actor() (model.Actor, error) {
	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return model.Actor{}, fmt.Errorf("auth: invalid subject: %w", err)
	}
	return model.Actor{UserID: userID, Email: c.Email, Roles: c.Roles}, nil
}

// Manager signs and validates tokens.
type Manager struct {
	secret     []byte
	expiration time.Duration
}

// NewManager creates a token manager. An empty secret generates an ephemeral
// one and logs a warning.
func NewManager(secret string, expiration time.Duration) (*Manager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		slog.Warn("auth: no JWT secret configured, generating an ephemeral one (not for production)")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("auth: generate ephemeral secret: %w", err)
		}
	}
	return &Manager{secret: key, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given profile.
func (m *Manager) IssueToken(profile *model.UserProfile) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   profile.ID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Email: profile.Email,
		Roles: profile.Roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *Manager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected UUID): %w", err)
	}
	return claims, nil
}

// NewAPIKey generates a random API key for a new profile. The caller stores
// only the hash.
func NewAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return "slk_" + base64.RawURLEncoding.EncodeToString(raw), nil
}
