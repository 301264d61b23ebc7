package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Claims are the tenant assertions carried by a session token.
type Claims struct {
	Email       string
	OrgID       string
	WorkspaceID string
}

// Manager handles session token issuance and validation. Tokens bind a user
// to one org/workspace pair; scope checks downstream compare these claims
// against the identifiers the client asserts per message.
type Manager struct {
	secret []byte
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	return &Manager{secret: []byte(secret)}
}

// IssueToken issues a signed session token for the claims.
func (m *Manager) IssueToken(claims Claims, ttl time.Duration) (string, error) {
	if claims.Email == "" || claims.OrgID == "" || claims.WorkspaceID == "" {
		return "", errors.New("claims require email, org and workspace")
	}
	if strings.ContainsAny(claims.Email, "|") || strings.ContainsAny(claims.OrgID, "|") || strings.ContainsAny(claims.WorkspaceID, "|") {
		return "", errors.New("claims must not contain '|'")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	expires := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%s|%s|%d", claims.Email, claims.OrgID, claims.WorkspaceID, expires)
	sig := m.sign([]byte(payload))
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString([]byte(payload)), base64.RawURLEncoding.EncodeToString(sig))
	return token, nil
}

// ValidateToken validates the signature and expiry and returns the claims.
func (m *Manager) ValidateToken(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, errors.New("invalid token format")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, errors.New("invalid token payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, errors.New("invalid token signature")
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return Claims{}, errors.New("signature mismatch")
	}
	fields := strings.Split(string(payloadBytes), "|")
	if len(fields) != 4 {
		return Claims{}, errors.New("invalid payload")
	}
	expiry, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Claims{}, errors.New("invalid expiry")
	}
	if time.Now().Unix() > expiry {
		return Claims{}, errors.New("token expired")
	}
	return Claims{Email: fields[0], OrgID: fields[1], WorkspaceID: fields[2]}, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
