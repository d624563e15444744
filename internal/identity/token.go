package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors returned by the identity subsystem.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
	ErrTokenExpired = errors.New("token expired")
)

const tokenHeaderJSON = `{"alg":"HS256","typ":"JWT"}`

var encodedTokenHeader = base64.RawURLEncoding.EncodeToString([]byte(tokenHeaderJSON))

// TokenManager issues and verifies HMAC-SHA256 signed bearer tokens that
// carry a caller identity. Tokens are only a transport for the Identity
// value; authorization decisions stay inside the core components.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// tokenClaims is the JSON payload embedded in issued tokens.
type tokenClaims struct {
	Subject   string `json:"sub"`
	Issuer    string `json:"iss,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// NewTokenManager constructs a manager with the given signing secret.
func NewTokenManager(secret, issuer string, ttl time.Duration) (*TokenManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret must be configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue signs a token for the given identity.
func (m *TokenManager) Issue(id Identity) (string, error) {
	if id.IsZero() {
		return "", errors.New("identity required")
	}
	now := time.Now().Unix()
	claims := tokenClaims{
		Subject:   string(id),
		Issuer:    m.issuer,
		IssuedAt:  now,
		ExpiresAt: now + int64(m.ttl.Seconds()),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	sig := m.signature(encodedTokenHeader, payload)
	return strings.Join([]string{encodedTokenHeader, payload, base64.RawURLEncoding.EncodeToString(sig)}, "."), nil
}

// Verify checks the signature and expiry and returns the embedded identity.
func (m *TokenManager) Verify(token string) (Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Zero, ErrInvalidToken
	}
	expected := m.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Zero, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return Zero, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Zero, ErrInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Zero, ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return Zero, ErrTokenExpired
	}
	if m.issuer != "" && claims.Issuer != "" && !strings.EqualFold(m.issuer, claims.Issuer) {
		return Zero, ErrInvalidToken
	}
	id := Normalize(claims.Subject)
	if id.IsZero() {
		return Zero, ErrInvalidToken
	}
	return id, nil
}

func (m *TokenManager) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
