package authority

import (
	"fmt"
	"os"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// connectAudience is the fixed audience the Connect API expects.
const connectAudience = "appstoreconnect-v1"

// TokenSource mints short-lived ES256 bearer tokens for the Connect API and
// caches them until shortly before expiry.
type TokenSource struct {
	keyID    string
	issuerID string
	keyPath  string
	ttl      time.Duration

	mu      sync.Mutex
	current string
	expires time.Time
}

// NewTokenSource returns a token source for the given API key.
func NewTokenSource(keyID, issuerID, keyPath string, ttl time.Duration) *TokenSource {
	if ttl <= 0 || ttl > 20*time.Minute {
		// The platform rejects tokens valid for more than 20 minutes.
		ttl = 15 * time.Minute
	}
	return &TokenSource{keyID: keyID, issuerID: issuerID, keyPath: keyPath, ttl: ttl}
}

// Token returns a valid signed token, reusing the cached one when possible.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" && time.Now().Before(s.expires.Add(-time.Minute)) {
		return s.current, nil
	}

	pemBytes, err := os.ReadFile(s.keyPath)
	if err != nil {
		return "", fmt.Errorf("read connect api key: %w", err)
	}
	key, err := jwtlib.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return "", fmt.Errorf("parse connect api key: %w", err)
	}

	now := time.Now()
	claims := jwtlib.RegisteredClaims{
		Issuer:    s.issuerID,
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(s.ttl)),
		Audience:  jwtlib.ClaimStrings{connectAudience},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodES256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign connect token: %w", err)
	}
	s.current = signed
	s.expires = claims.ExpiresAt.Time
	return signed, nil
}
