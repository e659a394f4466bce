package jwt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

const defaultSecret = "mx-social-secret-change-me"

var (
	mu      sync.RWMutex
	secret  = []byte(defaultSecret)
	keySet  *keyfunc.JWKS
	ErrAuth = errors.New("invalid token")
)

// SetSecret configures the HMAC signing secret (call on startup).
func SetSecret(s string) {
	if s == "" {
		return
	}
	mu.Lock()
	secret = []byte(s)
	mu.Unlock()
}

// SetKeySet enables verification of asymmetric tokens issued by an external
// identity provider. A nil set disables it.
func SetKeySet(jwks *keyfunc.JWKS) {
	mu.Lock()
	keySet = jwks
	mu.Unlock()
}

// NewJWKS fetches a remote key set and keeps it refreshed in the background.
func NewJWKS(url string) (*keyfunc.JWKS, error) {
	return keyfunc.Get(url, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
}

// Claims is the JWT payload. Tokens from external providers usually only carry
// sub, so UserID falls back to Subject after parsing.
type Claims struct {
	UserID    string `json:"uid,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwtlib.RegisteredClaims
}

type SignOptions struct {
	SessionID string
}

// Sign creates a signed JWT token for the given user ID.
func Sign(userID string, ttl time.Duration) (string, error) {
	return SignWithOptions(userID, ttl, SignOptions{})
}

func SignWithOptions(userID string, ttl time.Duration, opts SignOptions) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		SessionID: opts.SessionID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
	mu.RLock()
	key := secret
	mu.RUnlock()
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(key)
}

// Parse validates a token string and returns the claims.
func Parse(tokenStr string) (*Claims, error) {
	token, err := jwtlib.ParseWithClaims(tokenStr, &Claims{}, keyFor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrAuth
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrAuth)
	}
	return claims, nil
}

func keyFor(t *jwtlib.Token) (interface{}, error) {
	mu.RLock()
	defer mu.RUnlock()
	if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); ok {
		return secret, nil
	}
	if keySet == nil {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return keySet.Keyfunc(t)
}
