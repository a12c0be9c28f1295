package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the chat core.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
	Name  string   `json:"name,omitempty"`
}

// PrimaryRole returns the first chat role found in the claims, or "".
func (c *Claims) PrimaryRole() string {
	for _, r := range c.Roles {
		if r == RolePatient || r == RoleDoctor {
			return r
		}
	}
	return ""
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// Keys overrides the key set built from JWKSURL.
	Keys *KeySet
	// SigningKey selects HS256 verification; used when no JWKS URL is configured.
	SigningKey []byte
}

// Verifier validates bearer tokens. It is shared by the HTTP middleware and the
// websocket handshake so both ingress paths authenticate identically.
type Verifier struct {
	keyFunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

func NewVerifier(cfg JWTConfig) *Verifier {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	v := &Verifier{}
	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
		v.opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	} else {
		keys := cfg.Keys
		if keys == nil {
			keys = NewKeySet(cfg.JWKSURL, nil)
		}
		v.keyFunc = keys.Keyfunc
		v.opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	}
	return v
}

// Verify parses and validates a token. The subject must be present.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	if strings.TrimSpace(tokenStr) == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, v.opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// SignHS256 issues an HS256 token. Used by the development CLI and tests.
func SignHS256(key []byte, subject string, roles []string, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
		Name:  name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
