package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknownKey means the token names a kid the identity provider does not
// publish.
var ErrUnknownKey = errors.New("unknown signing key")

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jsonWebKey) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 || len(e) > 4 {
		return nil, errors.New("malformed RSA key")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

// KeySet holds the RSA signing keys published at a JWKS URL. Keys are
// refetched after TTL, and when a token names an unknown kid, but never more
// than once per MinRefetch.
type KeySet struct {
	url    string
	client *http.Client

	TTL        time.Duration
	MinRefetch time.Duration

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewKeySet(url string, client *http.Client) *KeySet {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{
		url:        url,
		client:     client,
		TTL:        5 * time.Minute,
		MinRefetch: 30 * time.Second,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key for kid. A key already held is served even when
// a refetch fails, so a flapping provider does not lock users out.
func (ks *KeySet) Key(kid string) (*rsa.PublicKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	age := time.Since(ks.fetchedAt)
	key, ok := ks.keys[kid]
	if ok && age < ks.TTL {
		return key, nil
	}
	if ks.fetchedAt.IsZero() || age >= ks.TTL || age >= ks.MinRefetch {
		if err := ks.fetchLocked(); err != nil {
			if ok {
				return key, nil
			}
			return nil, err
		}
		key, ok = ks.keys[kid]
	}
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}
	return key, nil
}

// Keyfunc adapts the set to jwt parsing.
func (ks *KeySet) Keyfunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid", ErrUnknownKey)
	}
	return ks.Key(kid)
}

func (ks *KeySet) fetchLocked() error {
	resp, err := ks.client.Get(ks.url)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		// encryption keys and non-RSA keys never sign our tokens
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") || k.Kid == "" {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	ks.keys = keys
	ks.fetchedAt = time.Now()
	return nil
}
