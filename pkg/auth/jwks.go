package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"shiftflow/pkg/clock"
)

const (
	defaultJWKSTTL = 5 * time.Minute
	// unknownKidCooldown bounds refetches triggered by tokens carrying a kid
	// the issuer has never published.
	unknownKidCooldown = 10 * time.Second
)

var errKidNotFound = errors.New("kid not found in jwks")

// transportError marks failures to reach the issuer, as opposed to a token
// the issuer rejected.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type jwksCache struct {
	url    string
	client *http.Client
	clock  clock.Clock
	group  singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	fetchedAt time.Time
}

func newJWKSCache(jwksURL string, client *http.Client, c clock.Clock) *jwksCache {
	return &jwksCache{
		url:    jwksURL,
		client: client,
		clock:  clock.OrReal(c),
		keys:   map[string]*rsa.PublicKey{},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	now := c.clock.Now()
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := now.Before(c.expiresAt)
	recent := now.Sub(c.fetchedAt) < unknownKidCooldown
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}
	if !ok && fresh && recent {
		return nil, errKidNotFound
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, errKidNotFound
	}
	return key, nil
}

// refresh fetches the key set once per burst of concurrent callers.
func (c *jwksCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("jwks", func() (any, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

func (c *jwksCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &transportError{err: fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &transportError{err: fmt.Errorf("decode jwks: %w", err)}
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return &transportError{err: errors.New("jwks has no valid rsa keys")}
	}
	now := c.clock.Now()
	c.mu.Lock()
	c.keys = next
	c.fetchedAt = now
	c.expiresAt = now.Add(maxAge(resp.Header.Get("Cache-Control"), defaultJWKSTTL))
	c.mu.Unlock()
	return nil
}

// maxAge reads the max-age directive, falling back to def when absent or
// when the response forbids caching.
func maxAge(cacheControl string, def time.Duration) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		if directive == "no-store" || directive == "no-cache" {
			return 0
		}
		name, value, ok := strings.Cut(directive, "=")
		if !ok || strings.TrimSpace(name) != "max-age" {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || secs < 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	return def
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) == 0 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
