package pipeline

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// AuthnConfig configures the JWT authentication plugin. SigningKey selects
// HMAC validation for development; otherwise tokens validate against the
// JWKS endpoint.
type AuthnConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	SigningKey []byte
}

// Claims is the token payload the server understands.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"fhir_scopes"`
}

// JWTAuthn authenticates bearer tokens and establishes the request principal.
type JWTAuthn struct {
	cfg  AuthnConfig
	jwks *jwksCache
}

func NewJWTAuthn(cfg AuthnConfig) *JWTAuthn {
	a := &JWTAuthn{cfg: cfg}
	if len(cfg.SigningKey) == 0 && cfg.JWKSURL != "" {
		a.jwks = newJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
	}
	return a
}

func (a *JWTAuthn) Name() string { return "jwt-authn" }
func (a *JWTAuthn) Kind() Kind   { return KindAuthentication }
func (a *JWTAuthn) Order() int   { return 0 }
func (a *JWTAuthn) Mode() Mode   { return ModeSync }

func (a *JWTAuthn) Execute(_ context.Context, req *Request) (*Result, error) {
	header := req.Headers["Authorization"]
	if header == "" {
		return abortUnauthorized("missing authorization header"), nil
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return abortUnauthorized("invalid authorization format"), nil
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	var token *jwt.Token
	var err error
	if len(a.cfg.SigningKey) > 0 {
		token, err = jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			return a.cfg.SigningKey, nil
		}, opts...)
	} else if a.jwks != nil {
		token, err = jwt.ParseWithClaims(parts[1], claims, a.jwks.keyFunc(), opts...)
	} else {
		return abortUnauthorized("no token validation method configured"), nil
	}

	if err != nil || !token.Valid {
		return abortUnauthorized("invalid token"), nil
	}

	req.Principal = &Principal{Subject: claims.Subject, Scopes: claims.Scopes}
	return Continue(), nil
}

func abortUnauthorized(diagnostics string) *Result {
	return &Result{
		Abort:   true,
		Status:  http.StatusUnauthorized,
		Outcome: fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeLogin, diagnostics),
	}
}

const defaultJWKSCacheTTL = 5 * time.Minute

// jwksCache caches RSA keys fetched from a JWKS endpoint, refreshed on miss
// or TTL expiry.
type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

func newJWKSCache(jwksURL string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *jwksCache) keyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return c.key(kid)
	}
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if err := c.fetch(); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch() error {
	resp, err := c.client.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		if k.Kty != "RSA" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(new(big.Int).SetBytes(eBytes).Int64()),
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}
