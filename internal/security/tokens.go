// Package security issues and verifies scoped tokens: short-lived
// HMAC-SHA256 credentials derived from an API key that narrow it to a
// tool whitelist. A caller holding only a scoped token can never reach a
// tool outside its scope, regardless of the key's own ACL.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenPrefix marks a scoped token on the wire so the edge can tell it
// apart from a raw API key.
const TokenPrefix = "mst_"

var (
	ErrTokenFormat    = errors.New("invalid token format")
	ErrTokenSignature = errors.New("invalid token signature")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrNoTools        = errors.New("token must scope at least one tool")
)

// TokenClaims is the payload signed into a scoped token. Field names stay
// short because the token rides in a header on every call.
type TokenClaims struct {
	TokenID   string   `json:"tid"`
	KeyID     string   `json:"kid"`
	Tools     []string `json:"tls"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Issuer    string   `json:"iss"`
}

// ScopedToken is what the mint endpoint returns.
type ScopedToken struct {
	Token     string `json:"token"`
	TokenID   string `json:"token_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// BrokerConfig configures the token broker.
type BrokerConfig struct {
	Secret string
	// PreviousSecret stays valid for the grace period so rotation does not
	// cut off in-flight tokens.
	PreviousSecret string
	RotationGrace  time.Duration
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	Issuer         string
}

// TokenBroker mints and verifies scoped tokens. Revocation is in-memory:
// a restart forgets revocations, but the short TTL bounds the exposure.
type TokenBroker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	defaultTTL time.Duration
	maxTTL     time.Duration
	issuer     string
	revoked    map[string]time.Time
	now        func() time.Time
}

// NewTokenBroker creates a broker. An empty secret gets a development
// default that must not reach production.
func NewTokenBroker(cfg BrokerConfig) *TokenBroker {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "mcpgate"
	}
	if cfg.RotationGrace == 0 {
		cfg.RotationGrace = 24 * time.Hour
	}

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = []byte("mcpgate-dev-hmac-secret-change-in-production")
	}

	tb := &TokenBroker{
		secret:     secret,
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
		issuer:     cfg.Issuer,
		revoked:    make(map[string]time.Time),
		now:        time.Now,
	}
	if cfg.PreviousSecret != "" {
		tb.prevSecret = []byte(cfg.PreviousSecret)
		tb.graceUntil = tb.now().Add(cfg.RotationGrace)
	}
	return tb
}

// Mint issues a token for the key, scoped to the given tools. ttl of 0
// takes the default; anything above the max is clamped.
func (tb *TokenBroker) Mint(keyID string, tools []string, ttl time.Duration) (*ScopedToken, error) {
	if len(tools) == 0 {
		return nil, ErrNoTools
	}
	if ttl <= 0 {
		ttl = tb.defaultTTL
	}
	if ttl > tb.maxTTL {
		ttl = tb.maxTTL
	}

	now := tb.now()
	claims := &TokenClaims{
		TokenID:   "st_" + uuid.NewString(),
		KeyID:     keyID,
		Tools:     append([]string(nil), tools...),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		Issuer:    tb.issuer,
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("serialize claims: %w", err)
	}

	tb.mu.RLock()
	sig := sign(tb.secret, claimsJSON)
	tb.mu.RUnlock()

	token := TokenPrefix +
		base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig)

	return &ScopedToken{Token: token, TokenID: claims.TokenID, ExpiresAt: claims.ExpiresAt}, nil
}

// Verify checks signature, expiry and revocation, and returns the claims.
// During a rotation grace window the previous secret is also accepted.
func (tb *TokenBroker) Verify(token string) (*TokenClaims, error) {
	body, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return nil, ErrTokenFormat
	}
	dot := strings.LastIndexByte(body, '.')
	if dot < 0 {
		return nil, ErrTokenFormat
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(body[:dot])
	if err != nil {
		return nil, ErrTokenFormat
	}
	sig, err := base64.RawURLEncoding.DecodeString(body[dot+1:])
	if err != nil {
		return nil, ErrTokenFormat
	}

	tb.mu.RLock()
	valid := hmac.Equal(sig, sign(tb.secret, claimsJSON))
	if !valid && len(tb.prevSecret) > 0 && tb.now().Before(tb.graceUntil) {
		valid = hmac.Equal(sig, sign(tb.prevSecret, claimsJSON))
	}
	tb.mu.RUnlock()
	if !valid {
		return nil, ErrTokenSignature
	}

	var claims TokenClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrTokenFormat
	}
	if tb.now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	tb.mu.RLock()
	_, revoked := tb.revoked[claims.TokenID]
	tb.mu.RUnlock()
	if revoked {
		return nil, ErrTokenRevoked
	}
	return &claims, nil
}

// Revoke invalidates a token id. Idempotent.
func (tb *TokenBroker) Revoke(tokenID string) {
	tb.mu.Lock()
	tb.revoked[tokenID] = tb.now()
	tb.mu.Unlock()
}

// SweepRevoked drops revocation entries older than the max TTL; a token
// that old fails the expiry check anyway.
func (tb *TokenBroker) SweepRevoked() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	cutoff := tb.now().Add(-tb.maxTTL)
	swept := 0
	for id, at := range tb.revoked {
		if at.Before(cutoff) {
			delete(tb.revoked, id)
			swept++
		}
	}
	return swept
}

// RotateSecret swaps in a new signing secret; the old one stays valid for
// the grace period.
func (tb *TokenBroker) RotateSecret(newSecret string, grace time.Duration) {
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	tb.mu.Lock()
	tb.prevSecret = tb.secret
	tb.graceUntil = tb.now().Add(grace)
	tb.secret = []byte(newSecret)
	tb.mu.Unlock()
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}
