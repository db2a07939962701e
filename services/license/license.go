package license

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Status is the verifier's verdict for this gateway.
type Status struct {
	Valid     bool       `json:"valid"`
	Revoked   bool       `json:"revoked"`
	Trial     bool       `json:"trial"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Verifier reports the current license status.
type Verifier interface {
	Verify(ctx context.Context) (Status, error)
}

// Static always returns the same status.
type Static Status

func (s Static) Verify(context.Context) (Status, error) { return Status(s), nil }

// Claims carried by a license token.
type Claims struct {
	Node    string `json:"node,omitempty"`
	Revoked bool   `json:"revoked,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks an EdDSA-signed license token stored on disk.
// No token file means the gateway runs as an unlicensed trial, which is
// neither valid nor revoked.
type JWTVerifier struct {
	tokenPath string
	key       crypto.PublicKey
	nodeID    string
	now       func() time.Time
}

// NewJWTVerifier parses the PEM-encoded Ed25519 public key.
func NewJWTVerifier(tokenPath string, publicKeyPEM []byte, nodeID string) (*JWTVerifier, error) {
	if tokenPath == "" {
		return nil, errors.New("license: token path is required")
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("license: parse public key: %w", err)
	}
	return &JWTVerifier{tokenPath: tokenPath, key: key, nodeID: nodeID, now: time.Now}, nil
}

func (v *JWTVerifier) Verify(context.Context) (Status, error) {
	raw, err := os.ReadFile(v.tokenPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Status{Trial: true, Reason: "no license installed"}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("license: read token: %w", err)
	}

	var claims Claims
	_, err = jwt.ParseWithClaims(strings.TrimSpace(string(raw)), &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithTimeFunc(v.now))

	status := Status{}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		status.ExpiresAt = &exp
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		status.Revoked, status.Reason = true, "license expired"
	case err != nil:
		status.Revoked, status.Reason = true, "license signature invalid"
	case claims.Revoked:
		status.Revoked, status.Reason = true, "license revoked"
	case v.nodeID != "" && claims.Node != "" && claims.Node != v.nodeID:
		status.Revoked, status.Reason = true, "license issued for another node"
	default:
		status.Valid = true
	}
	return status, nil
}

// Cached memoizes another verifier for ttl. When a refresh fails the last
// good status keeps being served.
type Cached struct {
	inner Verifier
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	status  Status
	fetched time.Time
	ok      bool
}

// NewCached wraps inner.
func NewCached(inner Verifier, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{inner: inner, ttl: ttl, now: time.Now}
}

func (c *Cached) Verify(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ok && c.now().Sub(c.fetched) < c.ttl {
		return c.status, nil
	}

	status, err := c.inner.Verify(ctx)
	if err != nil {
		if c.ok {
			return c.status, nil
		}
		return Status{}, err
	}
	c.status, c.fetched, c.ok = status, c.now(), true
	return status, nil
}
