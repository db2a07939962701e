package license

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func keyPair(t *testing.T) (ed25519.PrivateKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return priv, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func writeToken(t *testing.T, dir string, priv ed25519.PrivateKey, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	path := filepath.Join(dir, "license.jwt")
	if err := os.WriteFile(path, []byte(signed+"\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	return path
}

func TestJWTVerifier(t *testing.T) {
	priv, pubPEM := keyPair(t)
	otherPriv, _ := keyPair(t)
	future := jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name        string
		signer      ed25519.PrivateKey
		claims      Claims
		wantValid   bool
		wantRevoked bool
	}{
		{name: "valid", signer: priv, claims: Claims{Node: "node-1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}, wantValid: true},
		{name: "expired", signer: priv, claims: Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: past}}, wantRevoked: true},
		{name: "revoked flag", signer: priv, claims: Claims{Revoked: true}, wantRevoked: true},
		{name: "wrong node", signer: priv, claims: Claims{Node: "node-2"}, wantRevoked: true},
		{name: "wrong signer", signer: otherPriv, claims: Claims{Node: "node-1"}, wantRevoked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeToken(t, t.TempDir(), tt.signer, tt.claims)
			v, err := NewJWTVerifier(path, pubPEM, "node-1")
			if err != nil {
				t.Fatalf("NewJWTVerifier: %v", err)
			}
			status, err := v.Verify(context.Background())
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if status.Valid != tt.wantValid || status.Revoked != tt.wantRevoked {
				t.Fatalf("status = %+v, want valid=%v revoked=%v", status, tt.wantValid, tt.wantRevoked)
			}
		})
	}
}

func TestMissingTokenIsTrial(t *testing.T) {
	_, pubPEM := keyPair(t)
	v, err := NewJWTVerifier(filepath.Join(t.TempDir(), "absent.jwt"), pubPEM, "")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	status, err := v.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if status.Valid || status.Revoked || !status.Trial {
		t.Fatalf("unexpected trial status %+v", status)
	}
}

type countingVerifier struct {
	calls  int
	status Status
	err    error
}

func (c *countingVerifier) Verify(context.Context) (Status, error) {
	c.calls++
	return c.status, c.err
}

func TestCached(t *testing.T) {
	inner := &countingVerifier{status: Status{Valid: true}}
	cached := NewCached(inner, time.Minute)
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := cached.Verify(context.Background()); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner called %d times within ttl", inner.calls)
	}

	now = now.Add(2 * time.Minute)
	inner.err = errors.New("disk gone")
	status, err := cached.Verify(context.Background())
	if err != nil || !status.Valid {
		t.Fatalf("expected last good status on refresh failure, got %+v %v", status, err)
	}

	empty := NewCached(&countingVerifier{err: errors.New("boom")}, time.Minute)
	if _, err := empty.Verify(context.Background()); err == nil {
		t.Fatalf("expected error with no cached status")
	}
}
