package auth

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bedrockdb/bedrock/internal/testutil"
)

func TestLoadOrGenerateKeyPersists(t *testing.T) {
	dir := t.TempDir()

	k1, err := LoadOrGenerateKey(dir)
	testutil.NoError(t, err)
	k2, err := LoadOrGenerateKey(dir)
	testutil.NoError(t, err)
	testutil.True(t, k1.Equal(k2), "same key across restarts")

	// A second directory yields a different key.
	k3, err := LoadOrGenerateKey(t.TempDir())
	testutil.NoError(t, err)
	testutil.False(t, k1.Equal(k3), "independent installs get independent keys")
}

func TestLoadOrGenerateKeyRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	testutil.NoError(t, os.WriteFile(filepath.Join(dir, "ed25519.pem"), []byte("not pem"), 0o600))

	_, err := LoadOrGenerateKey(dir)
	testutil.ErrorContains(t, err, "invalid key file")
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "rita@example.com", "long enough 1", false, true)
	testutil.NoError(t, err)
	tok, err := s.Login(ctx, "rita@example.com", "long enough 1")
	testutil.NoError(t, err)

	other, _ := newTestService(t)
	_, err = other.ValidateToken(tok.AccessToken)
	testutil.ErrorContains(t, err, "invalid token")
}

func TestValidateTokenRejectsHMAC(t *testing.T) {
	s, _ := newTestService(t)

	// A token signed with a symmetric key must never pass, even if the
	// attacker guesses the claim shape.
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "AAAAAAAAAAAAAAAAAAAAAA",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "mallory@example.com",
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	testutil.NoError(t, err)

	_, err = s.ValidateToken(forged)
	testutil.ErrorContains(t, err, "unexpected signing method")
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "saul@example.com", "long enough 1", false, true)
	testutil.NoError(t, err)

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   base64.RawURLEncoding.EncodeToString(u.ID),
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		Email: u.Email,
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.signingKey)
	testutil.NoError(t, err)

	_, err = s.ValidateToken(expired)
	testutil.ErrorContains(t, err, "expired")
}

func TestClaimsUserIDRejectsBadSubject(t *testing.T) {
	c := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "!!!"}}
	_, err := c.UserID()
	testutil.ErrorContains(t, err, "invalid subject")

	// Right alphabet, wrong length.
	c.Subject = "AAAA"
	_, err = c.UserID()
	testutil.ErrorContains(t, err, "invalid subject")
}

func TestNewRefreshTokenHashing(t *testing.T) {
	plain, hash, err := newRefreshToken()
	testutil.NoError(t, err)
	testutil.NotEqual(t, plain, hash)
	testutil.Equal(t, hashToken(plain), hash)

	plain2, hash2, err := newRefreshToken()
	testutil.NoError(t, err)
	testutil.NotEqual(t, plain, plain2)
	testutil.NotEqual(t, hash, hash2)
}
