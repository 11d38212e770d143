package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by Bedrock access tokens. Subject is the
// URL-safe base64 of the user's 16-byte uuid.
type Claims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	Verified  bool   `json:"verified"`
	CSRFToken string `json:"csrf_token"`
}

// UserID decodes the subject back into the 16-byte uuid.
func (c *Claims) UserID() ([]byte, error) {
	id, err := base64.RawURLEncoding.DecodeString(c.Subject)
	if err != nil || len(id) != 16 {
		return nil, errors.New("invalid subject")
	}
	return id, nil
}

const (
	refreshTokenBytes = 32
	csrfTokenBytes    = 16

	privateKeyFile = "ed25519.pem"
)

// LoadOrGenerateKey returns the Ed25519 signing key from keyDir, generating
// and persisting a fresh one on first start.
func LoadOrGenerateKey(keyDir string) (ed25519.PrivateKey, error) {
	path := filepath.Join(keyDir, privateKeyFile)

	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("invalid key file %s", path)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		key, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s is not an ed25519 key", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding key: %w", err)
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key dir: %w", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return key, nil
}

// mintAccessToken signs a fresh access token for the user. Each token gets
// its own csrf_token; cookie-auth mutations must echo it in the CSRF-Token
// header.
func (s *Service) mintAccessToken(u *User) (token, csrf string, err error) {
	raw := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating csrf token: %w", err)
	}
	csrf = base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   base64.RawURLEncoding.EncodeToString(u.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL())),
		},
		Email:     u.Email,
		Verified:  u.Verified,
		CSRFToken: csrf,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.signingKey)
	if err != nil {
		return "", "", fmt.Errorf("signing token: %w", err)
	}
	return tok, csrf, nil
}

// ValidateToken parses and verifies an access token.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey.Public(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// newRefreshToken returns a fresh opaque refresh token and its storage hash.
func newRefreshToken() (plaintext, hash string, err error) {
	raw := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating refresh token: %w", err)
	}
	plaintext = base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, hashToken(plaintext), nil
}

// s256 is the PKCE S256 transform: SHA-256 over the ASCII verifier.
func s256(verifier string) []byte {
	h := sha256.Sum256([]byte(verifier))
	return h[:]
}

// hashToken hashes an opaque token with SHA-256 for storage.
func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// randomCode returns a URL-safe random code of n bytes entropy, used for
// email verification, password reset, OTP, and authorization codes.
func randomCode(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
