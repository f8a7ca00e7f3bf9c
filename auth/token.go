package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	hkdfSalt       = "chatsync-token-v1"
	hkdfInfo       = "ed25519 signing key"
	signingContext = "chatsync-token:"
)

var (
	// ErrInvalidToken is returned when a token is malformed or its signature fails.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmptySecret is returned when no signing secret is configured.
	ErrEmptySecret = errors.New("auth: secret is required")
)

var tokenEncoding = base64.RawURLEncoding

// Signer issues and verifies bearer tokens of the form
// base64url(userID) "." base64url(signature).
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner derives the Ed25519 signing key from secret with HKDF-SHA256.
func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}

	seed := make([]byte, ed25519.SeedSize)
	reader := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// Issue returns a token for userID.
func (s *Signer) Issue(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}

	signature := ed25519.Sign(s.privateKey, signedBytes(userID))
	return tokenEncoding.EncodeToString([]byte(userID)) + "." + tokenEncoding.EncodeToString(signature), nil
}

// Verify checks token and returns the user id it was issued for.
func (s *Signer) Verify(token string) (string, error) {
	encodedUser, encodedSig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encodedUser == "" || encodedSig == "" {
		return "", ErrInvalidToken
	}

	rawUser, err := tokenEncoding.DecodeString(encodedUser)
	if err != nil || len(rawUser) == 0 {
		return "", ErrInvalidToken
	}
	signature, err := tokenEncoding.DecodeString(encodedSig)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return "", ErrInvalidToken
	}

	userID := string(rawUser)
	if !ed25519.Verify(s.publicKey, signedBytes(userID), signature) {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// Fingerprint returns the grouped truncated SHA-256 fingerprint of the verification key.
func (s *Signer) Fingerprint() string {
	sum := sha256.Sum256(s.publicKey)
	return formatFingerprint(hex.EncodeToString(sum[:16]))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func signedBytes(userID string) []byte {
	return []byte(signingContext + userID)
}

// formatFingerprint groups fingerprint text in chunks of 4 uppercase chars.
func formatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(fingerprint)

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
