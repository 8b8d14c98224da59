package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GenerateVerifier generates a PKCE code verifier according to RFC7636.
// 48 random bytes encode to 64 base64url characters, comfortably above the
// 256-bit entropy floor.
func GenerateVerifier() (string, error) {
	verifierBytes := make([]byte, 48)
	if _, err := rand.Read(verifierBytes); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(verifierBytes), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier. Pure and
// deterministic: the same verifier always yields the same challenge.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState generates a per-attempt state nonce. Beyond its CSRF role,
// a fresh state makes each authorization URL unique so the OS browser does
// not collapse repeated sign-in attempts into one existing tab.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state parameter: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}
