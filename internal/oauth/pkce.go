// Package oauth implements the Google authorization-code flow with PKCE
// used by the family-calendar backend.
package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// StateLength is the length of the CSRF state nonce.
	StateLength = 32
	// VerifierLength is the length of the PKCE code verifier (RFC 7636 maximum).
	VerifierLength = 128
)

// RandomString returns n characters of URL-safe base64 drawn from n random bytes.
func RandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b)[:n], nil
}

// GenerateState creates the per-login CSRF nonce.
func GenerateState() (string, error) {
	return RandomString(StateLength)
}

// GenerateCodeVerifier creates a PKCE code verifier.
func GenerateCodeVerifier() (string, error) {
	return RandomString(VerifierLength)
}

// CodeChallenge derives the S256 challenge: base64url(SHA256(verifier)) without padding.
func CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
