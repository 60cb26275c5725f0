// Package pkce implements Proof Key for Code Exchange (RFC 7636) with the S256 method.
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// MethodS256 is the only challenge method issued.
const MethodS256 = "S256"

// randomBytes is the entropy behind verifiers, states and nonces.
const randomBytes = 32

// Challenge is created once per authorization attempt. The verifier stays with the
// initiating party; the challenge is sent to the provider.
type Challenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// Generate creates a verifier of 32 random bytes (43 base64url characters, no padding)
// and its S256 challenge.
func Generate() Challenge {
	verifier := oauth2.GenerateVerifier()
	return Challenge{
		Verifier:  verifier,
		Challenge: ChallengeFor(verifier),
		Method:    MethodS256,
	}
}

// ChallengeFor returns base64url(SHA-256(verifier)).
func ChallengeFor(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify recomputes the challenge for verifier and compares it with challenge.
// Empty input never verifies.
func Verify(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	expected := ChallengeFor(verifier)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

// GenerateState returns an unpredictable CSRF state value.
func GenerateState() (string, error) {
	return randomString()
}

// GenerateNonce returns an unpredictable OIDC nonce.
func GenerateNonce() (string, error) {
	return randomString()
}

func randomString() (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pkce: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
