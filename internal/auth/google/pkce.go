package google

import (
	"fmt"

	"github.com/livecheck/livecheck/internal/misc"
	"golang.org/x/oauth2"
)

// PKCE holds the single-use secrets of one authorization attempt.
type PKCE struct {
	// Verifier is 32 random bytes, base64url without padding (43 chars).
	Verifier string
	// Challenge is base64url(sha256(Verifier)), sent with method S256.
	Challenge string
	// State is 16 random bytes, hex encoded, echoed back on the redirect.
	State string
}

// NewPKCE generates fresh verifier, challenge and state values.
func NewPKCE() (*PKCE, error) {
	state, err := misc.GenerateRandomState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()
	return &PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     state,
	}, nil
}
