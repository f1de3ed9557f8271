// Package token generates and verifies the opaque capability tokens that
// confer write authority on a submission.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// tokenBytes is 32 bytes of CSPRNG output (256 bits, well above the 128-bit
// floor the protocol requires).
const tokenBytes = 32

// New returns a fresh opaque resume token.
func New() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token generation failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Equal compares a presented token against the current one in constant time.
// Timing must not reveal how much of a guessed token matched.
func Equal(presented, current string) bool {
	if len(presented) != len(current) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(current)) == 1
}
