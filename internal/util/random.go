// Package util provides common utilities used throughout the application.
package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// RandomStateID returns a 32-character lowercase hex string (128 bits of
// entropy) used to identify a pending device authorization flow.
func RandomStateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TokenID derives the stable handle for a credential: the first 8
// characters of its refresh token. Collisions are a known limitation of
// the scheme and are not defended against.
func TokenID(refreshToken string) string {
	if len(refreshToken) < 8 {
		return refreshToken
	}
	return refreshToken[:8]
}
