package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// hashToken computes the SHA-256 hash of a plaintext agent token for
// storage/lookup. Agent tokens need a lookup-by-plaintext hash (the agent
// presents the plaintext token on every control_handshake and the catalog
// must find the matching row), so a fast, non-salted hash is used here —
// unlike the admin key in adminkey.go, which is checked rather than
// looked up and so uses bcrypt instead.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns a fresh random plaintext agent token and its hash,
// for provisioning new agents.
func GenerateToken() (plain, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	plain = "agt_" + hex.EncodeToString(buf)
	return plain, hashToken(plain), nil
}
