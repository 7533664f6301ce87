// Package idgen generates collision-resistant connection identifiers
// using a Stripe-style short ID scheme (crypto/rand, base62 alphabet),
// simplified since connection IDs are opaque (minted by whichever side
// opens a negotiation) and never parsed back into a prefix/payload pair.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// randomSuffixLength is appended to a time-ordered prefix so that
	// ConnectionIDs sort roughly by creation time while staying globally
	// unique within the process.
	randomSuffixLength = 16
)

// NewConnectionID returns a fresh, globally-unique-within-process
// connection ID: a hex timestamp prefix plus a base62 random suffix.
func NewConnectionID() string {
	return fmt.Sprintf("c_%x_%s", time.Now().UnixNano(), mustRandom(randomSuffixLength))
}

func mustRandom(length int) string {
	s, err := random(length)
	if err != nil {
		// crypto/rand failure means the OS entropy source is broken; there
		// is no sane recovery for a connection ID generator.
		panic(fmt.Errorf("idgen: random: %w", err))
	}
	return s
}

func random(length int) (string, error) {
	result := make([]byte, length)
	alphabetLen := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		result[i] = alphabet[n.Int64()]
	}
	return string(result), nil
}
