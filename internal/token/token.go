// Package token issues and digests the opaque bearer tokens that gate the
// founder portal. A token is minted once, at listing submission, and only its
// SHA-256 digest is stored; possession of the plaintext is the sole
// credential required.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// New returns a fresh opaque access token.
func New() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return "f1_" + hex.EncodeToString(buf)
}

// Hash returns the hex SHA-256 digest stored in place of the token.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

// Equal compares two token values in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(Hash(a)), []byte(Hash(b)))
}
