package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const minSaltBytes = 16

// HashPassword computes hex(SHA-256(password‖salt)), the algorithm
// spec.md §4.7 pins the verification path to. crypto/sha256 and
// crypto/subtle are used directly (stdlib) rather than a KDF like bcrypt:
// the stored hash must be re-derivable from password and salt alone, per
// spec.md §3 and §8, which rules out self-salting one-way KDFs. See
// DESIGN.md for the full justification.
func HashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// NewSalt returns a fresh, hex-encoded random salt of at least
// minSaltBytes bytes, per spec.md §3's "opaque hex, 16+ bytes" invariant.
func NewSalt() (string, error) {
	buf := make([]byte, minSaltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// VerifyPassword recomputes the hash and compares it to stored in
// constant time.
func VerifyPassword(password, salt, stored string) bool {
	computed := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1
}
