package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost balances login latency against brute-force resistance.
const bcryptCost = 12

// peppered mixes the process-wide pepper into the password before the
// adaptive KDF, so a stolen store alone is not enough to attack
// hashes offline. bcrypt truncates at 72 bytes, so the mix is an HMAC
// rather than concatenation.
func peppered(password string, pepper []byte) []byte {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

// HashPassword derives the stored hash for a password.
func HashPassword(password string, pepper []byte) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(peppered(password, pepper), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword checks a password against its stored hash.
func VerifyPassword(hash []byte, password string, pepper []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, peppered(password, pepper)) == nil
}
