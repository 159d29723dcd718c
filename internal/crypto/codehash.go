// Package crypto implements hashing of the shared pairing code.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	SaltLen = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewNumericCode returns a random decimal code of n digits.
func NewNumericCode(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = '0' + byte(d.Int64())
	}
	return string(digits), nil
}

// DeriveKey returns the Argon2id key of secret under salt.
func DeriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// PairingCode keeps only the salted hash of the configured pairing code, so the
// plain code never has to stay in memory after startup.
type PairingCode struct {
	salt []byte
	hash []byte
}

// NewPairingCode hashes code under a fresh random salt.
func NewPairingCode(code string) (*PairingCode, error) {
	salt, err := RandBytes(SaltLen)
	if err != nil {
		return nil, err
	}
	return &PairingCode{salt: salt, hash: DeriveKey([]byte(code), salt)}, nil
}

// Verify reports whether candidate matches the configured code in constant time.
func (p *PairingCode) Verify(candidate string) bool {
	if p == nil || len(p.hash) == 0 {
		return false
	}
	got := DeriveKey([]byte(candidate), p.salt)
	return subtle.ConstantTimeCompare(got, p.hash) == 1
}
