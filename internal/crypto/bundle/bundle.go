// Package bundle seals and opens passphrase-protected export bundles.
//
// Layout: magic "PSB1" | salt(16) | nonce(24) | XChaCha20-Poly1305 ciphertext.
// The key is Argon2id(passphrase, salt); the magic is authenticated as AAD.
package bundle

import (
	"bytes"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/and161185/peersync/internal/crypto"
)

// Magic prefixes every sealed bundle.
var Magic = []byte("PSB1")

const headerLen = 4 + crypto.SaltLen + chacha20poly1305.NonceSizeX

var (
	ErrNotSealed      = errors.New("bundle: not a sealed bundle")
	ErrBadPassphrase  = errors.New("bundle: wrong passphrase or corrupted bundle")
	ErrEmptyPassphrase = errors.New("bundle: empty passphrase")
)

// IsSealed reports whether b starts with the sealed bundle magic.
func IsSealed(b []byte) bool { return bytes.HasPrefix(b, Magic) }

// Seal encrypts plaintext under passphrase.
func Seal(passphrase, plaintext []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	salt, err := crypto.RandBytes(crypto.SaltLen)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(crypto.DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, headerLen+len(plaintext)+aead.Overhead())
	out = append(out, Magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, Magic), nil
}

// Open decrypts a sealed bundle.
func Open(passphrase, sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) || len(sealed) < headerLen {
		return nil, ErrNotSealed
	}
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	salt := sealed[len(Magic) : len(Magic)+crypto.SaltLen]
	nonce := sealed[len(Magic)+crypto.SaltLen : headerLen]

	aead, err := chacha20poly1305.NewX(crypto.DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, sealed[headerLen:], Magic)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return pt, nil
}
