// Package vault seals work item payloads at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var ErrSealed = errors.New("sealed payload too short")

// Vault seals with AES-256-GCM under a passphrase-derived key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key with Argon2id. The salt is the SHA-256 of the
// passphrase, so the same passphrase opens payloads across restarts.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("vault passphrase is empty")
	}
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

// Seal encrypts plaintext bound to id. The nonce is prepended to the
// ciphertext.
func (v *Vault) Seal(id string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, []byte(id)), nil
}

// Open reverses Seal. It fails if the blob was sealed for another id.
func (v *Vault) Open(id string, sealed []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(sealed) < n+v.aead.Overhead() {
		return nil, ErrSealed
	}
	plaintext, err := v.aead.Open(nil, sealed[:n], sealed[n:], []byte(id))
	if err != nil {
		return nil, fmt.Errorf("open payload %s: %w", id, err)
	}
	return plaintext, nil
}
