package secretbox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when a blob was encrypted under a different key or
// has been corrupted. Callers must treat it as "credential unusable" and
// surface it rather than retry.
var ErrDecrypt = errors.New("secretbox: decryption failed")

// Codec encrypts and decrypts per-game API credentials at rest.
//
// With an empty secret a random key is generated, so blobs survive only the
// process lifetime. With a configured secret the key is derived from it, so
// the same secret always decrypts previously written blobs.
type Codec struct {
	aead cipher.AEAD
}

func New(secret string) (*Codec, error) {
	var key []byte
	if secret == "" {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("secretbox: generate key: %w", err)
		}
	} else {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: init cipher: %w", err)
	}
	return &Codec{aead: aead}, nil
}

func (c *Codec) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secretbox: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (c *Codec) Decrypt(blob []byte) (string, error) {
	if len(blob) < c.aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}
