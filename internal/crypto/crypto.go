// Package crypto provides authenticated encryption for persisted queue items.
// Uses AES-256-GCM with a key derived from the configured secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when decryption or tag verification fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key material is unusable.
	ErrInvalidKey = errors.New("invalid key")
)

const (
	// KeySize is the derived AES-256 key length.
	KeySize = 32
	// NonceSize is the GCM standard nonce length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16

	// MinSecretLength is the shortest secret accepted for key derivation.
	MinSecretLength = 16

	keyInfo = "supportsync queue item encryption v1"
)

// Sealed holds the three stored parts of an encrypted payload.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Cipher encrypts and decrypts payloads under one derived key.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// DeriveKey derives the AES key from secret with HKDF-SHA256.
// The raw secret is never used as a key.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: secret must be at least %d bytes", ErrInvalidKey, MinSecretLength)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// NewCipher derives a key from secret and prepares an AES-256-GCM AEAD.
func NewCipher(secret []byte) (*Cipher, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: gcm}, nil
}

// Seal encrypts plaintext with a fresh random nonce. The associated data is
// authenticated but not stored; the same value must be given to Open.
func (c *Cipher) Seal(plaintext, associatedData []byte) (*Sealed, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := c.aead.Seal(nil, nonce, plaintext, associatedData)
	split := len(out) - TagSize

	return &Sealed{
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		Tag:        out[split:],
	}, nil
}

// Open verifies the tag and returns the plaintext. Any mismatch in
// ciphertext, nonce, tag or associated data yields ErrInvalidCiphertext.
func (c *Cipher) Open(s *Sealed, associatedData []byte) ([]byte, error) {
	if s == nil || len(s.Nonce) != NonceSize || len(s.Tag) != TagSize {
		return nil, ErrInvalidCiphertext
	}

	data := make([]byte, 0, len(s.Ciphertext)+TagSize)
	data = append(data, s.Ciphertext...)
	data = append(data, s.Tag...)

	plaintext, err := c.aead.Open(nil, s.Nonce, data, associatedData)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}
