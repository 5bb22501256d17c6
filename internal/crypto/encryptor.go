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
	// ErrInvalidIV indicates the stored IV does not match the cipher's nonce size
	ErrInvalidIV = errors.New("invalid initialization vector length")

	// ErrEmptyPassphrase indicates an empty passphrase was provided for key derivation
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")
)

// hkdf context string, fixed so existing databases stay readable
const keyInfo = "jwks-srv private key encryption v1"

// Encryptor provides AES-256-GCM encryption of private keys at rest. Every
// call to Seal draws a fresh random IV which is stored next to the ciphertext.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a 32-byte AES key from the passphrase using HKDF-SHA256.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// IVSize is the length of the IV returned by Seal.
func (e *Encryptor) IVSize() int {
	return e.aead.NonceSize()
}

// Seal encrypts and authenticates plaintext under a random IV.
func (e *Encryptor) Seal(plaintext []byte) (ciphertext, iv []byte, err error) {
	iv = make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	return e.aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Open decrypts data produced by Seal. Tampered input fails authentication.
func (e *Encryptor) Open(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != e.aead.NonceSize() {
		return nil, ErrInvalidIV
	}

	plaintext, err := e.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
