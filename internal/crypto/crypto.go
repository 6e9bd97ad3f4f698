// Package crypto seals short strings with AES-GCM for storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// prefix marks sealed values so rows written before a key was configured
// still read back.
const prefix = "gcm:"

var ErrShortCiphertext = errors.New("crypto: ciphertext too short")

type AEAD struct{ aead cipher.AEAD }

// New accepts a 16, 24 or 32 byte key.
func New(key []byte) (*AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &AEAD{aead: a}, nil
}

// Seal encrypts plaintext. The empty string stays empty.
func (a *AEAD) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	buf := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawStdEncoding.EncodeToString(buf), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as is.
func (a *AEAD) Open(value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	buf, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return "", ErrShortCiphertext
	}
	pt, err := a.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	return string(pt), nil
}
