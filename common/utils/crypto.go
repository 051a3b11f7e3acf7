package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

const sealedPrefix = "sealed:v1:"

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Sealer encrypts webhook bodies at rest and on the broker. A nil *Sealer
// passes bodies through unchanged.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer returns nil for an empty key.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, nil
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil || plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.URLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Bodies stored before a key was configured are returned as is.
func (s *Sealer) Open(body string) (string, error) {
	if !IsSealed(body) {
		return body, nil
	}
	if s == nil {
		return "", errors.New("sealed body but no PAYLOAD_ENCRYPTION_KEY configured")
	}
	raw, err := base64.URLEncoding.DecodeString(RemovePrefix(body, sealedPrefix))
	if err != nil {
		return "", err
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", ErrCiphertextTooShort
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func IsSealed(body string) bool {
	return strings.HasPrefix(body, sealedPrefix)
}

func RemovePrefix(key string, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}
