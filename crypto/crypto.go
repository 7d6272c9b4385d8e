// Package crypto seals OAuth tokens at rest with AES-256-GCM. Both token stores
// (file and Postgres) use it when ENCRYPTION_KEY is configured.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Version tags stored next to sealed values so readers know whether to open them.
const (
	VersionPlaintext = 0
	VersionAESGCM    = 1
)

var ErrOpen = errors.New("decryption failed: authentication or integrity check failed")

// Encryptor is an AEAD over raw bytes.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor with AES-256-GCM. Output layout is nonce || ciphertext || tag.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor accepts a 32-byte key encoded as base64 (openssl rand -base64 32)
// or as 64 hex characters (openssl rand -hex 32).
func NewAESEncryptor(encodedKey string) (*AESEncryptor, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

func decodeKey(s string) ([]byte, error) {
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	return key, nil
}

func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// EncryptString seals s and returns base64 text. Empty input stays empty so optional
// fields such as a missing refresh token round-trip unchanged.
func EncryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString reverses EncryptString.
func DecryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// SealPair encrypts an access/refresh token pair when enc is non-nil and reports the
// version to persist alongside them.
func SealPair(enc Encryptor, access, refresh string) (string, string, int, error) {
	if enc == nil {
		return access, refresh, VersionPlaintext, nil
	}
	a, err := EncryptString(enc, access)
	if err != nil {
		return "", "", 0, fmt.Errorf("encrypt access token: %w", err)
	}
	r, err := EncryptString(enc, refresh)
	if err != nil {
		return "", "", 0, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return a, r, VersionAESGCM, nil
}

// OpenPair is the inverse of SealPair.
func OpenPair(enc Encryptor, version int, access, refresh string) (string, string, error) {
	switch version {
	case VersionPlaintext:
		return access, refresh, nil
	case VersionAESGCM:
		if enc == nil {
			return "", "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		a, err := DecryptString(enc, access)
		if err != nil {
			return "", "", fmt.Errorf("decrypt access token: %w", err)
		}
		r, err := DecryptString(enc, refresh)
		if err != nil {
			return "", "", fmt.Errorf("decrypt refresh token: %w", err)
		}
		return a, r, nil
	default:
		return "", "", fmt.Errorf("unknown encryption version %d", version)
	}
}
