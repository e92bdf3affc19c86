// Package fieldcrypt encrypts individual text fields with AES-GCM.
// Tokens are "enc:v1:" followed by base64(nonce || ciphertext).
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const prefix = "enc:v1:"

var ErrKey = errors.New("fieldcrypt: key must be 16, 24 or 32 bytes")

// AESGCM implements the Encrypt/Decrypt/IsEncrypted collaborator.
type AESGCM struct{}

func (AESGCM) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix)
}

func (AESGCM) Encrypt(text string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(text), nil)
	return prefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt returns plain values unchanged.
func (c AESGCM) Decrypt(token string, key []byte) (string, error) {
	if !c.IsEncrypted(token) {
		return token, nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(token, prefix))
	if err != nil {
		return "", fmt.Errorf("fieldcrypt: decode: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("fieldcrypt: token too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("fieldcrypt: open: %w", err)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DecodeKey parses a base64 key as stored in config.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if _, err := newGCM(key); err != nil {
		return nil, err
	}
	return key, nil
}
