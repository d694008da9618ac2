// Package credentials encrypts supplier-portal passwords at rest with
// AES-256-GCM. The encryption key is held in the OS keychain, or supplied
// via ENCRYPTION_KEY for development.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// Store encrypts and decrypts portal passwords with a fixed key.
type Store struct {
	key []byte
}

// NewStore initializes a credential store.
// Key priority:
// 1. ENCRYPTION_KEY environment variable (development/testing)
// 2. System keychain (production)
// 3. Generate a new key and store it in the keychain
func NewStore() (*Store, error) {
	if keyString := os.Getenv("ENCRYPTION_KEY"); keyString != "" {
		return &Store{key: deriveKey(keyString)}, nil
	}

	key, err := generateOrLoadKey()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credentials from keystore: %w", err)
	}
	return &Store{key: key}, nil
}

// NewStoreWithKey builds a store around an explicit key, hashing it to 32
// bytes if needed. Used by tests and embedded deployments.
func NewStoreWithKey(key []byte) *Store {
	if len(key) != 32 {
		hash := sha256.Sum256(key)
		key = hash[:]
	}
	return &Store{key: key}
}

// deriveKey turns an arbitrary key string into 32 bytes for AES-256.
func deriveKey(keyString string) []byte {
	if keyBytes, err := base64.StdEncoding.DecodeString(keyString); err == nil && len(keyBytes) == 32 {
		return keyBytes
	}
	hash := sha256.Sum256([]byte(keyString))
	return hash[:]
}

// EncryptPassword encrypts a password with AES-256-GCM and returns
// base64-encoded ciphertext with the nonce prepended.
func (s *Store) EncryptPassword(password string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(password), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptPassword reverses EncryptPassword.
func (s *Store) DecryptPassword(ciphertextB64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
