package credentials

import (
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"github.com/zalando/go-keyring"
)

const (
	keystoreService = "podownloader"
	keystoreUser    = "encryption-key"
)

// generateOrLoadKey loads the encryption key from the system keychain, or
// generates and stores a new 32-byte key for AES-256.
func generateOrLoadKey() ([]byte, error) {
	keyString, err := keyring.Get(keystoreService, keystoreUser)
	if err == nil && keyString != "" {
		return []byte(keyString), nil
	}

	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		fmt.Printf("Keystore warning: %v\n", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	if err := keyring.Set(keystoreService, keystoreUser, string(key)); err != nil {
		// On Linux without a keyring daemon this can fail; the key is then
		// regenerated on the next launch, which only invalidates stored
		// passwords, not downloads.
		fmt.Printf("WARNING: Failed to store key in keychain: %v\n", err)

		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			return nil, fmt.Errorf("keychain storage required on %s: %w", runtime.GOOS, err)
		}
	}

	return key, nil
}

// DeleteKey removes the encryption key from the keychain.
// Useful for testing or reset scenarios
func DeleteKey() error {
	return keyring.Delete(keystoreService, keystoreUser)
}

// IsKeyStored checks if an encryption key exists in the keychain
func IsKeyStored() bool {
	_, err := keyring.Get(keystoreService, keystoreUser)
	return err == nil
}
