package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	store := NewStoreWithKey([]byte("test-key"))

	t.Run("Should round-trip a password", func(t *testing.T) {
		ciphertext, err := store.EncryptPassword("s3cret-portal-pw")
		require.NoError(t, err)
		assert.NotEqual(t, "s3cret-portal-pw", ciphertext)

		plaintext, err := store.DecryptPassword(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "s3cret-portal-pw", plaintext)
	})

	t.Run("Should produce a different ciphertext per encryption", func(t *testing.T) {
		a, err := store.EncryptPassword("same")
		require.NoError(t, err)
		b, err := store.EncryptPassword("same")
		require.NoError(t, err)

		assert.NotEqual(t, a, b, "A random nonce must make ciphertexts unique")
	})

	t.Run("Should round-trip an empty password", func(t *testing.T) {
		ciphertext, err := store.EncryptPassword("")
		require.NoError(t, err)

		plaintext, err := store.DecryptPassword(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "", plaintext)
	})

	t.Run("Should fail to decrypt with a different key", func(t *testing.T) {
		ciphertext, err := store.EncryptPassword("secret")
		require.NoError(t, err)

		other := NewStoreWithKey([]byte("another-key"))
		_, err = other.DecryptPassword(ciphertext)
		assert.Error(t, err)
	})

	t.Run("Should reject invalid base64", func(t *testing.T) {
		_, err := store.DecryptPassword("not base64!!!")
		assert.Error(t, err)
	})

	t.Run("Should reject truncated ciphertext", func(t *testing.T) {
		_, err := store.DecryptPassword("AAAA")
		assert.Error(t, err)
	})
}

func TestKeyDerivation(t *testing.T) {
	t.Run("Should hash arbitrary-length keys to 32 bytes", func(t *testing.T) {
		short := NewStoreWithKey([]byte("x"))
		ciphertext, err := short.EncryptPassword("pw")
		require.NoError(t, err)

		same := NewStoreWithKey([]byte("x"))
		plaintext, err := same.DecryptPassword(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "pw", plaintext)
	})

	t.Run("Should read the key from the environment", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", "dev-key")

		a, err := NewStore()
		require.NoError(t, err)
		b, err := NewStore()
		require.NoError(t, err)

		ciphertext, err := a.EncryptPassword("pw")
		require.NoError(t, err)
		plaintext, err := b.DecryptPassword(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "pw", plaintext)
	})
}
