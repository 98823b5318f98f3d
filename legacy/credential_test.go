package legacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/medvault/internal/crypto"
)

func TestCredentialCipher(t *testing.T) {
	c, err := NewCredentialCipher("app-secret-for-tests")
	require.NoError(t, err)

	t.Run("RoundTrip", func(t *testing.T) {
		blob, err := c.Encrypt([]byte(`{"username":"jane","password":"hunter2"}`))
		require.NoError(t, err)

		plain, err := c.Decrypt(blob)
		require.NoError(t, err)
		assert.JSONEq(t, `{"username":"jane","password":"hunter2"}`, string(plain))
	})

	t.Run("PerRecordSalt", func(t *testing.T) {
		a, err := c.Encrypt([]byte("same"))
		require.NoError(t, err)
		b, err := c.Encrypt([]byte("same"))
		require.NoError(t, err)
		assert.NotEqual(t, a[:16], b[:16])
	})

	t.Run("WrongSecret", func(t *testing.T) {
		blob, err := c.Encrypt([]byte("token"))
		require.NoError(t, err)

		other, err := NewCredentialCipher("another-secret")
		require.NoError(t, err)
		_, err = other.Decrypt(blob)
		assert.ErrorIs(t, err, crypto.ErrAuthentication)
	})

	t.Run("TooShort", func(t *testing.T) {
		_, err := c.Decrypt([]byte("tiny"))
		assert.ErrorIs(t, err, crypto.ErrCiphertextTooShort)
	})

	t.Run("EmptySecret", func(t *testing.T) {
		_, err := NewCredentialCipher("")
		assert.Error(t, err)
	})
}
