package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openledgerhq/ledgersync/internal/crypto"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := crypto.NewAESCipher("test-token-key")
	require.NoError(t, err)

	token := map[string]interface{}{
		"access_token":  "at-123",
		"refresh_token": "rt-456",
		"expires_at":    float64(1700000000),
		"realm_id":      "9341452",
	}

	enc, err := c.EncryptJSON(token)
	require.NoError(t, err)
	require.NotEmpty(t, enc)

	var out map[string]interface{}
	require.NoError(t, c.DecryptJSON(enc, &out))
	assert.Equal(t, token, out)
}

func TestEncryptProducesDifferentCiphertexts(t *testing.T) {
	c, err := crypto.NewAESCipher("test-token-key")
	require.NoError(t, err)

	token := map[string]interface{}{"access_token": "at"}

	enc1, err := c.EncryptJSON(token)
	require.NoError(t, err)
	enc2, err := c.EncryptJSON(token)
	require.NoError(t, err)

	assert.NotEqual(t, enc1, enc2, "random nonce should make ciphertexts differ")
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	c1, err := crypto.NewAESCipher("key-one")
	require.NoError(t, err)
	c2, err := crypto.NewAESCipher("key-two")
	require.NoError(t, err)

	enc, err := c1.EncryptJSON(map[string]interface{}{"access_token": "at"})
	require.NoError(t, err)

	var out map[string]interface{}
	assert.Error(t, c2.DecryptJSON(enc, &out))
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c, err := crypto.NewAESCipher("test-token-key")
	require.NoError(t, err)

	var out map[string]interface{}
	assert.Error(t, c.DecryptJSON("not-base64!!", &out))
	assert.Error(t, c.DecryptJSON("c2hvcnQ=", &out))
}

func TestNewAESCipherRejectsEmptySecret(t *testing.T) {
	_, err := crypto.NewAESCipher("")
	assert.Error(t, err)
}
