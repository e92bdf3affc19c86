package fieldcrypt

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	c := AESGCM{}
	key := bytes.Repeat([]byte{7}, 32)

	token, err := c.Encrypt("ship the release", key)
	require.NoError(t, err)
	assert.True(t, c.IsEncrypted(token))
	assert.NotContains(t, token, "ship")

	plain, err := c.Decrypt(token, key)
	require.NoError(t, err)
	assert.Equal(t, "ship the release", plain)

	_, err = c.Decrypt(token, bytes.Repeat([]byte{8}, 32))
	assert.Error(t, err)

	plain, err = c.Decrypt("already plain", nil)
	require.NoError(t, err)
	assert.Equal(t, "already plain", plain)
}

func TestKeys(t *testing.T) {
	_, err := AESGCM{}.Encrypt("x", []byte("short"))
	assert.ErrorIs(t, err, ErrKey)

	key, err := DecodeKey(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 16)))
	require.NoError(t, err)
	assert.Len(t, key, 16)
	_, err = DecodeKey("not base64!")
	assert.Error(t, err)
}
