package secrets

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESCipherRoundTrip(t *testing.T) {
	c, err := NewAESCipher(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	sealed, err := c.Encrypt("KyWifSecretMaterial")
	require.NoError(t, err)
	assert.NotEqual(t, "KyWifSecretMaterial", sealed)

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "KyWifSecretMaterial", opened)
}

func TestAESCipherNoncesDiffer(t *testing.T) {
	c, err := NewAESCipher(bytes.Repeat([]byte("k"), 16))
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESCipherWrongKeyFails(t *testing.T) {
	enc, err := NewAESCipher(bytes.Repeat([]byte("a"), 32))
	require.NoError(t, err)
	dec, err := NewAESCipher(bytes.Repeat([]byte("b"), 32))
	require.NoError(t, err)

	sealed, err := enc.Encrypt("secret")
	require.NoError(t, err)
	_, err = dec.Decrypt(sealed)
	assert.Error(t, err)
}

func TestAESCipherRejectsGarbage(t *testing.T) {
	c, err := NewAESCipher(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!!!")
	assert.Error(t, err)

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestNewAESCipherBadKeySize(t *testing.T) {
	_, err := NewAESCipher([]byte("tooshort"))
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	raw := bytes.Repeat([]byte("x"), 32)

	key, err := ParseKey(string(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	key, err = ParseKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	key, err = ParseKey(hex.EncodeToString(raw[:24]))
	require.NoError(t, err)
	assert.Equal(t, raw[:24], key)

	_, err = ParseKey("")
	assert.Error(t, err)

	_, err = ParseKey("way too short")
	assert.Error(t, err)
}
