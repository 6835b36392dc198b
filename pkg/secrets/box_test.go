package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	box, err := NewBox(key)
	require.NoError(t, err)

	plaintext := []byte(`{"token":"xoxb-secret","endpoint":"https://example.com"}`)
	blob, err := box.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "xoxb-secret")

	opened, err := box.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestBoxNonceVariesPerSeal(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	a, err := box.Seal([]byte("same input"))
	require.NoError(t, err)
	b, err := box.Seal([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "sealing twice must produce distinct blobs")
}

func TestBoxRejectsTamperedBlob(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	blob, err := box.Seal([]byte("payload"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff

	_, err = box.Open(blob)
	assert.Error(t, err)
}

func TestBoxRejectsShortBlob(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	_, err = box.Open([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestNewBoxValidatesKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not hex", strings.Repeat("zz", 32)},
		{"too short", "deadbeef"},
		{"wrong length", strings.Repeat("ab", 16)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBox(tt.key)
			assert.Error(t, err)
		})
	}
}
