package cryptox

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		alg      Algorithm
		overhead int64
	}{
		{name: "aes-gcm", alg: AES256GCM, overhead: 12 + 16},
		{name: "xchacha", alg: XChaCha20Poly1305, overhead: 24 + 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := NewKey(tt.alg)
			require.NoError(t, err)
			require.Equal(t, byte(tt.alg), key[0])

			s, err := ForKey(key)
			require.NoError(t, err)
			assert.Equal(t, tt.alg, s.Algorithm())

			for _, n := range []int{0, 1, 1000, 4096} {
				plain := bytes.Repeat([]byte{0xab}, n)
				sealed, err := s.Seal(plain)
				require.NoError(t, err)
				assert.Equal(t, int64(n)+tt.overhead, int64(len(sealed)))
				assert.Equal(t, int64(len(sealed)), s.CiphertextLength(int64(n)))
				assert.Equal(t, int64(n), s.PlaintextLength(int64(len(sealed))))

				opened, err := s.Open(sealed)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(plain, opened))
			}
		})
	}
}

func TestSeal_FreshNonce(t *testing.T) {
	key, err := NewKey(AES256GCM)
	require.NoError(t, err)
	s, err := ForKey(key)
	require.NoError(t, err)

	a, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpen_Tampered(t *testing.T) {
	key, err := NewKey(XChaCha20Poly1305)
	require.NoError(t, err)
	s, err := ForKey(key)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = s.Open(sealed)
	assert.Error(t, err)

	_, err = s.Open(sealed[:3])
	assert.ErrorIs(t, err, ErrShortCiphertext)
}

func TestOpen_WrongKey(t *testing.T) {
	k1, _ := NewKey(AES256GCM)
	k2, _ := NewKey(AES256GCM)
	s1, _ := ForKey(k1)
	s2, _ := ForKey(k2)

	sealed, err := s1.Seal([]byte("secret"))
	require.NoError(t, err)
	_, err = s2.Open(sealed)
	assert.Error(t, err)
}

func TestForKey_Errors(t *testing.T) {
	_, err := ForKey(make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidKey)

	bad := make([]byte, 33)
	bad[0] = 0x7f
	_, err = ForKey(bad)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = NewKey(Algorithm(0x7f))
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestPlaintextLength_TooShort(t *testing.T) {
	key, _ := NewKey(AES256GCM)
	s, _ := ForKey(key)
	assert.Zero(t, s.PlaintextLength(10))
	assert.Zero(t, s.PlaintextLength(28))
	assert.Equal(t, int64(1), s.PlaintextLength(29))
}

func TestWipe(t *testing.T) {
	b := []byte("cleartext")
	Wipe(b)
	assert.Equal(t, make([]byte, 9), b)
	Wipe(nil)
}
