package crypto

import (
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher_Deterministic(t *testing.T) {
	for _, h := range []Hasher{SHA256(), SHA3256()} {
		t.Run(h.Name(), func(t *testing.T) {
			a := h.Sum([]byte("ab"), []byte("c"))
			b := h.Sum([]byte("abc"))
			assert.Equal(t, a, b, "parts must hash as their concatenation")
			assert.NotEqual(t, a, h.Sum([]byte("abd")))
		})
	}
}

func TestHasher_AlgorithmsDiffer(t *testing.T) {
	data := []byte("qradle")
	assert.NotEqual(t, SHA256().Sum(data), SHA3256().Sum(data))
}

func TestNewHasher(t *testing.T) {
	h, err := NewHasher("")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmSHA256, h.Name())

	h, err = NewHasher("SHA3-256")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmSHA3256, h.Name())

	_, err = NewHasher("md5")
	assert.Error(t, err)
}

func TestDigest_RoundTrip(t *testing.T) {
	d := SHA256().Sum([]byte("x"))
	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
	assert.True(t, ZeroDigest.IsZero())
	assert.False(t, d.IsZero())

	_, err = ParseDigest("abcd")
	assert.Error(t, err)
	_, err = ParseDigest("zz")
	assert.Error(t, err)
}

func TestEd25519Signer_ImplementsSigner(t *testing.T) {
	signer, err := NewEd25519Signer("approver-1")
	require.NoError(t, err)

	var s stdcrypto.Signer = signer
	msg := []byte("approve")
	sig, err := s.Sign(rand.Reader, msg, stdcrypto.Hash(0))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(signer.PublicKeyBytes(), msg, sig))

	pub, err := ParsePublicKey(signer.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKeyBytes(), pub)
}
