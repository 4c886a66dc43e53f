package nacling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	verifier, err := NewVerifier(signer.KeyHex())
	require.NoError(t, err)

	msg := []byte("join request payload")
	sig := signer.Sign(msg)

	assert.True(t, verifier.Verify(msg, sig))
	assert.Equal(t, signer.KeyHex(), verifier.VerifyHex())
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	verifier, err := NewVerifier(signer.KeyHex())
	require.NoError(t, err)

	sig := signer.Sign([]byte("original"))
	assert.False(t, verifier.Verify([]byte("tampered"), sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signerA, err := GenerateSigner()
	require.NoError(t, err)
	signerB, err := GenerateSigner()
	require.NoError(t, err)

	verifierB, err := NewVerifier(signerB.KeyHex())
	require.NoError(t, err)

	msg := []byte("hello")
	sig := signerA.Sign(msg)
	assert.False(t, verifierB.Verify(msg, sig))
}

func TestBoxSealOpenRoundTrip(t *testing.T) {
	alice, err := GenerateBox()
	require.NoError(t, err)
	bob, err := GenerateBox()
	require.NoError(t, err)

	msg := []byte("allow hello body")
	sealed, err := alice.Seal(msg, bob.PubHex())
	require.NoError(t, err)

	opened, err := bob.Open(sealed, alice.PubHex())
	require.NoError(t, err)
	assert.Equal(t, msg, opened)
}

func TestBoxOpenRejectsWrongPeer(t *testing.T) {
	alice, err := GenerateBox()
	require.NoError(t, err)
	bob, err := GenerateBox()
	require.NoError(t, err)
	mallory, err := GenerateBox()
	require.NoError(t, err)

	sealed, err := alice.Seal([]byte("secret"), bob.PubHex())
	require.NoError(t, err)

	_, err = bob.Open(sealed, mallory.PubHex())
	assert.ErrorIs(t, err, ErrOpen)
}

func TestDecodeKeyRejectsBadHex(t *testing.T) {
	_, err := NewVerifier("not-hex")
	assert.ErrorIs(t, err, ErrKeySize)

	_, err = GenerateSuite()
	assert.NoError(t, err)
}

func TestSuiteSatisfiesBothRoles(t *testing.T) {
	suite, err := GenerateSuite()
	require.NoError(t, err)

	var _ Signer = suite
	var _ BoxEncryptor = suite

	assert.NotEmpty(t, suite.KeyHex())
	assert.NotEmpty(t, suite.PubHex())
}
