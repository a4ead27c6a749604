package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/models"
)

func TestCoderRoundTrip(t *testing.T) {
	coder := NewPGPCoder(nil)
	alice := mustLoad(t, "alice")
	bob := mustLoad(t, "bob")
	alicePub := testKeys(t, "alice").PublicKeyRing
	bobPub := testKeys(t, "bob").PublicKeyRing

	envelope, err := coder.Encrypt([]byte("meet at noon"), [][]byte{bobPub}, alice)
	require.NoError(t, err)
	assert.Contains(t, string(envelope), "BEGIN PGP MESSAGE")

	plain, status := coder.Decrypt(envelope, bob, alicePub)
	assert.Equal(t, "meet at noon", string(plain))
	assert.Equal(t, models.CoderStatus{
		Encryption: models.EncryptionDecrypted,
		Signing:    models.SigningVerified,
	}, status)
}

func TestCoderDecryptWithoutSenderKey(t *testing.T) {
	coder := NewPGPCoder(nil)
	alice := mustLoad(t, "alice")
	bob := mustLoad(t, "bob")

	envelope, err := coder.Encrypt([]byte("hi"), [][]byte{testKeys(t, "bob").PublicKeyRing}, alice)
	require.NoError(t, err)

	plain, status := coder.Decrypt(envelope, bob, nil)
	assert.Equal(t, "hi", string(plain))
	assert.Equal(t, models.EncryptionDecryptedWithErrors, status.Encryption)
	assert.Equal(t, models.SigningSigned, status.Signing)
	assert.Equal(t, []models.CoderError{models.CoderErrorKeyUnavailable}, status.Errors)
}

func TestCoderDecryptWrongSigner(t *testing.T) {
	coder := NewPGPCoder(nil)
	alice := mustLoad(t, "alice")
	bob := mustLoad(t, "bob")

	envelope, err := coder.Encrypt([]byte("hi"), [][]byte{testKeys(t, "bob").PublicKeyRing}, alice)
	require.NoError(t, err)

	_, status := coder.Decrypt(envelope, bob, testKeys(t, "carol").PublicKeyRing)
	assert.Contains(t, status.Errors, models.CoderErrorUnknownSigner)
}

func TestCoderDecryptForOtherRecipient(t *testing.T) {
	coder := NewPGPCoder(nil)
	alice := mustLoad(t, "alice")
	carol := mustLoad(t, "carol")

	envelope, err := coder.Encrypt([]byte("hi"), [][]byte{testKeys(t, "bob").PublicKeyRing}, alice)
	require.NoError(t, err)

	plain, status := coder.Decrypt(envelope, carol, testKeys(t, "alice").PublicKeyRing)
	assert.Nil(t, plain)
	assert.Equal(t, models.EncryptionEncrypted, status.Encryption)
	assert.Equal(t, []models.CoderError{models.CoderErrorInvalidPrivateKey}, status.Errors)
}

func TestCoderDecryptGarbage(t *testing.T) {
	_, status := NewPGPCoder(nil).Decrypt([]byte("not pgp"), mustLoad(t, "bob"), nil)
	assert.Equal(t, []models.CoderError{models.CoderErrorInvalidData}, status.Errors)
}

func TestCoderEncryptMissingKey(t *testing.T) {
	coder := NewPGPCoder(nil)
	alice := mustLoad(t, "alice")

	_, err := coder.Encrypt([]byte("hi"), [][]byte{nil}, alice)
	require.Error(t, err)
	assert.Equal(t, models.CoderErrorKeyUnavailable, CodeOf(err))

	_, err = coder.Encrypt([]byte("hi"), [][]byte{testKeys(t, "bob").PublicKeyRing}, nil)
	assert.Equal(t, models.CoderErrorInvalidPrivateKey, CodeOf(err))
}

func TestCoderEncryptsToKeyWithoutPreferences(t *testing.T) {
	coder := NewPGPCoder(nil)
	alice := mustLoad(t, "alice")
	bob := mustLoad(t, "bob")

	ring, err := readKeyRing(testKeys(t, "bob").PrivateKeyRing)
	require.NoError(t, err)
	e := ring[0]
	for _, ident := range e.Identities {
		ident.SelfSignature.PreferredHash = nil
		ident.SelfSignature.PreferredSymmetric = nil
		require.NoError(t, ident.SelfSignature.SignUserId(ident.UserId.Id, e.PrimaryKey, e.PrivateKey, nil))
	}
	var bare bytes.Buffer
	require.NoError(t, e.Serialize(&bare))

	envelope, err := coder.Encrypt([]byte("no prefs"), [][]byte{bare.Bytes()}, alice)
	require.NoError(t, err)

	plain, status := coder.Decrypt(envelope, bob, testKeys(t, "alice").PublicKeyRing)
	assert.False(t, status.HasErrors())
	assert.Equal(t, "no prefs", string(plain))
}
