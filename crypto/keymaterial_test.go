package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
	"golang.org/x/crypto/openpgp/s2k"
)

func TestLoadGeneratedKeys(t *testing.T) {
	keys := testKeys(t, "alice")

	km, err := Load(keys.PrivateKeyRing, keys.PublicKeyRing, "", keys.BridgeCert)
	require.NoError(t, err)

	pub, err := ParsePublicKey(keys.PublicKeyRing)
	require.NoError(t, err)
	assert.Equal(t, pub.PrimaryKey.Fingerprint[:], km.Fingerprint())
	assert.Len(t, km.FingerprintHex(), 40)
	assert.Equal(t, "alice <alice@example.org>", km.UserID())
	assert.False(t, km.IsRevoked())
	assert.NotNil(t, km.BridgeCertificate())
}

func TestLoadAcceptsArmoredRings(t *testing.T) {
	keys := testKeys(t, "alice")
	priv, err := Armor(keys.PrivateKeyRing, PrivateKeyBlock)
	require.NoError(t, err)
	pub, err := Armor(keys.PublicKeyRing, PublicKeyBlock)
	require.NoError(t, err)

	km, err := Load(priv, pub, "", keys.BridgeCert)
	require.NoError(t, err)
	assert.NotEmpty(t, km.Fingerprint())
}

func TestLoadFailsWithoutEncryptionSubkey(t *testing.T) {
	keys := testKeys(t, "alice")

	e, err := ParsePublicKey(keys.PublicKeyRing)
	require.NoError(t, err)
	e.Subkeys = nil
	var stripped bytes.Buffer
	require.NoError(t, e.Serialize(&stripped))

	km, err := Load(keys.PrivateKeyRing, stripped.Bytes(), "", keys.BridgeCert)
	assert.ErrorIs(t, err, ErrInvalidKeyData)
	assert.Nil(t, km)
}

func TestLoadRejectsMultipleMasterKeys(t *testing.T) {
	alice := testKeys(t, "alice")
	bob := testKeys(t, "bob")

	ring := append(append([]byte(nil), alice.PublicKeyRing...), bob.PublicKeyRing...)
	km, err := Load(alice.PrivateKeyRing, ring, "", alice.BridgeCert)
	assert.ErrorIs(t, err, ErrInvalidKeyData)
	assert.Nil(t, km)
}

func TestLoadRejectsMismatchedRings(t *testing.T) {
	alice := testKeys(t, "alice")
	bob := testKeys(t, "bob")

	km, err := Load(alice.PrivateKeyRing, bob.PublicKeyRing, "", alice.BridgeCert)
	assert.ErrorIs(t, err, ErrInvalidKeyData)
	assert.Nil(t, km)
}

func TestLoadRejectsBadBridgeCertificate(t *testing.T) {
	alice := testKeys(t, "alice")
	bob := testKeys(t, "bob")

	_, err := Load(alice.PrivateKeyRing, alice.PublicKeyRing, "", bob.BridgeCert)
	assert.ErrorIs(t, err, ErrInvalidKeyData)

	_, err = Load(alice.PrivateKeyRing, alice.PublicKeyRing, "", []byte("not a certificate"))
	assert.ErrorIs(t, err, ErrInvalidKeyData)

	_, err = Load(alice.PrivateKeyRing, alice.PublicKeyRing, "", nil)
	assert.ErrorIs(t, err, ErrInvalidKeyData)
}

func TestLoadRejectsPublicRingAsPrivate(t *testing.T) {
	alice := testKeys(t, "alice")
	_, err := Load(alice.PublicKeyRing, alice.PublicKeyRing, "", alice.BridgeCert)
	assert.ErrorIs(t, err, ErrInvalidKeyData)
}

func TestSignKey(t *testing.T) {
	alice := mustLoad(t, "alice")
	bobRing := testKeys(t, "bob").PublicKeyRing
	original := append([]byte(nil), bobRing...)

	signed, err := alice.SignKey(bobRing, "bob <bob@example.org>")
	require.NoError(t, err)
	assert.Equal(t, original, bobRing)

	el, err := openpgp.ReadKeyRing(bytes.NewReader(signed))
	require.NoError(t, err)
	require.Len(t, el, 1)
	ident := el[0].Identities["bob <bob@example.org>"]
	require.NotNil(t, ident)
	require.Len(t, ident.Signatures, 1)

	sig := ident.Signatures[0]
	require.NotNil(t, sig.IssuerKeyId)
	assert.Equal(t, alice.Entity().PrimaryKey.KeyId, *sig.IssuerKeyId)
	assert.NoError(t, alice.Entity().PrimaryKey.VerifyUserIdSignature("bob <bob@example.org>", el[0].PrimaryKey, sig))
}

func TestSignKeyUnknownIdentity(t *testing.T) {
	alice := mustLoad(t, "alice")
	_, err := alice.SignKey(testKeys(t, "bob").PublicKeyRing, "nobody")
	assert.ErrorIs(t, err, ErrSignature)

	_, err = alice.SignKey([]byte("garbage"), "bob <bob@example.org>")
	assert.ErrorIs(t, err, ErrSignature)
}

func TestIdentityFor(t *testing.T) {
	e, err := ParsePublicKey(testKeys(t, "bob").PublicKeyRing)
	require.NoError(t, err)

	name, err := IdentityFor(e, "Bob@Example.org/phone")
	require.NoError(t, err)
	assert.Equal(t, "bob <bob@example.org>", name)

	name, err = IdentityFor(e, "someone@else.org")
	require.NoError(t, err, "single user id is used regardless of address")
	assert.Equal(t, "bob <bob@example.org>", name)

	e.Identities["robert <robert@example.org>"] = &openpgp.Identity{Name: "robert <robert@example.org>"}
	_, err = IdentityFor(e, "someone@else.org")
	assert.Error(t, err)
}

func TestRevoke(t *testing.T) {
	km := mustLoad(t, "carol")

	revoked, err := km.Revoke(false)
	require.NoError(t, err)
	assert.False(t, km.IsRevoked())

	e, err := ParsePublicKey(revoked)
	require.NoError(t, err)
	require.Len(t, e.Revocations, 1)
	assert.NoError(t, e.PrimaryKey.VerifyRevocationSignature(e.Revocations[0]))

	_, err = km.Revoke(true)
	require.NoError(t, err)
	assert.True(t, km.IsRevoked())

	ring, err := km.PublicKeyRing()
	require.NoError(t, err)
	e, err = ParsePublicKey(ring)
	require.NoError(t, err)
	assert.Len(t, e.Revocations, 1)
	assert.Equal(t, km.Fingerprint(), e.PrimaryKey.Fingerprint[:])
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(" "))
	assert.Equal(t, "0A0B", FormatFingerprintBytes([]byte{0x0a, 0x0b}))
}

func TestTLSCertificate(t *testing.T) {
	km := mustLoad(t, "alice")
	cert, err := km.TLSCertificate()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	assert.Equal(t, km.BridgeCertificateDER(), cert.Certificate[0])
	assert.Same(t, km.BridgeCertificate(), cert.Leaf)
	assert.Equal(t, "alice <alice@example.org>", cert.Leaf.Subject.CommonName)
}

func TestArmorBlockTypes(t *testing.T) {
	assert.Equal(t, openpgp.PublicKeyType, PublicKeyBlock)
	assert.Equal(t, openpgp.PrivateKeyType, PrivateKeyBlock)
}

func TestGenerateSetsAlgorithmPreferences(t *testing.T) {
	keys := testKeys(t, "alice")
	sha256, ok := s2k.HashToHashId(stdcrypto.SHA256)
	require.True(t, ok)

	for _, ring := range [][]byte{keys.PublicKeyRing, keys.PrivateKeyRing} {
		el, err := readKeyRing(ring)
		require.NoError(t, err)
		require.Len(t, el, 1)
		for _, ident := range el[0].Identities {
			assert.Contains(t, ident.SelfSignature.PreferredHash, sha256)
			assert.Contains(t, ident.SelfSignature.PreferredSymmetric, uint8(packet.CipherAES256))
		}
	}
}
