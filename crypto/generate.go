package crypto

import (
	"bytes"
	stdcrypto "crypto"

	"github.com/pkg/errors"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
	"golang.org/x/crypto/openpgp/s2k"
)

// DefaultRSABits is the key size used by Generate when bits is zero.
const DefaultRSABits = 3072

// GeneratedKeys holds freshly created account key material in the formats
// Load accepts.
type GeneratedKeys struct {
	PrivateKeyRing []byte
	PublicKeyRing  []byte
	BridgeCert     []byte
}

// Generate creates an RSA master key with an encryption subkey for the given
// user id and a matching bridge certificate. The private ring is written
// unencrypted; callers store it with restrictive permissions.
func Generate(name, comment, email string, bits int) (*GeneratedKeys, error) {
	if bits == 0 {
		bits = DefaultRSABits
	}
	cfg := &packet.Config{RSABits: bits}

	e, err := openpgp.NewEntity(name, comment, email, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	for _, ident := range e.Identities {
		setAlgorithmPreferences(ident.SelfSignature)
		if err := ident.SelfSignature.SignUserId(ident.UserId.Id, e.PrimaryKey, e.PrivateKey, cfg); err != nil {
			return nil, errors.Wrap(err, "sign user id")
		}
	}

	var priv bytes.Buffer
	if err := e.SerializePrivate(&priv, cfg); err != nil {
		return nil, errors.Wrap(err, "serialize private key")
	}
	var pub bytes.Buffer
	if err := e.Serialize(&pub); err != nil {
		return nil, errors.Wrap(err, "serialize public key")
	}

	cert, err := NewBridgeCertificate(e, DefaultBridgeValidity)
	if err != nil {
		return nil, err
	}

	return &GeneratedKeys{
		PrivateKeyRing: priv.Bytes(),
		PublicKeyRing:  pub.Bytes(),
		BridgeCert:     cert,
	}, nil
}

// Self-signature algorithm preferences. The openpgp default for keys without
// any is RIPEMD160, which is not linked in.
var (
	preferredHashes    = hashIDs(stdcrypto.SHA256, stdcrypto.SHA512)
	preferredSymmetric = []uint8{uint8(packet.CipherAES256), uint8(packet.CipherAES128)}
)

func hashIDs(hashes ...stdcrypto.Hash) []uint8 {
	ids := make([]uint8, 0, len(hashes))
	for _, h := range hashes {
		if id, ok := s2k.HashToHashId(h); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// setAlgorithmPreferences fills in missing hash and cipher preferences on a
// self-signature. Existing preferences are left alone.
func setAlgorithmPreferences(sig *packet.Signature) {
	if sig == nil {
		return
	}
	if len(sig.PreferredHash) == 0 {
		sig.PreferredHash = append([]uint8(nil), preferredHashes...)
	}
	if len(sig.PreferredSymmetric) == 0 {
		sig.PreferredSymmetric = append([]uint8(nil), preferredSymmetric...)
	}
}
