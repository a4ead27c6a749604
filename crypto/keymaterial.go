package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/x509"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

var (
	// ErrInvalidKeyData is returned when key material is missing, malformed
	// or inconsistent. No KeyMaterial is returned alongside it.
	ErrInvalidKeyData = errors.New("crypto: invalid key data")
	// ErrSignature is returned when signing another key fails.
	ErrSignature = errors.New("crypto: signature failed")
)

// KeyMaterial is the account identity: an OpenPGP signing master key, its
// encryption subkey and an X.509 bridge certificate over the master key.
type KeyMaterial struct {
	secret     *openpgp.Entity
	encryption *openpgp.Subkey
	bridge     *x509.Certificate
	bridgeDER  []byte

	mu     sync.RWMutex
	public *openpgp.Entity
}

func invalidKey(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidKeyData, format, args...)
}

// Load parses and validates the account key material. Both rings must hold
// the same single master key with exactly one encryption subkey, and the
// bridge certificate must certify the master key. Key rings may be binary
// or armored, the certificate DER or PEM. A private ring sealed with
// SealPrivateKey is opened with passphrase first.
func Load(privateKeyRing, publicKeyRing []byte, passphrase string, bridgeCert []byte) (*KeyMaterial, error) {
	privateKeyRing, err := OpenPrivateKey(privateKeyRing, passphrase)
	if err != nil {
		return nil, invalidKey("open private key ring: %v", err)
	}
	secret, secretSub, err := splitRoles(privateKeyRing, "private")
	if err != nil {
		return nil, err
	}
	public, publicSub, err := splitRoles(publicKeyRing, "public")
	if err != nil {
		return nil, err
	}

	if secret.PrimaryKey.Fingerprint != public.PrimaryKey.Fingerprint {
		return nil, invalidKey("master key %X differs between rings", secret.PrimaryKey.Fingerprint)
	}
	if secretSub.PublicKey.Fingerprint != publicSub.PublicKey.Fingerprint {
		return nil, invalidKey("encryption subkey %X differs between rings", secretSub.PublicKey.Fingerprint)
	}

	if secret.PrivateKey == nil {
		return nil, invalidKey("private ring lacks the master private key")
	}
	if secretSub.PrivateKey == nil {
		return nil, invalidKey("private ring lacks the encryption private key")
	}
	for _, pk := range []*packet.PrivateKey{secret.PrivateKey, secretSub.PrivateKey} {
		if !pk.Encrypted {
			continue
		}
		if err := pk.Decrypt([]byte(passphrase)); err != nil {
			return nil, invalidKey("decrypt private key %X: %v", pk.Fingerprint, err)
		}
	}

	cert, der, err := parseBridgeCertificate(bridgeCert)
	if err != nil {
		return nil, invalidKey("bridge certificate: %v", err)
	}
	certKey, ok := cert.PublicKey.(interface{ Equal(stdcrypto.PublicKey) bool })
	if !ok || !certKey.Equal(public.PrimaryKey.PublicKey) {
		return nil, invalidKey("bridge certificate does not match master key")
	}

	return &KeyMaterial{
		secret:     secret,
		encryption: secretSub,
		bridge:     cert,
		bridgeDER:  der,
		public:     public,
	}, nil
}

// splitRoles scans every key of a ring once and selects the master key and
// the encryption subkey by their flags.
func splitRoles(ring []byte, which string) (*openpgp.Entity, *openpgp.Subkey, error) {
	el, err := readKeyRing(ring)
	if err != nil {
		return nil, nil, invalidKey("read %s key ring: %v", which, err)
	}
	switch len(el) {
	case 0:
		return nil, nil, invalidKey("%s key ring has no master key", which)
	case 1:
	default:
		return nil, nil, invalidKey("%s key ring has %d master keys", which, len(el))
	}

	e := el[0]
	var enc *openpgp.Subkey
	for i := range e.Subkeys {
		sk := &e.Subkeys[i]
		if !isEncryptionSubkey(sk) {
			continue
		}
		if enc != nil {
			return nil, nil, invalidKey("%s key ring has more than one encryption subkey", which)
		}
		enc = sk
	}
	if enc == nil {
		return nil, nil, invalidKey("%s key ring has no encryption subkey", which)
	}
	return e, enc, nil
}

// Fingerprint returns the OpenPGP v4 fingerprint of the signing key.
func (k *KeyMaterial) Fingerprint() []byte {
	fp := k.secret.PrimaryKey.Fingerprint
	return append([]byte(nil), fp[:]...)
}

// FingerprintHex returns the fingerprint as lowercase hex.
func (k *KeyMaterial) FingerprintHex() string {
	return hex.EncodeToString(k.Fingerprint())
}

// UserID returns the primary user id of the key.
func (k *KeyMaterial) UserID() string {
	names := make([]string, 0, len(k.secret.Identities))
	for name, ident := range k.secret.Identities {
		if ident.SelfSignature != nil && ident.SelfSignature.IsPrimaryId != nil && *ident.SelfSignature.IsPrimaryId {
			return name
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// BridgeCertificate returns the parsed X.509 bridge certificate.
func (k *KeyMaterial) BridgeCertificate() *x509.Certificate {
	return k.bridge
}

// BridgeCertificateDER returns the raw bridge certificate.
func (k *KeyMaterial) BridgeCertificateDER() []byte {
	return append([]byte(nil), k.bridgeDER...)
}

// Entity returns the private signing entity used by the coder.
func (k *KeyMaterial) Entity() *openpgp.Entity {
	return k.secret
}

// PublicKeyRing serializes the current public key, including a revocation
// when one was persisted.
func (k *KeyMaterial) PublicKeyRing() ([]byte, error) {
	k.mu.RLock()
	pub := k.public
	k.mu.RUnlock()

	var buf bytes.Buffer
	if err := serializePublic(&buf, pub); err != nil {
		return nil, errors.Wrap(err, "serialize public key")
	}
	return buf.Bytes(), nil
}

// IsRevoked reports whether the in-memory public key carries a revocation.
func (k *KeyMaterial) IsRevoked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.public.Revocations) > 0
}

// SignKey certifies identity on another public key ring with the master key
// and returns the re-serialized ring. The input is not modified.
func (k *KeyMaterial) SignKey(target []byte, identity string) ([]byte, error) {
	el, err := readKeyRing(target)
	if err != nil {
		return nil, errors.Wrapf(ErrSignature, "read target key: %v", err)
	}
	if len(el) != 1 {
		return nil, errors.Wrapf(ErrSignature, "target ring has %d keys", len(el))
	}
	e := el[0]
	if err := e.SignIdentity(identity, k.secret, nil); err != nil {
		return nil, errors.Wrapf(ErrSignature, "sign %q: %v", identity, err)
	}

	var buf bytes.Buffer
	if err := serializePublic(&buf, e); err != nil {
		return nil, errors.Wrapf(ErrSignature, "serialize signed key: %v", err)
	}
	return buf.Bytes(), nil
}

// Revoke creates a revocation certificate for the whole key and returns the
// revoked public key ring. With persist the in-memory public key is replaced
// by the revoked form.
func (k *KeyMaterial) Revoke(persist bool) ([]byte, error) {
	k.mu.RLock()
	current := k.public
	k.mu.RUnlock()

	priv := k.secret.PrivateKey
	sig := &packet.Signature{
		SigType:      packet.SigTypeKeyRevocation,
		PubKeyAlgo:   priv.PubKeyAlgo,
		Hash:         stdcrypto.SHA256,
		CreationTime: time.Now(),
		IssuerKeyId:  &priv.KeyId,
	}
	payload, err := keyRevocationPayload(current.PrimaryKey)
	if err != nil {
		return nil, errors.Wrap(err, "revocation payload")
	}
	h := sig.Hash.New()
	h.Write(payload)
	if err := sig.Sign(h, priv, nil); err != nil {
		return nil, errors.Wrap(err, "sign revocation")
	}

	revoked := *current
	revoked.Revocations = append(append([]*packet.Signature(nil), current.Revocations...), sig)

	var buf bytes.Buffer
	if err := serializePublic(&buf, &revoked); err != nil {
		return nil, errors.Wrap(err, "serialize revoked key")
	}

	if persist {
		k.mu.Lock()
		k.public = &revoked
		k.mu.Unlock()
	}
	return buf.Bytes(), nil
}
