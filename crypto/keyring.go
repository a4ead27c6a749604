package crypto

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"securechat/models"
)

const (
	PublicKeyBlock  = "PGP PUBLIC KEY BLOCK"
	PrivateKeyBlock = "PGP PRIVATE KEY BLOCK"
	MessageBlock    = "PGP MESSAGE"
)

// readKeyRing parses a binary or ASCII-armored key ring.
func readKeyRing(data []byte) (openpgp.EntityList, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty key ring")
	}
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN ")) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(trimmed))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

// ParsePublicKey parses a key ring holding exactly one public key.
func ParsePublicKey(data []byte) (*openpgp.Entity, error) {
	el, err := readKeyRing(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}
	if len(el) != 1 {
		return nil, errors.Errorf("parse public key: expected one key, got %d", len(el))
	}
	return el[0], nil
}

// IdentityFor picks the user id of e to certify for address: the one whose
// email equals address, or the only user id of the key.
func IdentityFor(e *openpgp.Entity, address string) (string, error) {
	address = strings.ToLower(models.BareAddress(address))
	for name, ident := range e.Identities {
		if ident.UserId != nil && strings.ToLower(ident.UserId.Email) == address {
			return name, nil
		}
	}
	if len(e.Identities) == 1 {
		for name := range e.Identities {
			return name, nil
		}
	}
	return "", errors.Errorf("key %X has no user id for %s", e.PrimaryKey.Fingerprint, address)
}

// Armor wraps data into an ASCII armor block of the given type.
func Armor(data []byte, blockType string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		return nil, errors.Wrap(err, "armor encode")
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "armor write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "armor close")
	}
	return buf.Bytes(), nil
}

// unarmor returns the payload of an armored block, or data itself when it
// is not armored.
func unarmor(data []byte) (io.Reader, error) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("-----BEGIN ")) {
		return bytes.NewReader(data), nil
	}
	block, err := armor.Decode(bytes.NewReader(trimmed))
	if err != nil {
		return nil, err
	}
	return block.Body, nil
}

// serializePublic writes the public part of e including revocation
// signatures, which openpgp.Entity.Serialize leaves out.
func serializePublic(w io.Writer, e *openpgp.Entity) error {
	if err := e.PrimaryKey.Serialize(w); err != nil {
		return err
	}
	for _, rev := range e.Revocations {
		if err := rev.Serialize(w); err != nil {
			return err
		}
	}
	for _, ident := range e.Identities {
		if err := ident.UserId.Serialize(w); err != nil {
			return err
		}
		if err := ident.SelfSignature.Serialize(w); err != nil {
			return err
		}
		for _, sig := range ident.Signatures {
			if err := sig.Serialize(w); err != nil {
				return err
			}
		}
	}
	for _, subkey := range e.Subkeys {
		if err := subkey.PublicKey.Serialize(w); err != nil {
			return err
		}
		if err := subkey.Sig.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// keyRevocationPayload returns what a key revocation signature over pk hashes:
// the 0x99 prefix with body length followed by the key packet body.
func keyRevocationPayload(pk *packet.PublicKey) ([]byte, error) {
	var prefix bytes.Buffer
	pk.SerializeSignaturePrefix(&prefix)
	if prefix.Len() != 3 {
		return nil, errors.Errorf("unexpected key prefix length %d", prefix.Len())
	}
	bodyLen := int(binary.BigEndian.Uint16(prefix.Bytes()[1:]))

	var packetBuf bytes.Buffer
	if err := pk.Serialize(&packetBuf); err != nil {
		return nil, err
	}
	if packetBuf.Len() < bodyLen {
		return nil, errors.New("short key packet")
	}

	body := packetBuf.Bytes()[packetBuf.Len()-bodyLen:]
	return append(prefix.Bytes(), body...), nil
}

func isEncryptionSubkey(sk *openpgp.Subkey) bool {
	if sk.Sig == nil || !sk.Sig.FlagsValid {
		return true
	}
	return sk.Sig.FlagEncryptCommunications || sk.Sig.FlagEncryptStorage
}
