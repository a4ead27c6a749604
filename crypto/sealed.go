package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	sealedKeyMagic = "SCK1"
	sealSaltSize   = 16
	aes256KeySize  = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrPassphrase is returned when a sealed key can't be opened.
var ErrPassphrase = errors.New("crypto: wrong passphrase or damaged key file")

// IsSealed reports whether data was produced by SealPrivateKey.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(sealedKeyMagic))
}

// SealPrivateKey encrypts a private key ring for storage with AES-256-GCM
// under a key derived from passphrase with Argon2id.
func SealPrivateKey(ring []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("seal private key: empty passphrase")
	}
	if len(ring) == 0 {
		return nil, errors.New("seal private key: empty key ring")
	}

	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}
	aead, err := newSealAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}

	header := append([]byte(sealedKeyMagic), salt...)
	out := append(append([]byte(nil), header...), nonce...)
	return aead.Seal(out, nonce, ring, header), nil
}

// OpenPrivateKey reverses SealPrivateKey. Data that is not sealed is
// returned unchanged.
func OpenPrivateKey(data []byte, passphrase string) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	headerLen := len(sealedKeyMagic) + sealSaltSize
	if len(data) < headerLen {
		return nil, ErrPassphrase
	}
	header, rest := data[:headerLen], data[headerLen:]

	aead, err := newSealAEAD(passphrase, header[len(sealedKeyMagic):])
	if err != nil {
		return nil, err
	}
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrPassphrase
	}
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	ring, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrPassphrase
	}
	return ring, nil
}

func newSealAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, aes256KeySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create GCM")
	}
	return aead, nil
}
