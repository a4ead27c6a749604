package crypto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	pgperrors "golang.org/x/crypto/openpgp/errors"
	"golang.org/x/crypto/openpgp/packet"

	"securechat/models"
)

// CoderError is an encryption layer failure classified by code.
type CoderError struct {
	Code models.CoderError
	Err  error
}

func (e *CoderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("coder: %s", e.Code)
	}
	return fmt.Sprintf("coder: %s: %v", e.Code, e.Err)
}

func (e *CoderError) Unwrap() error { return e.Err }

func coderError(code models.CoderError, err error) *CoderError {
	return &CoderError{Code: code, Err: err}
}

// CodeOf returns the coder error code carried by err, or
// models.CoderErrorUnknown.
func CodeOf(err error) models.CoderError {
	var ce *CoderError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return models.CoderErrorUnknown
}

// PGPCoder encrypts and signs message content with OpenPGP.
type PGPCoder struct {
	config *packet.Config
}

// NewPGPCoder returns a coder. A nil config selects OpenPGP defaults.
func NewPGPCoder(config *packet.Config) *PGPCoder {
	return &PGPCoder{config: config}
}

// Encrypt encrypts plain to every recipient key and signs it with own.
// The envelope is ASCII armored.
func (c *PGPCoder) Encrypt(plain []byte, recipientKeys [][]byte, own *KeyMaterial) ([]byte, error) {
	if own == nil {
		return nil, coderError(models.CoderErrorInvalidPrivateKey, errors.New("no key material"))
	}
	if len(recipientKeys) == 0 {
		return nil, coderError(models.CoderErrorKeyUnavailable, errors.New("no recipients"))
	}

	to := make(openpgp.EntityList, 0, len(recipientKeys))
	for i, raw := range recipientKeys {
		if len(raw) == 0 {
			return nil, coderError(models.CoderErrorKeyUnavailable, errors.Errorf("recipient %d has no key", i))
		}
		e, err := ParsePublicKey(raw)
		if err != nil {
			return nil, coderError(models.CoderErrorKeyUnavailable, err)
		}
		for _, ident := range e.Identities {
			setAlgorithmPreferences(ident.SelfSignature)
		}
		to = append(to, e)
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, MessageBlock, nil)
	if err != nil {
		return nil, coderError(models.CoderErrorUnknown, err)
	}
	pw, err := openpgp.Encrypt(aw, to, own.Entity(), nil, c.config)
	if err != nil {
		code := models.CoderErrorUnknown
		if _, ok := err.(pgperrors.InvalidArgumentError); ok {
			code = models.CoderErrorKeyUnavailable
		}
		return nil, coderError(code, err)
	}
	if _, err := pw.Write(plain); err != nil {
		return nil, coderError(models.CoderErrorUnknown, err)
	}
	if err := pw.Close(); err != nil {
		return nil, coderError(models.CoderErrorUnknown, err)
	}
	if err := aw.Close(); err != nil {
		return nil, coderError(models.CoderErrorUnknown, err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens envelope with own and verifies the signature against
// senderKey. Failures are reported in the returned status, never as an
// error; content is nil when decryption itself failed.
func (c *PGPCoder) Decrypt(envelope []byte, own *KeyMaterial, senderKey []byte) ([]byte, models.CoderStatus) {
	status := models.CoderStatus{Encryption: models.EncryptionEncrypted, Signing: models.SigningNot}
	if own == nil {
		return nil, status.WithError(models.CoderErrorInvalidPrivateKey)
	}

	keyring := openpgp.EntityList{own.Entity()}
	var sender *openpgp.Entity
	if len(senderKey) > 0 {
		e, err := ParsePublicKey(senderKey)
		if err == nil {
			sender = e
			keyring = append(keyring, e)
		}
	}

	r, err := unarmor(envelope)
	if err != nil {
		return nil, status.WithError(models.CoderErrorInvalidData)
	}
	md, err := openpgp.ReadMessage(r, keyring, nil, c.config)
	if err != nil {
		if err == pgperrors.ErrKeyIncorrect {
			return nil, status.WithError(models.CoderErrorInvalidPrivateKey)
		}
		return nil, status.WithError(models.CoderErrorInvalidData)
	}

	// Signature and integrity checks complete only at EOF.
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, status.WithError(models.CoderErrorInvalidData)
	}
	if md.IsEncrypted {
		status.Encryption = models.EncryptionDecrypted
	} else {
		status.Encryption = models.EncryptionNot
	}

	if md.IsSigned {
		status.Signing = models.SigningSigned
		switch {
		case sender == nil:
			status = status.WithError(models.CoderErrorKeyUnavailable)
		case md.SignedBy == nil || md.SignedBy.Entity != sender:
			status = status.WithError(models.CoderErrorUnknownSigner)
		case md.SignatureError != nil:
			status = status.WithError(models.CoderErrorInvalidSignature)
		default:
			status.Signing = models.SigningVerified
		}
	}

	if status.HasErrors() && status.Encryption == models.EncryptionDecrypted {
		status.Encryption = models.EncryptionDecryptedWithErrors
	}
	return plain, status
}
