package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/openpgp"
)

const certificatePEMType = "CERTIFICATE"

// DefaultBridgeValidity is the lifetime of generated bridge certificates.
const DefaultBridgeValidity = 5 * 365 * 24 * time.Hour

// NewBridgeCertificate issues a self-signed X.509 certificate over the
// master key of e, for servers that authenticate clients by PKI. The result
// is PEM encoded.
func NewBridgeCertificate(e *openpgp.Entity, validity time.Duration) ([]byte, error) {
	if e.PrivateKey == nil || e.PrivateKey.Encrypted {
		return nil, errors.New("bridge certificate: master private key unavailable")
	}
	signer, ok := e.PrivateKey.PrivateKey.(stdcrypto.Signer)
	if !ok {
		return nil, errors.Errorf("bridge certificate: unsupported key type %T", e.PrivateKey.PrivateKey)
	}

	commonName := ""
	for name := range e.Identities {
		commonName = name
		break
	}

	fp := e.PrimaryKey.Fingerprint
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          new(big.Int).SetBytes(fp[:16]),
		Subject:               pkix.Name{CommonName: commonName, SerialNumber: e.PrimaryKey.KeyIdString()},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, errors.Wrap(err, "bridge certificate")
	}
	return pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der}), nil
}

func parseBridgeCertificate(raw []byte) (*x509.Certificate, []byte, error) {
	der := raw
	if block, _ := pem.Decode(bytes.TrimSpace(raw)); block != nil {
		if block.Type != certificatePEMType {
			return nil, nil, errors.Errorf("unexpected PEM type %q", block.Type)
		}
		der = block.Bytes
	}
	if len(der) == 0 {
		return nil, nil, errors.New("empty certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, der, nil
}

// TLSCertificate pairs the bridge certificate with the master private key
// for client authentication.
func (k *KeyMaterial) TLSCertificate() (tls.Certificate, error) {
	signer, ok := k.secret.PrivateKey.PrivateKey.(stdcrypto.Signer)
	if !ok {
		return tls.Certificate{}, errors.Errorf("bridge certificate: unsupported key type %T", k.secret.PrivateKey.PrivateKey)
	}
	return tls.Certificate{
		Certificate: [][]byte{k.BridgeCertificateDER()},
		PrivateKey:  signer,
		Leaf:        k.bridge,
	}, nil
}
