package manager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/digitorus/pkcs7"
)

// receiptSigner holds the service's own signing identity, used to
// produce the CAdES signature over every $close receipt bundle. The
// identity is a fresh self-signed ECDSA P-256 keypair generated at
// startup rather than a QES credential: the service signs its own
// receipts, it does not hold a regulator-issued signing certificate.
type receiptSigner struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newReceiptSigner() (*receiptSigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate receipt signing key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "ErxService receipt signing"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-sign receipt certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse self-signed receipt certificate: %w", err)
	}

	return &receiptSigner{cert: cert, key: key}, nil
}

// sign implements task.ReceiptSigner: it produces a detached CAdES
// signature over the canonical receipt bundle bytes using the same CMS
// library C4 verifies QES signatures with.
func (s *receiptSigner) sign(canonicalBundleBytes []byte) ([]byte, []byte, error) {
	signedData, err := pkcs7.NewSignedData(canonicalBundleBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("construct CMS signed-data: %w", err)
	}
	if err := signedData.AddSigner(s.cert, s.key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, nil, fmt.Errorf("add receipt signer: %w", err)
	}
	signedData.Detach()

	signature, err := signedData.Finish()
	if err != nil {
		return nil, nil, fmt.Errorf("finish CMS signature: %w", err)
	}
	return signature, s.cert.Raw, nil
}
