package vau

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
)

// LoadPrivateKeyPEM reads the server's static VAU private key from path.
// The PEM block holds the raw big-endian scalar D; X/Y are recovered via
// scalar-base-multiplication since brainpoolP256r1 has no stdlib
// x509/ECDSA key parser to lean on.
func LoadPrivateKeyPEM(path string) (*PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read VAU key file: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("VAU key file contains no PEM block")
	}

	d := new(big.Int).SetBytes(block.Bytes)
	curve := Curve()
	x, y := curve.ScalarBaseMult(d.Bytes())
	return &PrivateKey{D: d, X: x, Y: y}, nil
}

// LoadCertificatePEM reads the server's VAU transport certificate from
// path, advertised as-is by the /VAUCertificate endpoint.
func LoadCertificatePEM(path string) (*x509.Certificate, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read VAU certificate file: %w", err)
	}

	block, _ := pem.Decode(raw)
	der := raw
	if block != nil {
		der = block.Bytes
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse VAU certificate: %w", err)
	}
	return cert, der, nil
}
