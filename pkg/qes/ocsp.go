package qes

import (
	"crypto/x509"

	"golang.org/x/crypto/ocsp"
)

// RevocationChecker abstracts certificate revocation status checking so
// the reference implementation's stub can be swapped for a real
// OCSP/CRL client without touching Verify's call sites.
type RevocationChecker interface {
	Check(cert *x509.Certificate) error
}

// stubRevocationChecker always reports a certificate as good; the
// contract includes revocation checking per §4.4 but the reference
// implementation does not reach an external OCSP responder.
type stubRevocationChecker struct{}

func (stubRevocationChecker) Check(cert *x509.Certificate) error {
	return nil
}

var defaultRevocationChecker RevocationChecker = stubRevocationChecker{}

// checkRevocation delegates to the package's configured RevocationChecker.
func checkRevocation(cert *x509.Certificate) error {
	return defaultRevocationChecker.Check(cert)
}

// ParseOCSPResponse decodes a raw OCSP response against the issuer
// certificate. Nothing in this module calls it; the
// /VAUCertificateOCSPResponse and /OCSPList endpoints do not serve OCSP
// material.
func ParseOCSPResponse(der []byte, issuer *x509.Certificate) (*ocsp.Response, error) {
	return ocsp.ParseResponse(der, issuer)
}
