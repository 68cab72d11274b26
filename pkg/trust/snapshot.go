// Package trust maintains the trust-service-list-anchored view of who the
// system trusts: the IDP signing key access-token verification checks
// against, and the QES-issuer pool signature verification chains against.
// Everything is published through an atomically replaced Snapshot so
// readers never observe a torn store.
package trust

import (
	"crypto"
	"crypto/x509"
	"time"
)

// Snapshot is an immutable, point-in-time view of the trust store. A
// reader takes a reference to the current snapshot at the start of its
// logical operation and keeps using it to completion.
type Snapshot struct {
	TrustAnchor    *x509.Certificate
	TSLSignerCerts []*x509.Certificate
	CACerts        []*x509.Certificate
	IDPSigningKey  crypto.PublicKey
	IDPKeyID       string
	QESIssuerCerts []*x509.Certificate
	FetchedAt      time.Time
	NextRefreshAt  time.Time
	// TSLExpiresAt is the TSL document's own declared expiry ("NextUpdate").
	// It is fatal for new requests once passed, but an in-flight request
	// that already took a reference to this snapshot is unaffected.
	TSLExpiresAt time.Time
}

// Expired reports whether the snapshot's TSL validity has lapsed.
func (s *Snapshot) Expired(now time.Time) bool {
	if s.TSLExpiresAt.IsZero() {
		return false
	}
	return now.After(s.TSLExpiresAt)
}

// IsQESIssuer reports whether cert was issued by one of the snapshot's
// QES-issuer certificates, i.e. cert's signature verifies under one of
// their public keys. Issuer and subject names are not compared.
func (s *Snapshot) IsQESIssuer(cert *x509.Certificate) bool {
	for _, issuer := range s.QESIssuerCerts {
		if err := cert.CheckSignatureFrom(issuer); err == nil {
			return true
		}
	}
	return false
}
