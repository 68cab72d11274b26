package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func selfSignedCA(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, key
}

func issuedLeaf(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse leaf certificate: %v", err)
	}
	return cert
}

func TestSnapshotExpiredReportsPastNextUpdate(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	snap := &Snapshot{TSLExpiresAt: now.Add(-time.Minute)}
	if !snap.Expired(now) {
		t.Fatal("expected snapshot past its declared expiry to report expired")
	}

	snap2 := &Snapshot{TSLExpiresAt: now.Add(time.Minute)}
	if snap2.Expired(now) {
		t.Fatal("expected snapshot before its declared expiry to not report expired")
	}
}

func TestSnapshotNeverExpiresWithoutDeclaredExpiry(t *testing.T) {
	snap := &Snapshot{}
	if snap.Expired(time.Now().AddDate(100, 0, 0)) {
		t.Fatal("expected a snapshot with no TSLExpiresAt to never report expired")
	}
}

func TestSnapshotIsQESIssuerMatchesIssuedCertificate(t *testing.T) {
	ca, caKey := selfSignedCA(t, "Test Issuer CA")
	leaf := issuedLeaf(t, ca, caKey)

	snap := &Snapshot{QESIssuerCerts: []*x509.Certificate{ca}}
	if !snap.IsQESIssuer(leaf) {
		t.Fatal("expected leaf signed by the trusted CA to be recognised as a QES issuer")
	}
}

func TestSnapshotIsQESIssuerRejectsUnrelatedCertificate(t *testing.T) {
	ca, _ := selfSignedCA(t, "Test Issuer CA")
	otherCA, otherKey := selfSignedCA(t, "Other CA")
	leaf := issuedLeaf(t, otherCA, otherKey)

	snap := &Snapshot{QESIssuerCerts: []*x509.Certificate{ca}}
	if snap.IsQESIssuer(leaf) {
		t.Fatal("expected leaf signed by an untrusted CA to be rejected")
	}
}

func TestNewStoreWithSnapshotExposesCurrent(t *testing.T) {
	snap := &Snapshot{FetchedAt: time.Now()}
	store := NewStoreWithSnapshot(snap)
	if store.Current() != snap {
		t.Fatal("expected Current to return the exact snapshot passed in")
	}
}
