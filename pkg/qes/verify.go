package qes

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/metrics"
	"github.com/erx-fd/fachdienst/pkg/trust"
)

// oidSigningTime is the PKCS#9 signingTime authenticated-attribute OID
// CAdES signatures carry.
var oidSigningTime = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

// signingTimeSkew is the maximum tolerated future skew for a CMS
// signing-time attribute.
const signingTimeSkew = 5 * time.Minute

// VerifiedBundle is C4's success output: the KBV bundle bytes, the
// signer's identity, and the signing timestamp.
type VerifiedBundle struct {
	Content      []byte
	SignerCert   *x509.Certificate
	SigningTime  time.Time
	TelematikID  string
}

// Verifier checks CMS/CAdES signatures over KBV bundles against the
// current trust snapshot, throttling repeated untrusted-signer failures
// per caller identity.
type Verifier struct {
	trustStore *trust.Store
	counter    *FailureCounter
}

// NewVerifier constructs a Verifier with the given throttle threshold
// and window (§4.4's qes_failure_threshold / qes_failure_window).
func NewVerifier(trustStore *trust.Store, threshold int, window time.Duration) *Verifier {
	return &Verifier{
		trustStore: trustStore,
		counter:    NewFailureCounter(threshold, window),
	}
}

// Verify runs the ordered checks of §4.4 for a signature attributed to
// telematikID, short-circuiting on throttle before touching any crypto.
func (v *Verifier) Verify(telematikID string, cms []byte) (*VerifiedBundle, error) {
	if throttled, retryAfter := v.counter.Throttled(telematikID); throttled {
		metrics.QESThrottledTotal.Inc()
		return nil, apierror.Throttled(int(retryAfter.Seconds()) + 1)
	}

	p7, err := pkcs7.Parse(cms)
	if err != nil {
		metrics.QESVerificationsTotal.WithLabelValues("parse_error").Inc()
		return nil, apierror.Wrap(apierror.CodeQESInvalid, "malformed CMS signed-data", err)
	}

	if err := p7.Verify(); err != nil {
		metrics.QESVerificationsTotal.WithLabelValues("signature_invalid").Inc()
		return nil, apierror.Wrap(apierror.CodeQESInvalid, "CMS signature integrity check failed", err)
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		metrics.QESVerificationsTotal.WithLabelValues("no_signer").Inc()
		return nil, apierror.New(apierror.CodeQESInvalid, "CMS carries no identifiable signer certificate")
	}

	snap := v.trustStore.Current()
	if snap == nil || !snap.IsQESIssuer(signer) {
		v.recordUntrustedFailure(telematikID)
		return nil, apierror.New(apierror.CodeQESInvalid, "signer certificate does not chain to a trusted QES issuer")
	}

	signTime, err := extractSigningTime(p7)
	if err != nil {
		v.recordUntrustedFailure(telematikID)
		return nil, apierror.Wrap(apierror.CodeQESInvalid, "missing or malformed signing-time attribute", err)
	}
	if err := checkSigningTimeWindow(signTime, signer); err != nil {
		v.recordUntrustedFailure(telematikID)
		return nil, apierror.Wrap(apierror.CodeQESInvalid, "signing time outside certificate validity", err)
	}

	if err := checkRevocation(signer); err != nil {
		v.recordUntrustedFailure(telematikID)
		return nil, apierror.Wrap(apierror.CodeQESInvalid, "signer certificate revoked or unknown", err)
	}

	v.counter.Reset(telematikID)
	metrics.QESVerificationsTotal.WithLabelValues("success").Inc()
	return &VerifiedBundle{
		Content:     p7.Content,
		SignerCert:  signer,
		SigningTime: signTime,
		TelematikID: telematikID,
	}, nil
}

// recordUntrustedFailure increments the throttle counter for a
// format-valid-but-untrusted signature, per §4.4.
func (v *Verifier) recordUntrustedFailure(telematikID string) {
	metrics.QESVerificationsTotal.WithLabelValues("untrusted").Inc()
	v.counter.RecordFailure(telematikID)
}

// extractSigningTime scans the signer's authenticated attributes for the
// PKCS#9 signingTime attribute.
func extractSigningTime(p7 *pkcs7.PKCS7) (time.Time, error) {
	for _, signer := range p7.Signers {
		for _, attr := range signer.AuthenticatedAttributes {
			if !attr.Type.Equal(oidSigningTime) {
				continue
			}
			var t time.Time
			if _, err := asn1.Unmarshal(attr.Value.Bytes, &t); err != nil {
				return time.Time{}, fmt.Errorf("decode signingTime: %w", err)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no signingTime attribute present")
}

// checkSigningTimeWindow verifies the signing time falls within the
// signer certificate's validity window and is not in the future by more
// than the allowed skew.
func checkSigningTimeWindow(signTime time.Time, cert *x509.Certificate) error {
	if signTime.Before(cert.NotBefore) {
		return fmt.Errorf("signing time %s precedes certificate validity start %s", signTime, cert.NotBefore)
	}
	if signTime.After(cert.NotAfter) {
		return fmt.Errorf("signing time %s is after certificate validity end %s", signTime, cert.NotAfter)
	}
	if signTime.After(time.Now().Add(signingTimeSkew)) {
		return fmt.Errorf("signing time %s is too far in the future", signTime)
	}
	return nil
}
