package task

import (
	"fmt"
	"time"

	"github.com/erx-fd/fachdienst/pkg/fhir"
)

// ReceiptSigner produces a CAdES signature over the canonical receipt
// bundle bytes, returning the signature blob and the signing
// certificate's DER bytes. It is supplied by the composition root so
// the engine never holds the service's private signing key directly.
type ReceiptSigner func(canonicalBundleBytes []byte) (signature []byte, signerCertDER []byte, err error)

// buildReceiptBundle constructs the FHIR Receipt bundle referencing t,
// containing a Composition of type "3" (dispense receipt) authored by
// the "ErxService" Device, and signs its canonical bytes.
func buildReceiptBundle(t *Task, when time.Time, sign ReceiptSigner) (*fhir.Bundle, *ReceiptSignature, error) {
	device := &fhir.Device{
		ResourceType: fhir.ResourceDevice,
		ID:           "erx-service",
		Identifier:   []fhir.Identifier{{Value: "ErxService"}},
		DeviceName:   []fhir.DeviceName{{Name: "ErxService", Type: "user-friendly-name"}},
	}

	composition := &fhir.Composition{
		ResourceType: fhir.ResourceComposition,
		ID:           "composition-" + t.ID,
		Status:       "final",
		Type:         &fhir.CodeableConcept{Text: "3"},
		Subject:      fhir.Reference{Reference: "Task/" + t.ID},
		Date:         when.Format(time.RFC3339),
		Author:       []fhir.Reference{{Reference: "Device/" + device.ID}},
	}

	bundle := &fhir.Bundle{
		ResourceType: fhir.ResourceBundle,
		ID:           "receipt-" + t.ID,
		Type:         "document",
		Timestamp:    when.Format(time.RFC3339),
		Entry: []fhir.BundleEntry{
			{FullURL: "urn:uuid:" + composition.ID, Resource: composition},
			{FullURL: "urn:uuid:" + device.ID, Resource: device},
		},
	}

	canonical := canonicalBundleBytes(bundle)
	signature, signerCertDER, err := sign(canonical)
	if err != nil {
		return nil, nil, fmt.Errorf("sign receipt bundle: %w", err)
	}
	if len(signature) == 0 {
		return nil, nil, fmt.Errorf("receipt signer returned an empty signature")
	}

	return bundle, &ReceiptSignature{SignerCertificateDER: signerCertDER, SignedAt: when}, nil
}

// canonicalBundleBytes renders the deterministic byte form of a bundle
// that the CAdES signature is computed over. A minimal, stable
// field-ordered encoding is used rather than the bundle's eventual wire
// JSON/XML, since the wire encoding is the external HTTP layer's concern.
func canonicalBundleBytes(b *fhir.Bundle) []byte {
	out := fmt.Sprintf("Bundle|%s|%s|%s", b.ID, b.Type, b.Timestamp)
	for _, e := range b.Entry {
		out += "|" + e.FullURL
	}
	return []byte(out)
}
