package trust

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// tslDocument is the minimal shape of the Trust Service List XML this
// service needs: the issuer certificates it lists, partitioned by the
// service-type role each one plays, and the document's own declared
// validity window.
type tslDocument struct {
	NextUpdate     time.Time
	IDPIssuers     []*x509.Certificate
	QESIssuers     []*x509.Certificate
	CACerts        []*x509.Certificate
	TSLSignerCerts []*x509.Certificate
}

// parseAndVerifyTSL validates the XAdES enveloped signature of raw against
// anchor, then extracts the trust service entries. The signature check
// happens before any trust-list content is read from the document.
func parseAndVerifyTSL(raw []byte, anchor *x509.Certificate) (*tslDocument, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse TSL XML: %w", err)
	}

	certStore := dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{anchor},
	}
	validationCtx := dsig.NewDefaultValidationContext(&certStore)
	validated, err := validationCtx.Validate(doc.Root())
	if err != nil {
		return nil, fmt.Errorf("validate XAdES signature: %w", err)
	}

	return extractTSLEntries(validated)
}

// extractTSLEntries walks the validated TSL element tree, collecting the
// issuer certificates per trust-service role. The document's schema
// carries one TrustServiceProvider/TSPService element per issuer; each
// ServiceTypeIdentifier element's text classifies its role, and the
// X509Certificate element (PEM or base64 DER) within it is the
// certificate the role trusts.
func extractTSLEntries(root *etree.Element) (*tslDocument, error) {
	out := &tslDocument{}

	if nu := root.FindElement(".//NextUpdate"); nu != nil {
		if t, err := time.Parse(time.RFC3339, nu.Text()); err == nil {
			out.NextUpdate = t
		}
	}

	for _, svc := range root.FindElements(".//TSPService") {
		roleElem := svc.FindElement(".//ServiceTypeIdentifier")
		certElem := svc.FindElement(".//X509Certificate")
		if roleElem == nil || certElem == nil {
			continue
		}

		cert, err := parseX509CertificateText(certElem.Text())
		if err != nil {
			return nil, fmt.Errorf("parse TSP certificate: %w", err)
		}

		switch roleElem.Text() {
		case "http://uri.etsi.org/TrstSvc/Svctype/IdV":
			out.IDPIssuers = append(out.IDPIssuers, cert)
		case "http://uri.etsi.org/TrstSvc/Svctype/CA/QC":
			out.QESIssuers = append(out.QESIssuers, cert)
			out.CACerts = append(out.CACerts, cert)
		default:
			out.CACerts = append(out.CACerts, cert)
		}
	}

	return out, nil
}

// parseX509CertificateText decodes a certificate that may appear either
// PEM-wrapped or as bare base64 DER within the TSL document.
func parseX509CertificateText(text string) (*x509.Certificate, error) {
	if block, _ := pem.Decode([]byte(text)); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}
	der, err := decodeBase64Flexible(text)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
