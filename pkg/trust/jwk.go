package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// jwkSet is the subset of RFC 7517 this service needs: the IDP publishes
// its current signing key as a single EC (P-256) JWK, matching the
// ES256 access-token signature algorithm C2 expects.
type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	// X5c, when present, carries the signer's certificate chain so its
	// leaf can be validated against the TSL-listed IDP issuers.
	X5c []string `json:"x5c,omitempty"`
}

// decodeBase64Flexible decodes s as standard or URL-safe base64, with or
// without padding, since TSL and JWK documents are inconsistent about it.
func decodeBase64Flexible(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// parseJWKSet parses a raw JWK-set document and returns the first
// recognised EC key along with its signer certificate, if the key
// carries one.
func parseJWKSet(raw []byte) (*ecdsa.PublicKey, string, *x509.Certificate, error) {
	var set jwkSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, "", nil, fmt.Errorf("parse JWK set: %w", err)
	}

	for _, k := range set.Keys {
		if k.Kty != "EC" || k.Crv != "P-256" {
			continue
		}

		xBytes, err := decodeBase64Flexible(k.X)
		if err != nil {
			return nil, "", nil, fmt.Errorf("decode JWK x: %w", err)
		}
		yBytes, err := decodeBase64Flexible(k.Y)
		if err != nil {
			return nil, "", nil, fmt.Errorf("decode JWK y: %w", err)
		}

		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(xBytes),
			Y:     new(big.Int).SetBytes(yBytes),
		}

		var signerCert *x509.Certificate
		if len(k.X5c) > 0 {
			der, err := decodeBase64Flexible(k.X5c[0])
			if err != nil {
				return nil, "", nil, fmt.Errorf("decode JWK x5c: %w", err)
			}
			signerCert, err = x509.ParseCertificate(der)
			if err != nil {
				return nil, "", nil, fmt.Errorf("parse JWK signer certificate: %w", err)
			}
		}

		return pub, k.Kid, signerCert, nil
	}

	return nil, "", nil, fmt.Errorf("no EC P-256 key found in JWK set")
}
