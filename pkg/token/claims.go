// Package token verifies the compact access token that every inner FHIR
// request behind the VAU envelope presents, against the IDP key of the
// current trust snapshot, and exposes the verified claims opaquely to
// callers. The outer plaintext endpoints (/Health, /VAUCertificate,
// /VAUCertificateOCSPResponse, /OCSPList, /Random, /metrics) take no token.
package token

import (
	"regexp"

	"github.com/golang-jwt/jwt/v5"
)

// Role partitions verified callers into the professionOID-derived set.
type Role string

const (
	RoleInsured        Role = "insured"
	RolePhysician      Role = "physician"
	RoleDentist        Role = "dentist"
	RolePharmacy       Role = "pharmacy"
	RoleRepresentative Role = "representative"
)

// professionOIDRoles maps the professionOID claim's recognised values to
// a Role. Unrecognised OIDs fail verification with TokenRole.
var professionOIDRoles = map[string]Role{
	"1.2.276.0.76.4.49": RolePhysician,
	"1.2.276.0.76.4.31": RoleDentist,
	"1.2.276.0.76.4.50": RolePharmacy,
	"1.2.276.0.76.4.51": RoleInsured,
	"1.2.276.0.76.4.187": RoleRepresentative,
}

var kvnrPattern = regexp.MustCompile(`^[A-Z]\d{9}$`)

// rawClaims is the on-wire JWT claim set this service reads.
type rawClaims struct {
	jwt.RegisteredClaims
	ProfessionOID string `json:"professionOID"`
	IDNummer      string `json:"idNummer"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	TelematikID   string `json:"telematik_id"`
}

// Claims is the opaque, verified result of Verify. Callers use its
// accessors rather than reading the underlying token.
type Claims struct {
	subject     string
	role        Role
	idNummer    string
	telematikID string
	displayName string
}

// Role returns the caller's partitioned role.
func (c *Claims) Role() Role { return c.role }

// Subject returns the token subject claim.
func (c *Claims) Subject() string { return c.subject }

// KVNR returns the insured caller's patient identifier, or "" if the
// caller is not an insured-role token.
func (c *Claims) KVNR() string {
	if c.role == RoleInsured {
		return c.idNummer
	}
	return ""
}

// TelematikID returns the pharmacy/practitioner caller's Telematik-ID, or
// "" if absent.
func (c *Claims) TelematikID() string { return c.telematikID }

// DisplayName returns the caller's display name, if the IDP provided one.
func (c *Claims) DisplayName() string { return c.displayName }
