package task

// Role mirrors the access-token verifier's role partition. Defined here
// independently (rather than importing pkg/token) so the engine's
// authorisation matrix has no dependency on how the caller was
// authenticated.
type Role string

const (
	RoleInsured        Role = "insured"
	RolePhysician      Role = "physician"
	RoleDentist        Role = "dentist"
	RolePharmacy       Role = "pharmacy"
	RoleRepresentative Role = "representative"
)

// Caller is the authenticated identity an operation is performed as,
// along with any capability tokens (access code / secret) it presented.
type Caller struct {
	Role        Role
	Subject     string
	KVNR        string
	TelematikID string
	AccessCode  string
	Secret      string
}
