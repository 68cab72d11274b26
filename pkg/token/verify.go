package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/metrics"
	"github.com/erx-fd/fachdienst/pkg/trust"
)

const expirySkew = 60 * time.Second

// expectedAlg is the only access-token signature algorithm this service
// accepts; any other alg header fails with TokenAlg.
const expectedAlg = "ES256"

// Verifier verifies compact access tokens against the IDP key of a trust
// snapshot handle, passed in explicitly rather than held as a singleton.
type Verifier struct {
	trustStore *trust.Store
}

// NewVerifier constructs a Verifier bound to a trust store handle.
func NewVerifier(trustStore *trust.Store) *Verifier {
	return &Verifier{trustStore: trustStore}
}

// Verify runs the ordered checks of §4.2, short-circuiting on the first
// failure. raw is the compact three-segment token without the "Bearer "
// prefix.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	snap := v.trustStore.Current()
	if snap == nil || snap.IDPSigningKey == nil {
		metrics.TokenVerificationsTotal.WithLabelValues("no_trust_snapshot").Inc()
		return nil, tokenInvalid("no trust snapshot available")
	}
	if snap.Expired(time.Now()) {
		metrics.TokenVerificationsTotal.WithLabelValues("tsl_expired").Inc()
		return nil, tokenInvalid("trust snapshot's TSL validity has lapsed")
	}

	var claims rawClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{expectedAlg}))
	parsed, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return snap.IDPSigningKey, nil
	})

	if err != nil {
		switch {
		case isAlgError(err) || (parsed != nil && parsed.Method != nil && parsed.Method.Alg() != expectedAlg):
			metrics.TokenVerificationsTotal.WithLabelValues("bad_alg").Inc()
			return nil, tokenInvalid("TokenAlg")
		case isSignatureError(err):
			metrics.TokenVerificationsTotal.WithLabelValues("bad_signature").Inc()
			return nil, tokenInvalid("TokenSig")
		case isExpiryError(err):
			metrics.TokenVerificationsTotal.WithLabelValues("expired").Inc()
			return nil, tokenInvalid("TokenExpired")
		default:
			metrics.TokenVerificationsTotal.WithLabelValues("malformed").Inc()
			return nil, tokenInvalid("malformed token")
		}
	}
	if !parsed.Valid {
		metrics.TokenVerificationsTotal.WithLabelValues("invalid").Inc()
		return nil, tokenInvalid("token not valid")
	}

	if err := checkSkew(claims.RegisteredClaims); err != nil {
		metrics.TokenVerificationsTotal.WithLabelValues("expired").Inc()
		return nil, tokenInvalid("TokenExpired")
	}

	role, ok := professionOIDRoles[claims.ProfessionOID]
	if !ok {
		metrics.TokenVerificationsTotal.WithLabelValues("bad_role").Inc()
		return nil, tokenInvalid("TokenRole")
	}

	if role == RoleInsured && !kvnrPattern.MatchString(claims.IDNummer) {
		metrics.TokenVerificationsTotal.WithLabelValues("bad_kvnr").Inc()
		return nil, tokenInvalid("TokenRole")
	}

	metrics.TokenVerificationsTotal.WithLabelValues("success").Inc()
	return &Claims{
		subject:     claims.Subject,
		role:        role,
		idNummer:    claims.IDNummer,
		telematikID: claims.TelematikID,
		displayName: joinName(claims.GivenName, claims.FamilyName),
	}, nil
}

func joinName(given, family string) string {
	if given == "" {
		return family
	}
	if family == "" {
		return given
	}
	return given + " " + family
}

// checkSkew enforces exp in the future and iat in the past with skew
// tolerance of expirySkew.
func checkSkew(c jwt.RegisteredClaims) error {
	now := time.Now()
	if c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time) {
		return fmt.Errorf("token expired")
	}
	if c.IssuedAt != nil && c.IssuedAt.Time.After(now.Add(expirySkew)) {
		return fmt.Errorf("token issued in the future beyond allowed skew")
	}
	return nil
}

func tokenInvalid(reason string) *apierror.Error {
	return apierror.New(apierror.CodeTokenInvalid, reason)
}

func isAlgError(err error) bool {
	return errors.Is(err, jwt.ErrTokenUnverifiable) && !errors.Is(err, jwt.ErrTokenSignatureInvalid)
}

func isSignatureError(err error) bool {
	return errors.Is(err, jwt.ErrTokenSignatureInvalid)
}

func isExpiryError(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired) ||
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued) ||
		errors.Is(err, jwt.ErrTokenNotValidYet)
}
