package trust

import "github.com/erx-fd/fachdienst/pkg/apierror"

// ErrTSLSignatureInvalid is returned when the fetched TSL document's
// XAdES signature does not verify against the bootstrap trust anchor.
func ErrTSLSignatureInvalid(cause error) *apierror.Error {
	return apierror.Wrap(apierror.CodeInternal, "TSLSignatureInvalid", cause)
}

// ErrTSLExpired is returned when the current snapshot's TSL validity has
// lapsed and no fresher snapshot could be fetched to replace it.
func ErrTSLExpired() *apierror.Error {
	return apierror.New(apierror.CodeInternal, "TSLExpired")
}

// ErrIDPKeyUnknown is returned when the IDP's signing certificate cannot
// be validated against the TSL-listed IDP issuers.
func ErrIDPKeyUnknown(cause error) *apierror.Error {
	return apierror.Wrap(apierror.CodeInternal, "IDPKeyUnknown", cause)
}
