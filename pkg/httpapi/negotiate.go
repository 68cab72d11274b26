package httpapi

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"

	"github.com/erx-fd/fachdienst/pkg/apierror"
)

// maxInnerBodyBytes is the §5 cap on a decoded inner request body.
const maxInnerBodyBytes = 1 << 20

// format names the inner FHIR wire encoding a request selected, per
// _format, Accept, or Content-Type, in that precedence order.
type format string

const (
	formatJSON format = "json"
	formatXML  format = "xml"
)

func negotiateFormat(r *http.Request) format {
	if q := r.URL.Query().Get("_format"); q != "" {
		if strings.Contains(q, "xml") {
			return formatXML
		}
		return formatJSON
	}
	if strings.Contains(r.Header.Get("Accept"), "xml") {
		return formatXML
	}
	if strings.Contains(r.Header.Get("Content-Type"), "xml") {
		return formatXML
	}
	return formatJSON
}

func contentType(f format) string {
	if f == formatXML {
		return "application/fhir+xml"
	}
	return "application/fhir+json"
}

// decodeBody reads and unmarshals r's body, capped at the §5 inbound
// size limit, into v using the request's declared Content-Type.
func decodeBody(r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxInnerBodyBytes)
	defer r.Body.Close()

	if strings.Contains(r.Header.Get("Content-Type"), "xml") {
		return xml.NewDecoder(r.Body).Decode(v)
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// writeResource renders v as the negotiated FHIR encoding with the
// given HTTP status.
func writeResource(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	f := negotiateFormat(r)
	w.Header().Set("Content-Type", contentType(f))
	w.WriteHeader(status)
	if f == formatXML {
		_ = xml.NewEncoder(w).Encode(v)
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the §7 error taxonomy mapping: the HTTP
// status the typed error carries, with an OperationOutcome body for
// every code (the inner HTTP layer always has a body to send, per §7).
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := apierror.As(err)
	if !ok {
		apiErr = apierror.Wrap(apierror.CodeInternal, "unclassified internal error", err)
	}
	if apiErr.Code == apierror.CodeThrottled && apiErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
	}
	writeResource(w, r, apiErr.HTTPStatus(), apiErr.OperationOutcome())
}
