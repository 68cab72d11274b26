package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/manager"
	"github.com/erx-fd/fachdienst/pkg/task"
	"github.com/erx-fd/fachdienst/pkg/vau"
)

// innerRouter implements vau.Handler: it parses the decrypted inner
// HTTP request bytes, dispatches them over the FHIR surface, and
// serialises the result back to bytes for the envelope to encrypt.
type innerRouter struct {
	mgr *manager.Manager
	mux http.Handler
}

func newInnerRouter(mgr *manager.Manager) *innerRouter {
	mux := http.NewServeMux()
	h := &handlers{mgr: mgr}

	mux.HandleFunc("GET /metadata", h.metadata)

	mux.HandleFunc("POST /Task/$create", h.taskCreate)
	mux.HandleFunc("POST /Task/{id}/$activate", h.taskActivate)
	mux.HandleFunc("POST /Task/{id}/$accept", h.taskAccept)
	mux.HandleFunc("POST /Task/{id}/$reject", h.taskReject)
	mux.HandleFunc("POST /Task/{id}/$close", h.taskClose)
	mux.HandleFunc("POST /Task/{id}/$abort", h.taskAbort)
	mux.HandleFunc("GET /Task/{id}", h.taskGet)
	mux.HandleFunc("GET /Task", h.taskList)

	mux.HandleFunc("POST /Communication", h.communicationCreate)
	mux.HandleFunc("GET /Communication/{id}", h.communicationGet)
	mux.HandleFunc("GET /Communication", h.communicationList)
	mux.HandleFunc("DELETE /Communication/{id}", h.communicationDelete)

	mux.HandleFunc("GET /AuditEvent/{id}", h.auditEventGet)
	mux.HandleFunc("GET /AuditEvent", h.auditEventList)

	mux.HandleFunc("GET /MedicationDispense/{id}", h.medicationDispenseGet)
	mux.HandleFunc("GET /MedicationDispense", h.medicationDispenseList)

	return &innerRouter{mgr: mgr, mux: instrumentHTTP(mux, requireUserAgent(mux))}
}

// tokenFailureKey is the context key carrying a box that authenticate
// populates when bearer-token verification fails. Token failure is an
// outer-layer concern (§4.3/§7 classify it as an outer 401, unlike
// authz-denied or not-found, which stay inner and get encrypted), but
// it is only detected once a handler actually runs authenticate. ServeInner
// inspects the box after dispatch and, if set, discards the recorded
// inner response and surfaces the failure as an outer status instead.
type tokenFailureKey struct{}

type tokenFailureBox struct {
	err error
}

// ServeInner implements vau.Handler: it parses the decrypted inner HTTP
// request, dispatches it through the FHIR mux, and serialises the
// recorded response back into raw HTTP/1.1 bytes for the envelope to
// encrypt. A bearer-token failure is surfaced as an error instead of an
// encrypted inner response, so Process renders it as an outer status.
func (ir *innerRouter) ServeInner(ctx context.Context, req *vau.InnerRequest) ([]byte, error) {
	httpReq, err := parseInner(req.HTTPPayload, req.BearerToken)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeEnvelopeMalformed, "malformed inner HTTP request", err)
	}

	box := &tokenFailureBox{}
	ctx = context.WithValue(ctx, tokenFailureKey{}, box)
	httpReq = httpReq.WithContext(ctx)

	rec := newRecorder()
	ir.mux.ServeHTTP(rec, httpReq)
	if box.err != nil {
		return nil, box.err
	}
	return rec.raw(), nil
}

// authenticate parses the Authorization: Bearer token and the
// X-AccessCode capability header into a task.Caller. The access-code
// and secret capabilities share the single header spec.md §6 names;
// whichever one an operation actually checks is the one that matters.
func (h *handlers) authenticate(r *http.Request) (task.Caller, error) {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		err := apierror.New(apierror.CodeTokenInvalid, "missing bearer token")
		recordTokenFailure(r, err)
		return task.Caller{}, err
	}
	raw := strings.TrimPrefix(authz, prefix)

	claims, err := h.mgr.TokenVerifier.Verify(raw)
	if err != nil {
		recordTokenFailure(r, err)
		return task.Caller{}, err
	}
	return manager.CallerFromClaims(claims, r.Header.Get("X-AccessCode")), nil
}

// recordTokenFailure stashes a bearer-token failure on the request's
// tokenFailureBox, if ServeInner installed one, so it can be surfaced as
// an outer status once the mux dispatch returns.
func recordTokenFailure(r *http.Request, err error) {
	if box, ok := r.Context().Value(tokenFailureKey{}).(*tokenFailureBox); ok {
		box.err = err
	}
}

// parseInner parses raw inner HTTP request bytes, injecting the VAU
// plaintext header's bearer token as the Authorization header when the
// inner request did not carry one itself.
func parseInner(payload []byte, bearerToken string) (*http.Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(payload)))
	if err != nil {
		return nil, err
	}
	if req.Header.Get("Authorization") == "" && bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	return req, nil
}
