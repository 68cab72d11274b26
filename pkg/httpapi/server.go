// Package httpapi is the outer HTTP listener: it serves the VAU
// envelope endpoint, the unencrypted bootstrap endpoints (certificate
// distribution, randomness, health, metrics), and the inner FHIR
// surface the decrypted envelope carries.
package httpapi

import (
	"encoding/json"
	"encoding/pem"
	"net/http"
	"time"

	"github.com/erx-fd/fachdienst/pkg/cryptoutil"
	"github.com/erx-fd/fachdienst/pkg/manager"
	"github.com/erx-fd/fachdienst/pkg/metrics"
	"github.com/erx-fd/fachdienst/pkg/vau"
)

// vauWorkerPoolSize bounds concurrent envelope decrypt/encrypt work.
const vauWorkerPoolSize = 8

// Server is the outer HTTP listener, grounded on the teacher's
// http.ServeMux-plus-http.Server construction for its health endpoint.
type Server struct {
	mgr      *manager.Manager
	endpoint *vau.Endpoint
	mux      *http.ServeMux
}

// NewServer wires the VAU endpoint to the inner FHIR router and
// registers every outer route spec.md §6 names.
func NewServer(mgr *manager.Manager) *Server {
	router := newInnerRouter(mgr)
	endpoint := vau.NewEndpoint(mgr.VAUKey, router, vauWorkerPoolSize)

	s := &Server{mgr: mgr, endpoint: endpoint, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /VAU/{pseudonym}", s.handleVAU)
	s.mux.HandleFunc("GET /VAUCertificate", s.handleVAUCertificate)
	s.mux.HandleFunc("GET /VAUCertificateOCSPResponse", s.handleOCSPResponse)
	s.mux.HandleFunc("GET /OCSPList", s.handleOCSPList)
	s.mux.HandleFunc("GET /Random", s.handleRandom)
	s.mux.HandleFunc("GET /Health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// Start listens on addr, mirroring the teacher's HealthServer timeouts.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) handleVAU(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	respBody, status, err := s.endpoint.Process(r.Context(), body)
	if err != nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Userpseudonym", requestPseudonym(r))
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

// requestPseudonym echoes the path segment the client posted to, or
// mints a fresh one if the client used the literal "0" bootstrap value.
func requestPseudonym(r *http.Request) string {
	p := r.PathValue("pseudonym")
	if p != "" && p != "0" {
		return p
	}
	id, err := vau.NewRequestID()
	if err != nil {
		return p
	}
	return id
}

func (s *Server) handleVAUCertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/pkix-cert")
	_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: s.mgr.VAUCertDER})
}

// handleOCSPResponse and handleOCSPList are reference stubs: the
// contract requires the endpoints to exist (spec.md §6), but a real
// OCSP responder/CRL distribution point is operated outside this
// service.
func (s *Server) handleOCSPResponse(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

func (s *Server) handleOCSPList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode([]string{})
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	b, err := cryptoutil.RandomBytes(32)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(b)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
