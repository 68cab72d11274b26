package httpapi

import (
	"net/http"
	"strconv"

	"github.com/erx-fd/fachdienst/pkg/metrics"
)

// requireUserAgent enforces the mandatory User-Agent header on every
// inner request: its absence is a 403 regardless of token validity
// (spec scenario S6), so it gates ahead of authentication.
func requireUserAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrumentHTTP records fd_http_requests_total and
// fd_http_request_duration_seconds for every inner dispatch. The route
// label comes from mux's own pattern match (mux.Handler, Go's enhanced
// ServeMux) rather than the raw URL path, keeping cardinality bounded
// even though Task/Communication IDs appear in the path.
func instrumentHTTP(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		timer := metrics.NewTimer()
		next.ServeHTTP(w, r)

		status := http.StatusOK
		if rec, ok := w.(*recorder); ok {
			status = rec.statusCode
		}
		metrics.HTTPRequestsTotal.WithLabelValues(pattern, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, pattern)
	})
}
