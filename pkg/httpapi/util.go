package httpapi

import (
	"io"
	"net/http"
	"strconv"
)

// readAll reads r's body capped at the §5 inbound size limit.
func readAll(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxInnerBodyBytes)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
