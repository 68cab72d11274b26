package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
)

// recorder is a minimal http.ResponseWriter that buffers a response so
// it can be serialised into the VAU plaintext the outer endpoint
// encrypts, rather than being written to a live connection.
type recorder struct {
	header     http.Header
	statusCode int
	body       bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), statusCode: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *recorder) WriteHeader(statusCode int) { r.statusCode = statusCode }

// raw renders the buffered response as a wire HTTP/1.1 response: a
// status line, headers, a blank line, then the body.
func (r *recorder) raw() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", r.statusCode, http.StatusText(r.statusCode))
	r.header.Set("Content-Length", strconv.Itoa(r.body.Len()))
	if err := r.header.Write(&buf); err != nil {
		// http.Header.Write only fails on a broken io.Writer; bytes.Buffer
		// never returns an error from Write.
		panic(err)
	}
	buf.WriteString("\r\n")
	buf.Write(r.body.Bytes())
	return buf.Bytes()
}
