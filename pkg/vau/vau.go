package vau

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/erx-fd/fachdienst/pkg/apierror"
	"github.com/erx-fd/fachdienst/pkg/cryptoutil"
	"github.com/erx-fd/fachdienst/pkg/metrics"
)

// InnerRequest is the decrypted plaintext request the envelope carried,
// handed to the routing layer (external to this package) for dispatch.
type InnerRequest struct {
	BearerToken string
	RequestID   string
	ResponseKey []byte
	HTTPPayload []byte
}

// Handler routes a decrypted InnerRequest to the application's HTTP
// handling and returns the raw inner HTTP response bytes to encrypt.
// Implemented by the routing layer; this package only owns the envelope.
type Handler interface {
	ServeInner(ctx context.Context, req *InnerRequest) ([]byte, error)
}

// Endpoint decrypts inbound VAU envelopes, dispatches to Handler, and
// encrypts the response. Decryption/encryption run on a bounded worker
// pool since they are CPU-bound; the static VAU key is read-only, so no
// per-key serialisation is required.
type Endpoint struct {
	serverKey *PrivateKey
	handler   Handler
	workers   chan struct{}
}

// NewEndpoint constructs an Endpoint with a worker pool of the given
// size bounding concurrent envelope processing.
func NewEndpoint(serverKey *PrivateKey, handler Handler, poolSize int) *Endpoint {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Endpoint{
		serverKey: serverKey,
		handler:   handler,
		workers:   make(chan struct{}, poolSize),
	}
}

// Process decrypts raw, dispatches it, and returns the encrypted
// response bytes along with the outer HTTP status to use (inner handler
// statuses are encrypted as-is; malformed/decrypt/auth failures surface
// as outer statuses per §4.3).
func (e *Endpoint) Process(ctx context.Context, raw []byte) ([]byte, int, error) {
	e.workers <- struct{}{}
	defer func() { <-e.workers }()
	metrics.VAUWorkerPoolSaturation.Inc()
	defer metrics.VAUWorkerPoolSaturation.Dec()

	timer := metrics.NewTimer()
	env, err := parseInbound(raw)
	if err != nil {
		metrics.VAURequestsTotal.WithLabelValues("malformed").Inc()
		return nil, 400, apierror.Wrap(apierror.CodeEnvelopeMalformed, "malformed VAU envelope", err)
	}

	key, err := deriveSymmetricKey(e.serverKey, env.ephemeralX, env.ephemeralY)
	if err != nil {
		metrics.VAURequestsTotal.WithLabelValues("key_derivation_failed").Inc()
		return nil, 400, apierror.Wrap(apierror.CodeDecryptFailed, "key derivation failed", err)
	}

	plaintext, err := cryptoutil.OpenAESGCM(key, env.ivCiphertextTag, nil)
	if err != nil {
		metrics.VAURequestsTotal.WithLabelValues("decrypt_failed").Inc()
		return nil, 400, apierror.Wrap(apierror.CodeDecryptFailed, "envelope decryption failed", err)
	}
	timer.ObserveDuration(metrics.VAUDecryptDuration)

	inner, err := parsePlaintext(plaintext)
	if err != nil {
		metrics.VAURequestsTotal.WithLabelValues("malformed_plaintext").Inc()
		return nil, 400, apierror.Wrap(apierror.CodeEnvelopeMalformed, "malformed VAU plaintext", err)
	}

	respBody, err := e.handler.ServeInner(ctx, inner)
	if err != nil {
		metrics.VAURequestsTotal.WithLabelValues("handler_error").Inc()
		status := 500
		if apiErr, ok := apierror.As(err); ok {
			status = apiErr.HTTPStatus()
		}
		return nil, status, err
	}

	outerPlaintext := buildResponsePlaintext(inner.RequestID, respBody)

	encTimer := metrics.NewTimer()
	sealed, err := cryptoutil.SealAESGCM(inner.ResponseKey, outerPlaintext, nil)
	if err != nil {
		metrics.VAURequestsTotal.WithLabelValues("encrypt_failed").Inc()
		return nil, 500, apierror.Wrap(apierror.CodeInternal, "response encryption failed", err)
	}
	encTimer.ObserveDuration(metrics.VAUEncryptDuration)

	metrics.VAURequestsTotal.WithLabelValues("success").Inc()
	return sealed, 200, nil
}

// parsePlaintext splits the VAU plaintext header
// "1 <bearer-token> <request-id> <response-key>\r\n" from the inner HTTP
// request bytes that follow it. request-id and response-key are each 32
// bytes written as 64 hex characters.
func parsePlaintext(plaintext []byte) (*InnerRequest, error) {
	idx := strings.Index(string(plaintext), "\r\n")
	if idx < 0 {
		return nil, fmt.Errorf("plaintext missing header terminator")
	}
	header := string(plaintext[:idx])
	fields := strings.Fields(header)
	if len(fields) != 4 {
		return nil, fmt.Errorf("malformed plaintext header: expected 4 fields, got %d", len(fields))
	}
	if fields[0] != "1" {
		return nil, fmt.Errorf("unsupported plaintext header version %q", fields[0])
	}

	requestID := fields[2]
	if len(requestID) != 64 {
		return nil, fmt.Errorf("request-id must be 32 bytes hex, got %d hex chars", len(requestID))
	}
	responseKey, err := hex.DecodeString(fields[3])
	if err != nil || len(responseKey) != 32 {
		return nil, fmt.Errorf("response-key must be 32 bytes hex: %w", err)
	}

	return &InnerRequest{
		BearerToken: fields[1],
		RequestID:   requestID,
		ResponseKey: responseKey,
		HTTPPayload: plaintext[idx+2:],
	}, nil
}

// buildResponsePlaintext prepends the
// "1 <request-id>\r\n" header to the inner HTTP response bytes.
func buildResponsePlaintext(requestID string, innerResponse []byte) []byte {
	header := fmt.Sprintf("1 %s\r\n", requestID)
	out := make([]byte, 0, len(header)+len(innerResponse))
	out = append(out, header...)
	out = append(out, innerResponse...)
	return out
}

// NewRequestID returns a fresh 32-byte hex request identifier, suitable
// for the Userpseudonym header and the plaintext header's request-id
// field.
func NewRequestID() (string, error) {
	return cryptoutil.RandomHex(32)
}
