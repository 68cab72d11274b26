package vau

import (
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/erx-fd/fachdienst/pkg/cryptoutil"
)

// sealClientEnvelope builds a raw inbound envelope the way a client
// would: generate an ephemeral keypair, ECDH with the server's public
// key, HKDF-derive the symmetric key, then AES-256-GCM-seal plaintext.
func sealClientEnvelope(t *testing.T, serverKey *PrivateKey, plaintext []byte) []byte {
	t.Helper()
	curve := Curve()

	ephPriv, ephX, ephY, err := elliptic.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generate ephemeral key: %v", err)
	}

	sharedX, _ := curve.ScalarMult(serverKey.X, serverKey.Y, ephPriv)
	key, err := hkdfDerive(sharedX.Bytes())
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	sealed, err := cryptoutil.SealAESGCM(key, plaintext, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	point := ephemeralPublicKeyBytes(curve, ephX.Bytes(), ephY.Bytes())

	raw := make([]byte, 0, 1+len(point)+len(sealed))
	raw = append(raw, envelopeVersion)
	raw = append(raw, point...)
	raw = append(raw, sealed...)
	return raw
}

func TestEnvelopeRoundTrip(t *testing.T) {
	serverKey, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}

	plaintext := []byte("1 bearer-token-xyz 1111111111111111111111111111111111111111111111111111111111111111 2222222222222222222222222222222222222222222222222222222222222222\r\nGET /metadata HTTP/1.1\r\n\r\n")
	raw := sealClientEnvelope(t, serverKey, plaintext)

	env, err := parseInbound(raw)
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}

	key, err := deriveSymmetricKey(serverKey, env.ephemeralX, env.ephemeralY)
	if err != nil {
		t.Fatalf("deriveSymmetricKey: %v", err)
	}

	got, err := cryptoutil.OpenAESGCM(key, env.ivCiphertextTag, nil)
	if err != nil {
		t.Fatalf("OpenAESGCM: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("roundtrip mismatch:\ngot  %q\nwant %q", got, plaintext)
	}
}

func TestEnvelopeBitFlipDetected(t *testing.T) {
	serverKey, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}

	raw := sealClientEnvelope(t, serverKey, []byte("1 tok 1111111111111111111111111111111111111111111111111111111111111111 2222222222222222222222222222222222222222222222222222222222222222\r\nbody"))

	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0xFF

	env, err := parseInbound(tampered)
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	key, err := deriveSymmetricKey(serverKey, env.ephemeralX, env.ephemeralY)
	if err != nil {
		t.Fatalf("deriveSymmetricKey: %v", err)
	}
	if _, err := cryptoutil.OpenAESGCM(key, env.ivCiphertextTag, nil); err == nil {
		t.Fatal("expected tampered envelope to fail decryption")
	}
}

func TestParseInboundRejectsWrongVersion(t *testing.T) {
	raw := make([]byte, 1+pointLen+ivLen+tagLen)
	raw[0] = 0x02
	if _, err := parseInbound(raw); err == nil {
		t.Fatal("expected unsupported version to be rejected")
	}
}

func TestParseInboundRejectsShortEnvelope(t *testing.T) {
	if _, err := parseInbound([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected short envelope to be rejected")
	}
}

func TestParsePlaintextRoundTrip(t *testing.T) {
	requestID := "1111111111111111111111111111111111111111111111111111111111111111"[:64]
	responseKey := "2222222222222222222222222222222222222222222222222222222222222222"[:64]
	plaintext := []byte("1 mytoken " + requestID + " " + responseKey + "\r\nGET / HTTP/1.1\r\n\r\n")

	inner, err := parsePlaintext(plaintext)
	if err != nil {
		t.Fatalf("parsePlaintext: %v", err)
	}
	if inner.BearerToken != "mytoken" {
		t.Fatalf("bearer token mismatch: %q", inner.BearerToken)
	}
	if inner.RequestID != requestID {
		t.Fatalf("request id mismatch: %q", inner.RequestID)
	}
	if len(inner.ResponseKey) != 32 {
		t.Fatalf("expected 32-byte response key, got %d", len(inner.ResponseKey))
	}
}
