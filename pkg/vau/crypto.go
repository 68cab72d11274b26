package vau

import (
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the fixed context label the key derivation binds to,
// separating VAU transport keys from any other use of the same ECDH
// shared secret.
var hkdfInfo = []byte("erx-fd VAU transport key v1")

// deriveSymmetricKey runs ECDH of serverKey with the client's ephemeral
// public point, then HKDF-SHA256 over the shared secret to yield a
// 256-bit AES-GCM key.
func deriveSymmetricKey(serverKey *PrivateKey, ephemeralX, ephemeralY []byte) ([]byte, error) {
	curve := Curve()
	x := new(big.Int).SetBytes(ephemeralX)
	y := new(big.Int).SetBytes(ephemeralY)
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("ephemeral public point is not on the curve")
	}

	sharedX, _ := curve.ScalarMult(x, y, serverKey.D.Bytes())
	return hkdfDerive(sharedX.Bytes())
}

// hkdfDerive applies HKDF-SHA256 with the fixed transport-key label to a
// raw ECDH shared secret, yielding a 256-bit AES-GCM key.
func hkdfDerive(sharedSecret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, sharedSecret, nil, hkdfInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive HKDF key: %w", err)
	}
	return key, nil
}

// PrivateKey is the server's static VAU key pair, held for reading only
// once loaded; ECDH derivation never mutates it.
type PrivateKey struct {
	D    *big.Int
	X, Y *big.Int
}

// GenerateKey produces a fresh VAU key pair, used by operators to
// provision --vau-key material and by tests.
func GenerateKey(randSource io.Reader) (*PrivateKey, error) {
	curve := Curve()
	priv, x, y, err := elliptic.GenerateKey(curve, randSource)
	if err != nil {
		return nil, fmt.Errorf("generate VAU key: %w", err)
	}
	return &PrivateKey{D: new(big.Int).SetBytes(priv), X: x, Y: y}, nil
}
