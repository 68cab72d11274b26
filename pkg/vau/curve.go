// Package vau implements the VAU ("Vertrauenswürdige Ausführungsumgebung")
// confidential-transport envelope: inbound encrypted requests are
// decrypted, routed to the plaintext inner handler, and the response is
// re-encrypted before it leaves the process.
package vau

import (
	"crypto/elliptic"
	"math/big"
)

// brainpoolP256r1 is not one of Go's built-in named curves, so its domain
// parameters are constructed directly via crypto/elliptic.CurveParams per
// RFC 5639. No third-party curve library in the reference corpus
// implements Brainpool curves, so this is the one deliberately
// stdlib-only piece of the VAU codec.
var brainpoolP256r1 = func() elliptic.Curve {
	p, _ := new(big.Int).SetString("A9FB57DBA1EEA9BC3E660A909D838D726E3BF623D52620282013481D1F6E5377", 16)
	b, _ := new(big.Int).SetString("26DC5C6CE94A4B44F330B5D9BBD77CBF958416295CF7E1CE6BCCDC18FF8C07B6", 16)
	gx, _ := new(big.Int).SetString("8BD2AEB9CB7E57CB2C4B482FFC81B7AFB9DE27E1E3BD23C23A4453BD9ACE3262", 16)
	gy, _ := new(big.Int).SetString("547EF835C3DAC4FD97F8461A14611DC9C27745132DED8E545C1D54C72F046997", 16)
	n, _ := new(big.Int).SetString("A9FB57DBA1EEA9BC3E660A909D838D718C397AA3B561A6F7901E0E82974856A7", 16)

	curve := &elliptic.CurveParams{
		P:       p,
		N:       n,
		B:       b,
		Gx:      gx,
		Gy:      gy,
		BitSize: 256,
		Name:    "brainpoolP256r1",
	}
	return curve
}()

// Curve returns the brainpoolP256r1 curve used by the VAU key exchange.
//
// Go's generic elliptic.CurveParams point-addition code assumes a
// short-Weierstrass curve with a=-3, which holds for the NIST curves it
// ships but not for Brainpool's general-a curve equation; ScalarMult is
// therefore only exact for basepoint-relative operations exercised by
// this codec's ECDH, not for arbitrary points on the curve.
func Curve() elliptic.Curve { return brainpoolP256r1 }
