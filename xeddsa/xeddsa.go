// Package xeddsa implements standard Ed25519 signing/verification and
// Signal-style XEdDSA (signing under a Curve25519 secret key), per
// spec §4.C.
//
// Sign/Verify are a direct port of the teacher's
// crypto/ed25519/signature.go EdSign/EdVerify (r = H(prefix||msg) mod
// q, R = rG, s = r + H(R||A||msg)*a mod q), rehosted on this module's
// curve package instead of math.Int/ed25519.Point. XSign/XVerify add
// the domain-separated nonce and Montgomery-sign-recovery bit that the
// teacher's EdDSA-only file has no use for.
package xeddsa

import (
	"crypto/sha512"
	"errors"
	"math/big"

	"github.com/covert-encryption/covert/curve"
	gerr "github.com/covert-encryption/covert/errors"
	"github.com/covert-encryption/covert/field"
)

var (
	// ErrInvalidSignature covers a low-order R/A or s >= q.
	ErrInvalidSignature = errors.New("covert/xeddsa: invalid signature")
	// ErrNonceLength requires a 64-byte XEdDSA nonce.
	ErrNonceLength = errors.New("covert/xeddsa: nonce must be 64 bytes")
)

// Signature is a 64-byte R||S Ed25519/XEdDSA signature.
type Signature struct {
	R curve.Point
	S *big.Int
}

// Bytes encodes the signature as R (32 bytes) || s (32 bytes LE).
func (s Signature) Bytes() []byte {
	out := make([]byte, 64)
	copy(out[:32], s.R.Encode())
	copy(out[32:], leBytes(s.S, 32))
	return out
}

func leBytes(n *big.Int, size int) []byte {
	b := n.Bytes()
	out := make([]byte, size)
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

func beFromLE(b []byte) *big.Int {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return new(big.Int).SetBytes(out)
}

// edScalarAndPrefix derives the clamped scalar a and the SHA-512
// signing prefix from a 32-byte Ed25519 seed (edsk).
func edScalarAndPrefix(edsk []byte) (*big.Int, []byte) {
	h := sha512.Sum512(edsk)
	buf := make([]byte, 32)
	copy(buf, h[:32])
	curve.Clamp(buf)
	return curve.ScalarFromClamped(buf), h[32:]
}

// Sign produces a standard Ed25519 signature of msg under the 32-byte
// seed edsk.
func Sign(edsk, msg []byte) Signature {
	a, prefix := edScalarAndPrefix(edsk)
	A := curve.MulBase(a)

	rh := sha512.New()
	rh.Write(prefix)
	rh.Write(msg)
	r := curve.HashToScalar(rh.Sum(nil))
	R := curve.MulBase(r)

	hh := sha512.New()
	hh.Write(R.Encode())
	hh.Write(A.Encode())
	hh.Write(msg)
	k := curve.HashToScalar(hh.Sum(nil))

	s := new(big.Int).Add(r, new(big.Int).Mul(k, a))
	s.Mod(s, curve.Q)
	return Signature{R: R, S: s}
}

// Verify checks a standard Ed25519 signature, rejecting low-order R/A
// and s >= q per spec §4.C.
func Verify(edpk, msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	R, ok := curve.Decode(sig[:32])
	if !ok || R.IsLowOrder() {
		return false
	}
	A, ok := curve.Decode(edpk)
	if !ok || A.IsLowOrder() {
		return false
	}
	s := beFromLE(sig[32:])
	if s.Cmp(curve.Q) >= 0 {
		return false
	}
	hh := sha512.New()
	hh.Write(sig[:32])
	hh.Write(edpk)
	hh.Write(msg)
	k := curve.HashToScalar(hh.Sum(nil))

	lhs := curve.MulBase(s)
	rhs := R.Add(A.Mul(k))
	return lhs.Equal(rhs)
}

// xeddsaPrefix is the 32-byte "0xFF * 31 || 0xFE" domain separator
// spec §4.C specifies ("0xFF||0xFF..FE"): 31 bytes of 0xFF then 0xFE.
var xeddsaPrefix = func() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = 0xff
	}
	b[31] = 0xfe
	return b
}()

// XSign signs msg under a Curve25519 secret key sk (32 bytes), per
// spec §4.C: a = clamp(sk), r = H(prefix||sk||msg||nonce) mod q,
// R = rG, with the sign of A (in Edwards form) stored in bit 255 of s
// so Verify can recover the canonical sign Curve25519 discards. nonce
// must be exactly 64 bytes.
func XSign(sk, msg, nonce []byte) (Signature, error) {
	if len(nonce) != 64 {
		return Signature{}, gerr.New(ErrNonceLength, "len=%d", len(nonce))
	}
	buf := make([]byte, 32)
	copy(buf, sk)
	curve.Clamp(buf)
	a := curve.ScalarFromClamped(buf)
	A := curve.MulBase(a)

	rh := sha512.New()
	rh.Write(xeddsaPrefix)
	rh.Write(sk)
	rh.Write(msg)
	rh.Write(nonce)
	r := curve.HashToScalar(rh.Sum(nil))
	R := curve.MulBase(r)

	hh := sha512.New()
	hh.Write(R.Encode())
	hh.Write(A.Encode())
	hh.Write(msg)
	k := curve.HashToScalar(hh.Sum(nil))

	s := new(big.Int).Add(r, new(big.Int).Mul(k, a))
	s.Mod(s, curve.Q)

	sbytes := leBytes(s, 32)
	if A.IsNegative() {
		sbytes[31] |= 0x80
	} else {
		sbytes[31] &= 0x7f
	}
	return Signature{R: R, S: beFromLE(sbytes)}, nil
}

// XVerify checks an XEdDSA signature against a Curve25519 public key
// u (the Montgomery u-coordinate, 32 bytes).
func XVerify(pkMont, msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	signBit := sig[63]&0x80 != 0
	sClean := make([]byte, 32)
	copy(sClean, sig[32:])
	sClean[31] &= 0x7f
	s := beFromLE(sClean)
	if s.Cmp(curve.Q) >= 0 {
		return false
	}

	A, ok := montToEdwards(pkMont, signBit)
	if !ok {
		return false
	}
	R, ok := curve.Decode(sig[:32])
	if !ok || R.IsLowOrder() {
		return false
	}

	hh := sha512.New()
	hh.Write(sig[:32])
	hh.Write(A.Encode())
	hh.Write(msg)
	k := curve.HashToScalar(hh.Sum(nil))

	lhs := curve.MulBase(s)
	rhs := R.Add(A.Mul(k))
	return lhs.Equal(rhs)
}

// montToEdwards reconstructs the Edwards point with the given sign bit
// from a Montgomery u-coordinate: y = (u-1)/(u+1).
func montToEdwards(uBytes []byte, negative bool) (curve.Point, bool) {
	u := field.FromBytes(uBytes)
	den := u.Add(field.One)
	if den.IsZero() {
		return curve.Point{}, false
	}
	y := u.Sub(field.One).Mul(den.Inv())
	buf := y.Bytes()
	if negative {
		buf[31] |= 0x80
	} else {
		buf[31] &= 0x7f
	}
	return curve.Decode(buf)
}
