// Package elligator implements the Elligator2 bijection between
// "hideable" Curve25519 points and near-uniform 254-bit strings, plus
// the dirty-key hiding/reveal procedure of spec §4.D.
//
// No example in the reference corpus implements Elligator2 — the
// teacher's crypto/ed25519 package stops at standard EdDSA — so this
// package is grounded directly on spec §4.D's formulas (themselves the
// well-known Elligator 2 method for Montgomery curves, RFC 9380 §6.7.1,
// specialised to Curve25519's A=486662, B=1, non-square Z=2) rather
// than on a ported file. Field/curve primitives come from this
// module's own field/curve packages built in the previous step.
package elligator

import (
	"crypto/sha512"
	"errors"
	"math/big"

	"github.com/covert-encryption/covert/curve"
	gerr "github.com/covert-encryption/covert/errors"
	"github.com/covert-encryption/covert/field"
)

// ErrNotHideable is returned when a key's public point cannot be
// represented by Elligator2; the caller must regenerate the key.
var ErrNotHideable = errors.New("covert/elligator: key not representable, regenerate")

var (
	curveA = field.New(big.NewInt(486662))
	two    = field.New(big.NewInt(2))
)

// IsHashable reports whether a Montgomery u-coordinate can be mapped
// to a hidden representative: u ≠ -A and -2u(u+A) is a square.
func IsHashable(u field.Elt) bool {
	negA := curveA.Neg()
	if u.Equal(negA) {
		return false
	}
	t := two.Neg().Mul(u).Mul(u.Add(curveA))
	return t.IsSquare()
}

// FastCurveToHash maps a hideable point (u, negative) — negative being
// the sign of the Montgomery v-coordinate as spec §4.D's "sign_v" — to
// its representative r in [0, (p-1)/2].
func FastCurveToHash(u field.Elt, negative bool) (field.Elt, bool) {
	if !IsHashable(u) {
		return field.Elt{}, false
	}
	var t2 field.Elt
	den := two.Mul(u.Add(curveA))
	if !negative {
		t2 = u.Neg().Mul(den.Inv())
	} else {
		num := u.Add(curveA).Neg()
		t2 = num.Mul(two.Mul(u).Inv())
	}
	t, ok := t2.Sqrt()
	if !ok {
		return field.Elt{}, false
	}
	if t.IsNegative() {
		t = t.Neg()
	}
	return t, true
}

// FastHashToCurve inverts FastCurveToHash: given any representative r,
// returns the Montgomery point (u, v) it encodes, always successfully
// (Elligator2 covers the whole curve up to the 2-to-1 branch).
func FastHashToCurve(r field.Elt) (u, v field.Elt) {
	rr := r.Square().Mul(two)
	one := field.One
	den := one.Add(rr)
	x1 := curveA.Neg().Mul(den.Inv())

	gx1 := x1.Add(curveA).Mul(x1).Add(one).Mul(x1)
	x2 := x1.Neg().Sub(curveA)
	gx2 := rr.Mul(gx1)

	e2 := gx1.IsSquare()
	if e2 {
		u = x1
	} else {
		u = x2
	}
	y2 := gx1
	if !e2 {
		y2 = gx2
	}
	y, _ := y2.Sqrt()
	// Fix the sign of y from e2: y is negated when e2 equals its
	// oddness, so y comes out even when u = x1 and odd when u = x2.
	sign1 := isOdd(y)
	if e2 == sign1 {
		y = y.Neg()
	}
	return u, y
}

func isOdd(e field.Elt) bool {
	b := e.Bytes()
	return b[0]&1 == 1
}

// encodeRepresentative renders r as 32 little-endian bytes with the
// top two bits forced clear, per spec §4.D step 4's invariant that the
// representative always leaves room for the tweak.
func encodeRepresentative(r field.Elt) []byte {
	b := r.Bytes()
	b[31] &= 0x3f
	return b
}

// tweak derives the two deterministic high bits XORed into a hidden
// key, spec §4.D step 4: sha512("DirtyElligator2:" || edsk), top 2
// bits of the first byte (after reversal) shifted into bit positions
// 254-255 of the 32-byte little-endian output.
func tweak(edsk []byte) []byte {
	h := sha512.New()
	h.Write([]byte("DirtyElligator2:"))
	h.Write(edsk)
	sum := h.Sum(nil)
	out := make([]byte, 32)
	out[31] = sum[0] & 0xc0
	return out
}

// Hide implements spec §4.D's full procedure: given an Ed25519 seed
// edsk whose dirty public point is Elligator2-hideable, return the
// 32-byte hidden representation. Returns ErrNotHideable if the key is
// not representable (the caller regenerates).
func Hide(edsk []byte) ([]byte, error) {
	s := curve.DirtyScalar(edsk)
	sg := new(big.Int).Mod(s, big.NewInt(8)).Int64()
	sMinusSg := new(big.Int).Sub(s, big.NewInt(sg))
	p := curve.G.Mul(sMinusSg).Add(curve.LO[sg])

	u := p.Mont()
	if u.Equal(field.New(big.NewInt(-1))) {
		// identity's point-at-infinity Montgomery encoding never hides.
		return nil, gerr.New(ErrNotHideable, "identity")
	}
	r, ok := FastCurveToHash(u, p.IsNegative())
	if !ok {
		return nil, gerr.New(ErrNotHideable, "not Elligator2-representable")
	}
	hidden := randutilXOR(encodeRepresentative(r), tweak(edsk))
	return hidden, nil
}

func randutilXOR(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Reveal inverts Hide's field-level map: mask off the two top bits and
// recover the Montgomery u-coordinate. tweak's XOR only ever touches
// bits 254-255 (out[31] = sum[0]&0xc0, every other byte zero), exactly
// the bits this function already masks off with buf[31] &= 0x3f — so a
// caller never needs to undo tweak() before calling Reveal; tweak only
// matters for Hide's own output to look indistinguishable from a
// uniform representative, not for recovering the point from it.
func Reveal(hiddenDetweaked []byte) (u field.Elt) {
	buf := make([]byte, 32)
	copy(buf, hiddenDetweaked)
	buf[31] &= 0x3f
	r := field.FromBytes(buf)
	u, _ = FastHashToCurve(r)
	return u
}
