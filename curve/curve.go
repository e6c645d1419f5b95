// Package curve implements the Ed25519 extended-coordinate point group,
// its Montgomery birational view, and clamped/dirty scalars.
//
// It generalises the teacher's affine Curve/Point pair
// (crypto/ed25519/curve.go, built on math.Int) to extended projective
// coordinates, because the low-order/dirty-key machinery spec §4.A-D
// requires needs the extra T coordinate the teacher's affine
// representation does not carry, plus derived views (Mont, Subgroup,
// IsLowOrder) the teacher's Point does not expose.
package curve

import (
	"crypto/sha512"
	"math/big"

	"github.com/covert-encryption/covert/field"
)

// D is the Edwards curve constant d = -121665/121666.
var D = field.New(mustHex("52036cee2b6ffe738cc740797779e89800700a4d4141d8ab75eb4dca135978a3"))

// Q is the order of the prime-order subgroup generated by G.
var Q = mustHex("1000000000000000000000000000000014def9dea2f79cd65812631a5cf5d3ed")

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("curve: bad hex constant")
	}
	return v
}

// Point is an Ed25519 point in extended projective coordinates
// (X,Y,Z,T) with x=X/Z, y=Y/Z, xy=T/Z.
type Point struct {
	X, Y, Z, T field.Elt
}

func affine(x, y field.Elt) Point {
	return Point{X: x, Y: y, Z: field.One, T: x.Mul(y)}
}

var (
	// Zero is the identity element (0,1).
	Zero = affine(field.Zero, field.One)

	// G is the standard Ed25519 base point, prime-group order Q.
	G = affine(
		field.New(mustHex("216936d3cd6e53fec0a4e231fdd6dc5c692cc7609525a7b2c9562d608f25d51a")),
		field.New(mustHex("6666666666666666666666666666666666666666666666666666666666666658")),
	)

	// L is a generator of the 8-element torsion subgroup (order exactly 8).
	L = affine(
		field.New(mustHex("602a465ff9c6b5d716cc66cdc721b544a3e6c38fec1a1dc7215eb9b93aba2ea3")),
		field.New(mustHex("05fc536d880238b13933c6d305acdfd5f098eff289f4c345b027b2c28f95e826")),
	)

	// LO holds all 8 low-order points, LO[i] = i*L.
	LO [8]Point

	// D25 is the "dirty" generator G + LO[1], used by the dirty-key
	// machinery of spec §4.D.
	D25 Point
)

func init() {
	acc := Zero
	for i := 0; i < 8; i++ {
		LO[i] = acc
		acc = acc.Add(L)
	}
	D25 = G.Add(LO[1])
}

// Add returns p+q using the unified twisted-Edwards addition formulas
// (a = -1), extended coordinates (Hisil-Wong-Carter-Dawson "add-2008-hwcd-3").
func (p Point) Add(q Point) Point {
	a := p.X.Sub(p.Y).Mul(q.X.Sub(q.Y))
	b := p.X.Add(p.Y).Mul(q.X.Add(q.Y))
	c := p.T.Mul(field.New(big.NewInt(2)).Mul(D)).Mul(q.T)
	dd := p.Z.Mul(field.New(big.NewInt(2))).Mul(q.Z)
	e := b.Sub(a)
	f := dd.Sub(c)
	g := dd.Add(c)
	h := b.Add(a)
	return Point{
		X: e.Mul(f),
		Y: g.Mul(h),
		Z: f.Mul(g),
		T: e.Mul(h),
	}
}

// Double returns p+p, via the a=-1 specialisation of dbl-2008-hwcd.
func (p Point) Double() Point {
	a := p.X.Square()
	b := p.Y.Square()
	c := field.New(big.NewInt(2)).Mul(p.Z.Square())
	e := p.X.Add(p.Y).Square().Sub(a).Sub(b)
	g := b.Sub(a)
	f := g.Sub(c)
	h := a.Add(b).Neg()
	return Point{
		X: e.Mul(f),
		Y: g.Mul(h),
		Z: f.Mul(g),
		T: e.Mul(h),
	}
}

// Neg returns -p.
func (p Point) Neg() Point {
	return Point{X: p.X.Neg(), Y: p.Y, Z: p.Z, T: p.T.Neg()}
}

// Mul computes n*p by double-and-add over the full group (order 8Q);
// spec §4.A notes this reduces s mod 8Q "preserving subgroup" — any
// non-negative exponent works directly since 8Q annihilates the group.
func (p Point) Mul(n *big.Int) Point {
	r := Zero
	q := p
	nn := new(big.Int).Set(n)
	zero := big.NewInt(0)
	one := big.NewInt(1)
	for nn.Cmp(zero) > 0 {
		if nn.Bit(0) == 1 {
			r = r.Add(q)
		}
		q = q.Double()
		nn = new(big.Int).Rsh(nn, 1)
		_ = one
	}
	return r
}

// MulBase computes n*G.
func MulBase(n *big.Int) Point { return G.Mul(n) }

// Norm returns the affine (x,y) view (Z normalised to 1).
func (p Point) Norm() (x, y field.Elt) {
	zinv := p.Z.Inv()
	return p.X.Mul(zinv), p.Y.Mul(zinv)
}

// Equal compares two points by cross-multiplication, avoiding a
// normalising inverse (spec §3: "Equality by cross-multiplication").
func (p Point) Equal(q Point) bool {
	return p.X.Mul(q.Z).Equal(q.X.Mul(p.Z)) && p.Y.Mul(q.Z).Equal(q.Y.Mul(p.Z))
}

// Encode returns the 32-byte compressed representation: y with the
// sign (parity) of x stored in bit 255.
func (p Point) Encode() []byte {
	x, y := p.Norm()
	buf := y.Bytes()
	if isOddElt(x) {
		buf[31] |= 0x80
	} else {
		buf[31] &= 0x7f
	}
	return buf
}

func isOddElt(x field.Elt) bool {
	b := x.Bytes()
	return b[0]&1 == 1
}

// Decode parses a 32-byte compressed point, recovering x from y and the
// stored sign bit.
func Decode(buf []byte) (Point, bool) {
	if len(buf) != 32 {
		return Point{}, false
	}
	sign := buf[31]&0x80 != 0
	y := field.FromBytes(buf)
	// x^2 = (y^2-1) / (d*y^2+1)
	y2 := y.Square()
	num := y2.Sub(field.One)
	den := D.Mul(y2).Add(field.One)
	if den.IsZero() {
		return Point{}, false
	}
	x2 := num.Mul(den.Inv())
	x, ok := x2.Sqrt()
	if !ok {
		return Point{}, false
	}
	if isOddElt(x) != sign {
		x = x.Neg()
	}
	return affine(x, y), true
}

// Mont returns the Montgomery u-coordinate via the birational map
// u = (1+y)/(1-y), with y=1 (the identity) mapping to u=-1 (point at
// infinity), per spec §4.B.
func (p Point) Mont() field.Elt {
	_, y := p.Norm()
	if y.Equal(field.One) {
		return field.New(big.NewInt(-1))
	}
	one := field.One
	return one.Add(y).Mul(one.Sub(y).Inv())
}

// IsNegative reports the sign bit that Encode would set (parity of x).
func (p Point) IsNegative() bool {
	x, _ := p.Norm()
	return isOddElt(x)
}

// Subgroup returns which of the 8 torsion cosets p belongs to: the
// unique i in 0..7 such that p - LO[i] lies in the prime-order
// subgroup generated by G.
func (p Point) Subgroup() int {
	for i := 0; i < 8; i++ {
		cand := p.Add(LO[i].Neg())
		if cand.Mul(Q).Equal(Zero) {
			return i
		}
	}
	return -1
}

// IsLowOrder reports whether p is one of the 8 torsion points.
func (p Point) IsLowOrder() bool {
	return p.Mul(big.NewInt(8)).Equal(Zero)
}

// IsPrimeGroup reports whether p has order dividing Q (subgroup 0).
func (p Point) IsPrimeGroup() bool {
	return p.Mul(Q).Equal(Zero)
}

// Undirty projects a dirty point back to the prime subgroup by
// subtracting its low-order component.
func (p Point) Undirty() Point {
	sg := p.Subgroup()
	if sg <= 0 {
		return p
	}
	return p.Add(LO[sg].Neg())
}

// HashToScalar reduces a wide hash output mod Q, used throughout EdDSA
// (r = H(...) mod q, s-components, etc).
func HashToScalar(h []byte) *big.Int {
	return new(big.Int).Mod(new(big.Int).SetBytes(reverseBytes(h)), Q)
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// Clamp applies the standard Curve25519 clamp to a 32-byte scalar:
// clear the low 3 bits, clear bit 255, set bit 254. The input is
// modified in place and also returned.
func Clamp(b []byte) []byte {
	b[0] &= 0xf8
	b[31] &= 0x7f
	b[31] |= 0x40
	return b
}

// ClampDirty forces only the high bits (clear bit 255, set bit 254),
// leaving the low 3 bits untouched so the resulting scalar's base-point
// multiple may land in any of the 8 torsion cosets, per spec §3.
func ClampDirty(b []byte) []byte {
	b[31] &= 0x7f
	b[31] |= 0x40
	return b
}

// ScalarFromClamped interprets 32 clamped bytes (little-endian) as the
// exponent used for EdPoint scalar multiplication.
func ScalarFromClamped(b []byte) *big.Int {
	return new(big.Int).SetBytes(reverseBytes(b))
}

// DirtyScalar derives the dirty (non-clamped-to-prime-group) scalar for
// an Ed25519 seed the way spec §4.D step 1 requires: s = dirty_scalar(edsk).
func DirtyScalar(edsk []byte) *big.Int {
	h := sha512.Sum512(edsk)
	b := make([]byte, 32)
	copy(b, h[:32])
	ClampDirty(b)
	return ScalarFromClamped(b)
}
