// Package field implements arithmetic in the prime field used by
// Curve25519/Ed25519: integers modulo p = 2^255 - 19.
//
// The element type is built the way the teacher's math.Int wraps
// math/big.Int (see math/int.go), but narrowed to the single fixed
// modulus the elliptic core needs instead of math.Int's generic
// arbitrary-modulus operations. Sqrt/InvSqrt/Chi follow the shape of
// math.SqrtModP (Tonelli-Shanks), specialised for p ≡ 5 (mod 8) which
// lets the loop in math.SqrtModP collapse to a single exponentiation.
package field

import (
	"crypto/rand"
	"math/big"

	gerr "github.com/covert-encryption/covert/errors"
)

// Elt is a normalised field element in [0, P).
type Elt struct {
	v *big.Int
}

var (
	// P = 2^255 - 19
	P = mustHex("7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffed")

	one = big.NewInt(1)

	// pMinus1Over2 = (p-1)/2, used for is_negative and Legendre.
	pMinus1Over2 = new(big.Int).Rsh(new(big.Int).Sub(P, one), 1)
	// exponent for sqrt(a) when p ≡ 5 (mod 8): a^((p+3)/8)
	sqrtExp = new(big.Int).Rsh(new(big.Int).Add(P, big.NewInt(3)), 3)
	// sqrtM1 = sqrt(-1) mod p, the same constant as the teacher's
	// crypto/ed25519.Curve.i ("i = 2^(P-1)/4 mod P").
	sqrtM1 = mustHex("2b8324804fc1df0b2b4d00993dfbd7a72f431806ad2fe478c4ee1b274a0ea0b0")
)

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("field: bad hex constant")
	}
	return v
}

// Zero, One are the additive/multiplicative identities.
var (
	Zero = Elt{v: new(big.Int)}
	One  = Elt{v: new(big.Int).Set(one)}
)

// New reduces an arbitrary *big.Int into the field.
func New(v *big.Int) Elt {
	r := new(big.Int).Mod(v, P)
	return Elt{v: r}
}

// FromBytes decodes 32 little-endian bytes into a normalised element.
// The top bit (used elsewhere to carry a sign) is masked off first.
func FromBytes(b []byte) Elt {
	buf := make([]byte, 32)
	copy(buf, b)
	buf[31] &= 0x7f
	return New(new(big.Int).SetBytes(reverse(buf)))
}

// Bytes encodes the element as 32 little-endian bytes.
func (e Elt) Bytes() []byte {
	out := make([]byte, 32)
	b := e.v.Bytes()
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// Add returns e+o mod p.
func (e Elt) Add(o Elt) Elt { return New(new(big.Int).Add(e.v, o.v)) }

// Sub returns e-o mod p.
func (e Elt) Sub(o Elt) Elt { return New(new(big.Int).Sub(e.v, o.v)) }

// Neg returns -e mod p.
func (e Elt) Neg() Elt { return New(new(big.Int).Neg(e.v)) }

// Mul returns e*o mod p.
func (e Elt) Mul(o Elt) Elt { return New(new(big.Int).Mul(e.v, o.v)) }

// Square returns e*e mod p.
func (e Elt) Square() Elt { return e.Mul(e) }

// Pow returns e^n mod p for a non-negative exponent n.
func (e Elt) Pow(n *big.Int) Elt { return New(new(big.Int).Exp(e.v, n, P)) }

// Inv returns the multiplicative inverse of e (e must be non-zero).
func (e Elt) Inv() Elt {
	return New(new(big.Int).ModInverse(e.v, P))
}

// IsZero reports whether e == 0.
func (e Elt) IsZero() bool { return e.v.Sign() == 0 }

// Equal reports whether e == o.
func (e Elt) Equal(o Elt) bool { return e.v.Cmp(o.v) == 0 }

// IsNegative reports whether the canonical residue of e is > (p-1)/2,
// the convention spec §3 fixes for "is_negative".
func (e Elt) IsNegative() bool { return e.v.Cmp(pMinus1Over2) > 0 }

// Chi is the Legendre symbol (e|p): 1 if e is a non-zero square, -1 if
// e is a non-square, 0 if e == 0.
func (e Elt) Chi() int {
	if e.IsZero() {
		return 0
	}
	k := new(big.Int).Rsh(new(big.Int).Sub(P, one), 1)
	r := new(big.Int).Exp(e.v, k, P)
	if r.Cmp(one) == 0 {
		return 1
	}
	return -1
}

// IsSquare reports whether e is a quadratic residue mod p.
func (e Elt) IsSquare() bool { return e.Chi() >= 0 }

// Sqrt returns a square root of e together with whether e was in fact
// a square. If e is not a square, the returned value is unspecified
// (callers needing the non-square branch should use InvSqrt).
func (e Elt) Sqrt() (Elt, bool) {
	if !e.IsSquare() {
		return Elt{}, false
	}
	r := e.Pow(sqrtExp)
	// p ≡ 5 (mod 8): candidate r^2 is ±e; fix sign using sqrt(-1).
	if !r.Square().Equal(e) {
		r = r.Mul(Elt{v: new(big.Int).Set(sqrtM1)})
	}
	return r, true
}

// InvSqrt returns an element x such that x^2 == 1/e if e is a non-zero
// square, or x^2 == sqrt(-1)/e otherwise, plus the is_square flag, per
// spec §4.A. e must be non-zero.
func (e Elt) InvSqrt() (Elt, bool) {
	if e.IsZero() {
		return Zero, true
	}
	inv := e.Inv()
	r, sq := inv.Sqrt()
	if sq {
		return r, true
	}
	m1 := Elt{v: new(big.Int).Set(sqrtM1)}
	r2, ok := m1.Mul(inv).Sqrt()
	if !ok {
		// Unreachable for a valid prime field: sqrt(-1)/e is always a
		// square when e is not, since chi(-1) = 1 for p ≡ 5 (mod 8)
		// forces chi(sqrt(-1)/e) = -chi(e) = 1.
		panic("field: InvSqrt invariant violated")
	}
	return r2, false
}

// Rand returns a uniformly random field element.
func Rand() (Elt, error) {
	for {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return Elt{}, gerr.New(err, "field.Rand")
		}
		buf[31] &= 0x7f
		v := new(big.Int).SetBytes(reverse(buf))
		if v.Cmp(P) < 0 {
			return Elt{v: v}, nil
		}
	}
}

// BigInt exposes the underlying value for interop with curve formulas
// that need it (e.g. scalar decomposition).
func (e Elt) BigInt() *big.Int { return new(big.Int).Set(e.v) }
