// Package randutil bundles the small stateless helpers spec §4.I/§4.J/
// §4.N need: a monotonic per-file nonce generator, constant-length XOR,
// NFKC passphrase normalisation, and the log-normal random padding size
// formula.
//
// Grounded on the teacher's math.Int random helpers (math/int.go's
// NewIntRnd family) for the "treat randomness as a typed value, not a
// raw []byte" texture, and on golang.org/x/text/unicode/norm (already
// a teacher dependency, used elsewhere for Tor descriptor text) for
// NFKC.
package randutil

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"

	"golang.org/x/text/unicode/norm"

	gerr "github.com/covert-encryption/covert/errors"
)

// ErrRatio is returned when a caller-supplied padding ratio falls
// outside [0,3].
var ErrRatio = errors.New("covert/randutil: padding ratio out of range [0,3]")

// NonceGen produces the strictly monotonic 96-bit nonce sequence used
// for one file's block stream: nonce_0 is the seed, nonce_{i+1} =
// nonce_i + 1 interpreted as a big-endian 96-bit counter so the first
// 12 bytes of a wide-open/single-passphrase header (the ephemeral
// pkhash prefix) double as nonce_0.
type NonceGen struct {
	hi uint32
	lo uint64
}

// NewNonceGen seeds a generator from a 12-byte starting nonce.
func NewNonceGen(seed []byte) *NonceGen {
	if len(seed) != 12 {
		panic("randutil: nonce seed must be 12 bytes")
	}
	return &NonceGen{
		hi: binary.BigEndian.Uint32(seed[:4]),
		lo: binary.BigEndian.Uint64(seed[4:]),
	}
}

// Next returns the next 12-byte nonce and advances the counter.
func (g *NonceGen) Next() []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[:4], g.hi)
	binary.BigEndian.PutUint64(out[4:], g.lo)
	g.lo++
	if g.lo == 0 {
		g.hi++
	}
	return out
}

// Reset rewinds the generator so that the given nonce is emitted next.
func (g *NonceGen) Reset(nonce []byte) {
	g.hi = binary.BigEndian.Uint32(nonce[:4])
	g.lo = binary.BigEndian.Uint64(nonce[4:])
}

// XOR writes a XOR b into a freshly allocated slice of len(a) bytes.
// a and b must have equal length.
func XOR(a, b []byte) []byte {
	if len(a) != len(b) {
		panic("randutil: XOR length mismatch")
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// NFKC normalises passphrase bytes to NFKC form before hashing, so
// visually identical passphrases typed with different Unicode
// compositions derive the same key.
func NFKC(s string) string {
	return norm.NFKC.String(s)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, gerr.New(err, "randutil.RandomBytes(%d)", n)
	}
	return b, nil
}

// Rand64 returns 64 uniformly random bits.
func Rand64() (uint64, error) {
	b, err := RandomBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// PaddingSize implements spec §4.J's random-padding formula: given the
// total plaintext size in bytes and a caller-chosen ratio in [0,3],
// return an additional number of padding bytes to append.
func PaddingSize(total int, ratio float64) (int, error) {
	if ratio < 0 || ratio > 3 {
		return 0, gerr.New(ErrRatio, "ratio=%f", ratio)
	}
	fixedPad := int(math.Max(0, math.Floor(ratio*500)-float64(total)))
	eff := 200 + 1e8*math.Log(1+1e-8*(float64(total)+float64(fixedPad)))
	u, err := Rand64()
	if err != nil {
		return 0, err
	}
	// inverse-CDF sample from an exponential with mean 1: u is used
	// as a uniform [0,2^64) draw, r = ln(2^65) - ln(1+2u).
	uf := float64(u)
	r := 65*math.Ln2 - math.Log(1+2*uf)
	padding := fixedPad + int(math.Round(r*ratio*eff))
	if padding < 0 {
		padding = 0
	}
	return padding, nil
}
