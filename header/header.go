// Package header builds and probes the shape-free cryptographic
// header of spec §4.H: a prologue that is simultaneously a nonce and
// (for multi-recipient files) an Elligator-hidden ephemeral public
// key, followed by zero or more 32-byte authentication slots resolved
// by trial decryption rather than by any plaintext tag.
//
// No example repo implements anything like this trial-decryption
// scheme, so the control flow here is new; the primitives it calls
// (aead.Open, curve25519.X25519, crypto/rand) are all grounded in
// packages already built the teacher's way.
package header

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"

	"golang.org/x/crypto/curve25519"

	"github.com/covert-encryption/covert/aead"
	"github.com/covert-encryption/covert/elligator"
	gerr "github.com/covert-encryption/covert/errors"
	"github.com/covert-encryption/covert/key"
	"github.com/covert-encryption/covert/kdf"
	"github.com/covert-encryption/covert/randutil"
)

// ErrAuthentication covers "no auth method matched any slot", spec
// §7's AuthenticationError.
var ErrAuthentication = errors.New("covert/header: authentication failed")

const (
	slotSize    = 32
	maxSlots    = 20
	probeWindow = 1024
)

// Encoded is the result of building a header for encryption: the
// prologue bytes to prepend to the ciphertext, the derived file key,
// and a ready-to-use nonce generator for the block stream.
type Encoded struct {
	Bytes    []byte
	Key      []byte
	NonceGen *randutil.NonceGen
}

// Build implements spec §4.H's encoder. wideOpen takes priority; a
// single passphrase hash with no recipients collapses to the
// nonce-only fast path.
func Build(wideOpen bool, pwhashes [][]byte, recipients []*key.Key) (*Encoded, error) {
	if len(pwhashes)+len(recipients) > maxSlots {
		return nil, gerr.New(ErrAuthentication, "Build: %d recipients exceeds cap of %d", len(pwhashes)+len(recipients), maxSlots)
	}

	eph, err := key.Generate()
	if err != nil {
		return nil, err
	}
	nonce := append([]byte(nil), eph.PKHash[:12]...)

	if wideOpen {
		fileKey := make([]byte, 32)
		return &Encoded{
			Bytes:    nonce,
			Key:      fileKey,
			NonceGen: randutil.NewNonceGen(nonce),
		}, nil
	}

	// Spec §4.H step 3: the slotless nonce-only shortcut only applies to
	// a lone passphrase. A lone recipient still needs the full 32-byte
	// hidden eph.PKHash written out, since that is the only place the
	// ephemeral public key the recipient's ECDH depends on is carried.
	if len(pwhashes) == 1 && len(recipients) == 0 {
		ak, err := authkeyFromPwhash(pwhashes[0], nonce)
		if err != nil {
			return nil, err
		}
		return &Encoded{
			Bytes:    append([]byte(nil), nonce...),
			Key:      ak,
			NonceGen: randutil.NewNonceGen(nonce),
		}, nil
	}

	var auths [][]byte
	for _, pwh := range pwhashes {
		ak, err := authkeyFromPwhash(pwh, nonce)
		if err != nil {
			return nil, err
		}
		auths = append(auths, ak)
	}
	for _, r := range recipients {
		sk, err := deriveSymkey(nonce, eph, r)
		if err != nil {
			return nil, err
		}
		auths = append(auths, sk)
	}

	if len(auths) == 1 {
		return &Encoded{
			Bytes:    append([]byte(nil), eph.PKHash...),
			Key:      auths[0],
			NonceGen: randutil.NewNonceGen(nonce),
		}, nil
	}

	shuffled, err := shuffle(auths)
	if err != nil {
		return nil, err
	}
	fileKey := shuffled[0]
	out := append([]byte(nil), eph.PKHash...)
	for _, e := range shuffled[1:] {
		out = append(out, randutil.XOR(fileKey, e)...)
	}
	return &Encoded{Bytes: out, Key: fileKey, NonceGen: randutil.NewNonceGen(nonce)}, nil
}

func authkeyFromPwhash(pwhash, nonce []byte) ([]byte, error) {
	return kdf.Authkey(pwhash, nonce)
}

// deriveSymkey implements spec §4.H step 2's recipient formula:
// sha512(nonce || X25519(eph.sk, r.pk))[:32].
func deriveSymkey(nonce []byte, eph, r *key.Key) ([]byte, error) {
	shared, err := curve25519.X25519(eph.SK, r.PK)
	if err != nil {
		return nil, gerr.New(err, "deriveSymkey: X25519")
	}
	h := sha512.New()
	h.Write(nonce)
	h.Write(shared)
	return h.Sum(nil)[:32], nil
}

// RecipientCandidate builds the auth candidate for a static public-key
// recipient, the receiver-side half of spec §4.H step 2. It reveals
// the header's hidden ephemeral public key via Elligator2 and mirrors
// deriveSymkey's sender-side formula — sha512(nonce || X25519(r.sk,
// eph.pk))[:32] — which by ECDH commutativity lands on the same
// authkey Build computed with deriveSymkey(nonce, eph, r). prologue32
// is the ciphertext's first 32 bytes; the header's shape-free layout
// makes no distinction between a bare hidden key and one followed by
// auth slots until trial decryption resolves it, so the same 32 bytes
// serve whether or not other recipients also share the file.
func RecipientCandidate(prologue32 []byte, recipient *key.Key) (AuthCandidate, error) {
	if len(prologue32) < 32 {
		return AuthCandidate{}, gerr.New(ErrAuthentication, "RecipientCandidate: short prologue")
	}
	u := elligator.Reveal(prologue32[:32])
	ephPK := u.Bytes()
	shared, err := curve25519.X25519(recipient.SK, ephPK)
	if err != nil {
		return AuthCandidate{}, gerr.New(err, "RecipientCandidate: X25519")
	}
	h := sha512.New()
	h.Write(prologue32[:12])
	h.Write(shared)
	return AuthCandidate{Authkey: h.Sum(nil)[:32]}, nil
}

func shuffle(items [][]byte) ([][]byte, error) {
	out := append([][]byte(nil), items...)
	for i := len(out) - 1; i > 0; i-- {
		j, err := randIndex(i + 1)
		if err != nil {
			return nil, err
		}
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func randIndex(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return 0, gerr.New(err, "randIndex")
	}
	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return int(v % uint32(n)), nil
}

// AuthCandidate is one method the receiver is willing to try: either
// a pre-computed authkey (passphrase or static recipient) or a
// callback for the ratchet's in-place receive (spec §4.H's special
// case, invoked with the full ciphertext and returning an authkey plus
// the begin offset it implies).
type AuthCandidate struct {
	Authkey []byte
	Ratchet func(ciphertext []byte) (authkey []byte, begin int, err error)
}

// Result carries what a successful Probe recovered.
type Result struct {
	Key        []byte
	Block0Pos  int
	Block0Len  int
	SlotIndex  int // -1 for the nonce-only and ratchet fast paths
}

// Probe implements spec §4.H's decoder: try wide-open, then each
// candidate's fast path, then the general slot scan.
func Probe(ciphertext []byte, candidates []AuthCandidate) (*Result, error) {
	if r, ok := findBlock0(zeros32(), ciphertext, 12); ok {
		return &Result{Key: zeros32(), Block0Pos: r.pos, Block0Len: r.length, SlotIndex: -1}, nil
	}
	for _, c := range candidates {
		if c.Ratchet != nil {
			ak, begin, err := c.Ratchet(ciphertext)
			if err != nil {
				continue
			}
			if r, ok := findBlock0(ak, ciphertext, begin); ok {
				return &Result{Key: ak, Block0Pos: r.pos, Block0Len: r.length, SlotIndex: -1}, nil
			}
			continue
		}
		if r, ok := findBlock0(c.Authkey, ciphertext, 12); ok {
			return &Result{Key: c.Authkey, Block0Pos: r.pos, Block0Len: r.length, SlotIndex: -1}, nil
		}
		if res, ok := findSlots(c.Authkey, ciphertext); ok {
			return res, nil
		}
	}
	return nil, gerr.New(ErrAuthentication, "Probe: no candidate matched")
}

func zeros32() []byte { return make([]byte, 32) }

// findSlots implements spec §4.H's `_find_slots`: probe every possible
// slot index i. i = 0 XORs the authkey with a zero slot, so the
// authkey itself is tried as the file key (the single-auth layout);
// i > 0 takes the 32-byte slot at offset 32*i. For each candidate key,
// block 0 is tried at every 32-byte-aligned start from 32+32*i on.
func findSlots(authkey []byte, ciphertext []byte) (*Result, bool) {
	nslots := (min(len(ciphertext), 32+probeWindow-32) - 32) / 32
	if nslots > maxSlots-1 {
		nslots = maxSlots - 1
	}
	slotEnds := make([]int, nslots+1)
	for i := range slotEnds {
		slotEnds[i] = 32 + i*32
	}
	for i := 0; i <= nslots; i++ {
		var candidateSlot []byte
		if i == 0 {
			candidateSlot = zeros32()
		} else {
			start := 32 + (i-1)*32
			if start+32 > len(ciphertext) {
				break
			}
			candidateSlot = ciphertext[start : start+32]
		}
		kCandidate := randutil.XOR(candidateSlot, authkey)
		for _, hbegin := range slotEnds[i:] {
			if r, ok := findBlock0(kCandidate, ciphertext, hbegin); ok {
				return &Result{Key: kCandidate, Block0Pos: r.pos, Block0Len: r.length, SlotIndex: i}, true
			}
		}
	}
	return nil, false
}

type block0 struct {
	pos    int
	length int
}

// findBlock0 implements spec §4.H's `_find_block0`: scan candidate
// block-0 end positions from the top of the probe window down to the
// minimum plausible block size and attempt AEAD decryption.
func findBlock0(k, ciphertext []byte, begin int) (block0, bool) {
	top := min(probeWindow, len(ciphertext))
	for end := top; end >= begin+19; end-- {
		aad := ciphertext[:begin]
		nonce := ciphertext[:12]
		if _, err := aead.Open(k, nonce, ciphertext[begin:end], aad); err == nil {
			return block0{pos: begin, length: end - begin - 19}, true
		}
	}
	return block0{}, false
}
