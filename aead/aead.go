// Package aead wraps ChaCha20-Poly1305 (IETF variant: 96-bit nonce,
// 128-bit tag) as required by spec §4.F, grounded on the teacher's own
// use of the same primitive in crypto/openpgp.go (`chacha
// "golang.org/x/crypto/chacha20poly1305"`) — the only AEAD this module
// uses anywhere, covering both block-stream encryption and the
// trailing per-key signature blocks.
package aead

import (
	"golang.org/x/crypto/chacha20poly1305"

	gerr "github.com/covert-encryption/covert/errors"
)

// KeySize and NonceSize match chacha20poly1305.{KeySize,NonceSize}.
const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = 16
)

// Seal encrypts plaintext with key/nonce/aad, returning a freshly
// allocated ciphertext||tag.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, gerr.New(err, "aead.Seal: bad key")
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts ciphertext||tag with key/nonce/aad, returning a freshly
// allocated plaintext.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, gerr.New(err, "aead.Open: bad key")
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

// SealInto encrypts plaintext in place: dst must alias or equal src
// (the common case is dst == src, a sub-slice of a larger ring buffer
// with TagSize bytes of free space after src), and receives
// plaintext||tag. dst and src may overlap exactly; chacha20poly1305's
// Seal already tolerates dst==src[:len(src)] when cap(dst) has room,
// which is the in-place shape spec §4.F and §5's ring-buffer model need.
func SealInto(dst, key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, gerr.New(err, "aead.SealInto: bad key")
	}
	buf := make([]byte, 0, len(plaintext)+TagSize)
	if cap(dst) >= len(plaintext)+TagSize && sameBacking(dst, plaintext) {
		buf = dst[:0]
	}
	return aead.Seal(buf, nonce, plaintext, aad), nil
}

// OpenInto decrypts ciphertext in place under the same aliasing
// contract as SealInto.
func OpenInto(dst, key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, gerr.New(err, "aead.OpenInto: bad key")
	}
	buf := dst[:0]
	if !sameBacking(dst, ciphertext) || cap(dst) < len(ciphertext) {
		buf = make([]byte, 0, len(ciphertext))
	}
	return aead.Open(buf, nonce, ciphertext, aad)
}

// sameBacking reports whether dst and src are views into the same
// backing array, which is the only case SealInto/OpenInto may write
// dst while still reading src without corrupting it (Seal/Open read
// src sequentially and only write dst once whole, so partial overlap
// where dst starts at or before src is still safe; we restrict to the
// simple aliasing case the block-stream ring buffer actually produces).
func sameBacking(a, b []byte) bool {
	if cap(a) == 0 || cap(b) == 0 {
		return cap(a) == cap(b)
	}
	return &a[:1][0] == &b[:1][0]
}
