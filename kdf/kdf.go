// Package kdf implements the two-stage Argon2id passphrase pipeline of
// spec §4.G, built directly on golang.org/x/crypto/argon2 — already a
// teacher dependency (golang.org/x/crypto) — since the teacher itself
// never reimplements a KDF primitive by hand anywhere in crypto/.
package kdf

import (
	"errors"

	"golang.org/x/crypto/argon2"

	gerr "github.com/covert-encryption/covert/errors"
	"github.com/covert-encryption/covert/randutil"
)

const (
	pwhashSalt  = "covertpassphrase"
	pwhashLen   = 16
	authkeyLen  = 32
	memLimiKiB  = 256 * 1024 // 256 MiB
	minPassLen  = 8
	authkeyOps  = 2
	pwhashOpsOf = 8 // opslimit = 8 * costfactor(pw)
)

// ErrPassphraseTooShort is returned by Pwhash for passphrases under 8
// UTF-8 bytes.
var ErrPassphraseTooShort = errors.New("covert/kdf: passphrase shorter than 8 bytes")

// ErrNonceLength is returned by Authkey when the nonce is not 12 bytes.
var ErrNonceLength = errors.New("covert/kdf: nonce must be 12 bytes")

// CostFactor returns 1 << min(4, max(0, 12-len(pw))), up to 16x harder
// Argon2 work for very short passphrases, per spec §4.G. For the 8-byte
// minimum Pwhash accepts the cap is not reached.
func CostFactor(pw []byte) uint32 {
	n := 12 - len(pw)
	if n < 0 {
		n = 0
	}
	if n > 4 {
		n = 4 // cap to match spec's documented "up to 16x" (1<<4)
	}
	return 1 << uint(n)
}

// Pwhash is Argon2id's expensive stage-1 hash, cacheable across many
// files encrypted/decrypted under the same passphrase.
func Pwhash(pw []byte) ([]byte, error) {
	if len(pw) < minPassLen {
		return nil, gerr.New(ErrPassphraseTooShort, "len=%d", len(pw))
	}
	normalized := []byte(randutil.NFKC(string(pw)))
	ops := pwhashOpsOf * CostFactor(normalized)
	return argon2.IDKey(normalized, []byte(pwhashSalt), ops, memLimiKiB, 1, pwhashLen), nil
}

// Authkey derives the cheap per-file stage-2 key from a cached pwhash
// and the file's 12-byte nonce.
func Authkey(pwhash, nonce []byte) ([]byte, error) {
	if len(nonce) != 12 {
		return nil, gerr.New(ErrNonceLength, "len=%d", len(nonce))
	}
	return argon2.IDKey(nonce, pwhash, authkeyOps, memLimiKiB, 1, authkeyLen), nil
}
