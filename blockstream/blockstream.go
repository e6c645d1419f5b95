// Package blockstream implements spec §4.I's chained variable-length
// AEAD block format: a streaming ChaCha20-Poly1305 construction where
// each block's last three plaintext bytes carry the next block's
// length, removing any need for an external framing field.
//
// The worker pool is grounded on the teacher's concurrent.Dispatcher
// (concurrent/dispatcher.go) — a fixed pool of goroutines draining a
// task channel and reporting to a result channel — but rebuilt on
// golang.org/x/sync/errgroup: a plain errgroup.Group with SetLimit
// bounds the concurrent AEAD jobs, and results are drained in
// submission order, returning the first error met in that order.
// There is no cancellation or retry path.
package blockstream

import (
	"crypto/sha512"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/covert-encryption/covert/aead"
	gerr "github.com/covert-encryption/covert/errors"
	"github.com/covert-encryption/covert/key"
	"github.com/covert-encryption/covert/randutil"
	"github.com/covert-encryption/covert/xeddsa"
)

// Workers is the fixed pool size spec §5 fixes at 8.
const Workers = 8

// BS is the nominal plaintext capacity of a non-first block.
const BS = 0xFFFFFF

const (
	nextlenSize = 3
	tagSize     = aead.TagSize
	sigBlockLen = 80
)

// ErrDecrypt covers an AEAD tag failure once a block's exact length is
// already known (spec §7's DecryptError; distinct from the internal,
// silently-recovered length-guess retries).
var ErrDecrypt = errors.New("covert/blockstream: block authentication failed")

// BlockInput fills a block's plaintext region. It receives a buffer of
// the block's usable capacity and returns the number of bytes written;
// 0 signals end of input.
type BlockInput func(buf []byte) (int, error)

// Encrypt streams blockInput's output into chained AEAD blocks,
// writing each finished ciphertext block to emit, then appends one
// trailing 80-byte signature block per signing key. header/aad is the
// first block's associated data (the header bytes); firstCap is the
// first block's plaintext capacity (1024 - len(header) - 19 per spec).
func Encrypt(key_ []byte, nonceGen *randutil.NonceGen, headerAAD []byte, firstCap int, input BlockInput, signers []*key.Key, emit func([]byte) error) error {
	g := new(errgroup.Group)
	g.SetLimit(Workers)

	blkhash := make([]byte, 64)
	wroteAny := false

	type pending struct {
		idx  int
		out  chan []byte
		errc chan error
	}
	var queue []pending
	nextIdx := 0

	submit := func(plaintext, aad []byte, nonce []byte) pending {
		p := pending{idx: nextIdx, out: make(chan []byte, 1), errc: make(chan error, 1)}
		nextIdx++
		pt := plaintext
		n := nonce
		a := aad
		g.Go(func() error {
			ct, err := aead.Seal(key_, n, pt, a)
			if err != nil {
				p.errc <- err
				return err
			}
			p.out <- ct
			return nil
		})
		return p
	}

	drain := func(p pending) ([]byte, error) {
		select {
		case ct := <-p.out:
			return ct, nil
		case err := <-p.errc:
			return nil, err
		}
	}

	cap_ := firstCap
	aad := headerAAD
	curBuf := make([]byte, cap_+nextlenSize)
	n, err := input(curBuf[:cap_])
	if err != nil {
		return gerr.New(err, "Encrypt: block_input")
	}
	curLen := n

	for {
		nextCap := BS
		peekBuf := make([]byte, nextCap+nextlenSize)
		nn, err := input(peekBuf[:nextCap])
		if err != nil {
			return gerr.New(err, "Encrypt: block_input")
		}
		isLast := nn == 0

		plaintext := make([]byte, curLen+nextlenSize)
		copy(plaintext, curBuf[:curLen])
		nextlen := 0
		if !isLast {
			nextlen = nn
		}
		putUint24(plaintext[curLen:], nextlen)

		nonce := nonceGen.Next()
		p := submit(plaintext, aad, nonce)
		queue = append(queue, p)

		if curLen > 0 || len(queue) > 0 {
			wroteAny = true
		}

		if isLast {
			break
		}
		curLen = nn
		curBuf = peekBuf
		aad = nil
	}

	for _, p := range queue {
		ct, err := drain(p)
		if err != nil {
			return gerr.New(err, "Encrypt: block %d", p.idx)
		}
		if err := emit(ct); err != nil {
			return err
		}
		tag := ct[len(ct)-tagSize:]
		h := sha512.New()
		h.Write(blkhash)
		h.Write(tag)
		blkhash = h.Sum(nil)
	}
	_ = g.Wait()

	if !wroteAny {
		nonce := nonceGen.Next()
		ct, err := aead.Seal(key_, nonce, make([]byte, nextlenSize), headerAAD)
		if err != nil {
			return gerr.New(err, "Encrypt: empty terminator block")
		}
		if err := emit(ct); err != nil {
			return err
		}
		tag := ct[len(ct)-tagSize:]
		h := sha512.New()
		h.Write(blkhash)
		h.Write(tag)
		blkhash = h.Sum(nil)
	}

	for _, s := range signers {
		sig := xeddsa.Sign(s.EdSK, blkhash).Bytes()
		nonceH := sha512.Sum512(append(append([]byte(nil), blkhash...), s.EdPK...))
		nonceSig := nonceH[:12]
		keySig := blkhash[:32]
		ct, err := aead.Seal(keySig, nonceSig, sig, nil)
		if err != nil {
			return gerr.New(err, "Encrypt: signature block")
		}
		if err := emit(ct); err != nil {
			return err
		}
	}
	return nil
}

func putUint24(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func getUint24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

// Signature reports the outcome of verifying one trailing signature
// block against the stream's block hash.
type Signature struct {
	Key     []byte
	Valid   bool
	Message string
}

// DecryptBlocks decodes the chained block stream starting at block 0,
// located (but not yet opened) by the header package. block0Ciphertext
// is block 0's raw ciphertext||tag and block0AAD its associated data
// (the header bytes), so block 0's tag folds into the running block
// hash the same way every later block's does — the signature blocks
// Encrypt appends are keyed off that same hash, so omitting block 0's
// own tag here would make every signature fail to verify. next yields
// subsequent raw ciphertext blocks of exactly the length the previous
// block's trailing nextlen declares. yield receives each block's
// plaintext with the trailing 3-byte length field stripped.
func DecryptBlocks(key_ []byte, nonceGen *randutil.NonceGen, block0Ciphertext, block0AAD []byte, next func(length int) ([]byte, error), yield func([]byte) error) ([]byte, error) {
	blkhash := make([]byte, 64)
	updateHash := func(ct []byte) {
		tag := ct[len(ct)-tagSize:]
		h := sha512.New()
		h.Write(blkhash)
		h.Write(tag)
		blkhash = h.Sum(nil)
	}

	nonce0 := nonceGen.Next()
	block0, err := aead.Open(key_, nonce0, block0Ciphertext, block0AAD)
	if err != nil {
		return nil, gerr.New(ErrDecrypt, "DecryptBlocks: block 0 tag mismatch")
	}
	updateHash(block0Ciphertext)

	plaintext := block0
	for {
		if len(plaintext) < nextlenSize {
			return nil, gerr.New(ErrDecrypt, "DecryptBlocks: short block")
		}
		data := plaintext[:len(plaintext)-nextlenSize]
		nextlen := getUint24(plaintext[len(plaintext)-nextlenSize:])
		if err := yield(data); err != nil {
			return nil, err
		}
		if nextlen == 0 {
			break
		}
		ct, err := next(nextlen + tagSize + nextlenSize)
		if err != nil {
			return nil, err
		}
		nonce := nonceGen.Next()
		pt, err := aead.Open(key_, nonce, ct, nil)
		if err != nil {
			return nil, gerr.New(ErrDecrypt, "DecryptBlocks: tag mismatch")
		}
		updateHash(ct)
		plaintext = pt
	}
	return blkhash, nil
}

// VerifySignatures checks one 80-byte signature block per signer
// public key listed in the archive index, per spec §4.I's final step.
func VerifySignatures(blkhash []byte, signerPKs [][]byte, readBlock func() ([]byte, error)) ([]Signature, error) {
	var out []Signature
	for _, pk := range signerPKs {
		ct, err := readBlock()
		if err != nil {
			return out, err
		}
		nonceH := sha512.Sum512(append(append([]byte(nil), blkhash...), pk...))
		keySig := blkhash[:32]
		sig, err := aead.Open(keySig, nonceH[:12], ct, nil)
		if err != nil {
			out = append(out, Signature{Key: pk, Valid: false, Message: "Signature corrupted or data manipulated"})
			continue
		}
		if xeddsa.Verify(pk, blkhash, sig) {
			out = append(out, Signature{Key: pk, Valid: true, Message: "Signature verified"})
		} else {
			out = append(out, Signature{Key: pk, Valid: false, Message: "Forged signature"})
		}
	}
	return out, nil
}
