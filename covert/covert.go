// Package covert is the public entry point tying together the header,
// block-stream and archive layers into the single Encrypt/Decrypt API
// spec §2's data-flow description names: header builds the prologue
// and derives the file key, archive streams plaintext into the block
// stream's block_input callback, and the block stream finalises each
// block with ChaCha20-Poly1305, appending per-key signatures at the
// end.
package covert

import (
	"bytes"
	"io"

	"github.com/covert-encryption/covert/archive"
	"github.com/covert-encryption/covert/blockstream"
	gerr "github.com/covert-encryption/covert/errors"
	"github.com/covert-encryption/covert/header"
	"github.com/covert-encryption/covert/key"
	"github.com/covert-encryption/covert/logger"
	"github.com/covert-encryption/covert/randutil"
)

// Request describes one encryption operation's inputs.
type Request struct {
	WideOpen   bool
	Pwhashes   [][]byte
	Recipients []*key.Key
	Signers    []*key.Key
	Files      []archive.FileSource
	Ratchet    *int
	PadRatio   float64
}

// Encrypt runs the full pipeline and writes the resulting container
// to w.
func Encrypt(req Request, w io.Writer) error {
	enc, err := header.Build(req.WideOpen, req.Pwhashes, req.Recipients)
	if err != nil {
		return err
	}
	logger.Printf(logger.DBG, "covert: header built, %d bytes", len(enc.Bytes))

	total := int64(0)
	for _, f := range req.Files {
		if f.Size != nil {
			total += *f.Size
		}
	}
	padding, err := randutil.PaddingSize(int(total), req.PadRatio)
	if err != nil {
		return err
	}

	archEnc := archive.NewEncoder(req.Files, signerPubkeys(req.Signers), req.Ratchet, padding)

	if _, err := w.Write(enc.Bytes); err != nil {
		return gerr.New(err, "covert.Encrypt: write header")
	}
	firstCap := 1024 - len(enc.Bytes) - 19

	emit := func(block []byte) error {
		_, err := w.Write(block)
		return err
	}
	return blockstream.Encrypt(enc.Key, enc.NonceGen, enc.Bytes, firstCap, archEnc.Next, req.Signers, emit)
}

func signerPubkeys(signers []*key.Key) [][]byte {
	out := make([][]byte, len(signers))
	for i, s := range signers {
		out[i] = s.EdPK
	}
	return out
}

// DecryptRequest describes the auth candidates a receiver offers.
type DecryptRequest struct {
	Candidates []header.AuthCandidate
}

// Result is a decrypted container's yielded contents.
type Result struct {
	Index      *archive.Index
	Signatures []blockstream.Signature
}

// Decrypt authenticates ciphertext against req's candidates, streams
// archive contents to onFile, and returns the verified index and
// trailing signatures.
func Decrypt(ciphertext []byte, req DecryptRequest, onFile func(archive.FileRecord, io.Reader) error) (*Result, error) {
	probe, err := header.Probe(ciphertext, req.Candidates)
	if err != nil {
		return nil, err
	}

	nonce := append([]byte(nil), ciphertext[:12]...)
	nonceGen := randutil.NewNonceGen(nonce)

	var plaintext bytes.Buffer
	cursor := probe.Block0Pos + probe.Block0Len + 19
	block0ct := ciphertext[probe.Block0Pos:cursor]
	block0aad := ciphertext[:probe.Block0Pos]

	next := func(length int) ([]byte, error) {
		if cursor+length > len(ciphertext) {
			return nil, gerr.New(blockstream.ErrDecrypt, "Decrypt: truncated stream")
		}
		block := ciphertext[cursor : cursor+length]
		cursor += length
		return block, nil
	}
	yield := func(p []byte) error {
		_, err := plaintext.Write(p)
		return err
	}

	blkhash, err := blockstream.DecryptBlocks(probe.Key, nonceGen, block0ct, block0aad, next, yield)
	if err != nil {
		return nil, err
	}

	dec := archive.NewDecoder(&plaintext)
	idx, err := dec.ReadIndex()
	if err != nil {
		return nil, err
	}
	for _, fr := range idx.Files {
		var buf bytes.Buffer
		if err := dec.ReadFile(fr, func(chunk []byte) error {
			_, err := buf.Write(chunk)
			return err
		}); err != nil {
			return nil, err
		}
		if err := onFile(fr, &buf); err != nil {
			return nil, err
		}
	}

	sigs, err := blockstream.VerifySignatures(blkhash, idx.Signers, func() ([]byte, error) {
		if cursor+80 > len(ciphertext) {
			return nil, gerr.New(blockstream.ErrDecrypt, "Decrypt: missing signature block")
		}
		b := ciphertext[cursor : cursor+80]
		cursor += 80
		return b, nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{Index: idx, Signatures: sigs}, nil
}
