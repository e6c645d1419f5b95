package blockstream

import (
	"bytes"
	"testing"

	"github.com/covert-encryption/covert/key"
	"github.com/covert-encryption/covert/randutil"
)

// runEncrypt is a small harness that Encrypts data into a slice of raw
// blocks (as they'd appear concatenated on the wire) and returns them
// split at block boundaries, the header AAD used, and the key/nonce.
func runEncrypt(t *testing.T, key_ []byte, headerAAD []byte, firstCap int, data []byte, signers []*key.Key) [][]byte {
	t.Helper()
	nonceGen := randutil.NewNonceGen(append([]byte(nil), headerAAD[:12]...))
	pos := 0
	input := func(buf []byte) (int, error) {
		n := copy(buf, data[pos:])
		pos += n
		return n, nil
	}
	var blocks [][]byte
	emit := func(b []byte) error {
		blocks = append(blocks, append([]byte(nil), b...))
		return nil
	}
	if err := Encrypt(key_, nonceGen, headerAAD, firstCap, input, signers, emit); err != nil {
		t.Fatal(err)
	}
	return blocks
}

func TestEncryptDecryptRoundTripSingleBlock(t *testing.T) {
	key_ := bytes.Repeat([]byte{0x11}, 32)
	headerAAD := bytes.Repeat([]byte{0x22}, 12)
	data := []byte("hello, covert block stream")

	blocks := runEncrypt(t, key_, headerAAD, 1024-len(headerAAD)-19, data, nil)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 data block for small input, got %d", len(blocks))
	}

	nonceGen := randutil.NewNonceGen(append([]byte(nil), headerAAD[:12]...))
	var out bytes.Buffer
	idx := 1
	next := func(length int) ([]byte, error) {
		b := blocks[idx]
		idx++
		return b, nil
	}
	yield := func(p []byte) error {
		_, err := out.Write(p)
		return err
	}
	blkhash, err := DecryptBlocks(key_, nonceGen, blocks[0], headerAAD, next, yield)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("round trip mismatch: got %q, want %q", out.Bytes(), data)
	}
	if len(blkhash) != 64 {
		t.Fatalf("blkhash length = %d, want 64", len(blkhash))
	}
}

func TestEncryptEmptyInputEmitsTerminatorBlock(t *testing.T) {
	key_ := bytes.Repeat([]byte{0x33}, 32)
	headerAAD := bytes.Repeat([]byte{0x44}, 12)

	blocks := runEncrypt(t, key_, headerAAD, 1024-len(headerAAD)-19, nil, nil)
	if len(blocks) != 1 {
		t.Fatalf("expected a single empty terminator block, got %d", len(blocks))
	}

	nonceGen := randutil.NewNonceGen(append([]byte(nil), headerAAD[:12]...))
	var out bytes.Buffer
	next := func(length int) ([]byte, error) {
		t.Fatal("next should not be called for a single-block stream")
		return nil, nil
	}
	yield := func(p []byte) error {
		_, err := out.Write(p)
		return err
	}
	if _, err := DecryptBlocks(key_, nonceGen, blocks[0], headerAAD, next, yield); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no plaintext from an empty input, got %d bytes", out.Len())
	}
}

func TestEncryptDecryptRoundTripMultiBlock(t *testing.T) {
	key_ := bytes.Repeat([]byte{0x55}, 32)
	headerAAD := bytes.Repeat([]byte{0x66}, 12)
	firstCap := 8 // force at least one chained block for modest input
	data := bytes.Repeat([]byte("0123456789"), 5)

	blocks := runEncrypt(t, key_, headerAAD, firstCap, data, nil)
	if len(blocks) < 2 {
		t.Fatalf("expected multiple chained blocks, got %d", len(blocks))
	}

	nonceGen := randutil.NewNonceGen(append([]byte(nil), headerAAD[:12]...))
	var out bytes.Buffer
	idx := 1
	next := func(length int) ([]byte, error) {
		if idx >= len(blocks) {
			t.Fatal("next called beyond available blocks")
		}
		b := blocks[idx]
		idx++
		return b, nil
	}
	yield := func(p []byte) error {
		_, err := out.Write(p)
		return err
	}
	if _, err := DecryptBlocks(key_, nonceGen, blocks[0], headerAAD, next, yield); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("multi-block round trip mismatch: got %q, want %q", out.Bytes(), data)
	}
}

func TestDecryptBlocksRejectsTamperedBlock0(t *testing.T) {
	key_ := bytes.Repeat([]byte{0x77}, 32)
	headerAAD := bytes.Repeat([]byte{0x88}, 12)
	blocks := runEncrypt(t, key_, headerAAD, 1024-len(headerAAD)-19, []byte("data"), nil)

	tampered := append([]byte(nil), blocks[0]...)
	tampered[len(tampered)-1] ^= 0xFF

	nonceGen := randutil.NewNonceGen(append([]byte(nil), headerAAD[:12]...))
	next := func(length int) ([]byte, error) { return nil, nil }
	yield := func(p []byte) error { return nil }
	if _, err := DecryptBlocks(key_, nonceGen, tampered, headerAAD, next, yield); err == nil {
		t.Fatal("expected tampered block 0 to fail authentication")
	}
}

func TestVerifySignaturesRoundTrip(t *testing.T) {
	key_ := bytes.Repeat([]byte{0x99}, 32)
	headerAAD := bytes.Repeat([]byte{0xAA}, 12)
	signer, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}

	blocks := runEncrypt(t, key_, headerAAD, 1024-len(headerAAD)-19, []byte("signed payload"), []*key.Key{signer})
	if len(blocks) != 2 {
		t.Fatalf("expected 1 data block + 1 signature block, got %d", len(blocks))
	}

	nonceGen := randutil.NewNonceGen(append([]byte(nil), headerAAD[:12]...))
	idx := 1
	next := func(length int) ([]byte, error) {
		b := blocks[idx]
		idx++
		return b, nil
	}
	yield := func(p []byte) error { return nil }
	blkhash, err := DecryptBlocks(key_, nonceGen, blocks[0], headerAAD, next, yield)
	if err != nil {
		t.Fatal(err)
	}

	sigIdx := idx
	readBlock := func() ([]byte, error) {
		b := blocks[sigIdx]
		sigIdx++
		return b, nil
	}
	sigs, err := VerifySignatures(blkhash, [][]byte{signer.EdPK}, readBlock)
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 || !sigs[0].Valid {
		t.Fatalf("expected a single valid signature, got %+v", sigs)
	}
}

func TestVerifySignaturesRejectsForgedSigner(t *testing.T) {
	key_ := bytes.Repeat([]byte{0xBB}, 32)
	headerAAD := bytes.Repeat([]byte{0xCC}, 12)
	signer, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	other, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}

	blocks := runEncrypt(t, key_, headerAAD, 1024-len(headerAAD)-19, []byte("signed payload"), []*key.Key{signer})

	nonceGen := randutil.NewNonceGen(append([]byte(nil), headerAAD[:12]...))
	idx := 1
	next := func(length int) ([]byte, error) {
		b := blocks[idx]
		idx++
		return b, nil
	}
	yield := func(p []byte) error { return nil }
	blkhash, err := DecryptBlocks(key_, nonceGen, blocks[0], headerAAD, next, yield)
	if err != nil {
		t.Fatal(err)
	}

	sigIdx := idx
	readBlock := func() ([]byte, error) {
		b := blocks[sigIdx]
		sigIdx++
		return b, nil
	}
	sigs, err := VerifySignatures(blkhash, [][]byte{other.EdPK}, readBlock)
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 || sigs[0].Valid {
		t.Fatal("expected signature verification to fail against the wrong signer key")
	}
}

func TestPutGetUint24RoundTrip(t *testing.T) {
	cases := []int{0, 1, 255, 256, 65535, 65536, 0xFFFFFF}
	for _, v := range cases {
		b := make([]byte, 3)
		putUint24(b, v)
		if got := getUint24(b); got != v {
			t.Fatalf("getUint24(putUint24(%d)) = %d", v, got)
		}
	}
}
