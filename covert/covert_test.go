package covert

import (
	"bytes"
	"io"
	"testing"

	"github.com/covert-encryption/covert/archive"
	"github.com/covert-encryption/covert/blockstream"
	"github.com/covert-encryption/covert/header"
	"github.com/covert-encryption/covert/kdf"
	"github.com/covert-encryption/covert/key"
	"github.com/covert-encryption/covert/randutil"
	"github.com/covert-encryption/covert/ratchet"
)

func collectFile(t *testing.T, res **Result, req DecryptRequest, ciphertext []byte) []byte {
	t.Helper()
	var got bytes.Buffer
	r, err := Decrypt(ciphertext, req, func(fr archive.FileRecord, body io.Reader) error {
		_, err := io.Copy(&got, body)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	*res = r
	return got.Bytes()
}

func TestEncryptDecryptWideOpenRoundTrip(t *testing.T) {
	data := []byte("a secret-free message")
	size := int64(len(data))
	req := Request{
		WideOpen: true,
		Files:    []archive.FileSource{{Size: &size, Reader: bytes.NewReader(data)}},
	}
	var ct bytes.Buffer
	if err := Encrypt(req, &ct); err != nil {
		t.Fatal(err)
	}

	var res *Result
	got := collectFile(t, &res, DecryptRequest{}, ct.Bytes())
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, data)
	}
	if len(res.Signatures) != 0 {
		t.Fatalf("expected no signatures, got %d", len(res.Signatures))
	}
}

func TestEncryptDecryptPassphraseRoundTrip(t *testing.T) {
	pwhash := bytes.Repeat([]byte{0x11}, 16)
	data := []byte("passphrase protected payload")
	size := int64(len(data))
	req := Request{
		Pwhashes: [][]byte{pwhash},
		Files:    []archive.FileSource{{Size: &size, Reader: bytes.NewReader(data)}},
	}
	var ct bytes.Buffer
	if err := Encrypt(req, &ct); err != nil {
		t.Fatal(err)
	}

	nonce := ct.Bytes()[:12]
	authkey, err := kdf.Authkey(pwhash, nonce)
	if err != nil {
		t.Fatal(err)
	}
	candidates := []header.AuthCandidate{{Authkey: authkey}}

	var res *Result
	got := collectFile(t, &res, DecryptRequest{Candidates: candidates}, ct.Bytes())
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, data)
	}
}

func TestEncryptDecryptMultiPassphraseRoundTrip(t *testing.T) {
	pwhash1 := bytes.Repeat([]byte{0x21}, 16)
	pwhash2 := bytes.Repeat([]byte{0x22}, 16)
	data := []byte("shared between two passphrases")
	size := int64(len(data))
	req := Request{
		Pwhashes: [][]byte{pwhash1, pwhash2},
		Files:    []archive.FileSource{{Size: &size, Reader: bytes.NewReader(data)}},
	}
	var ct bytes.Buffer
	if err := Encrypt(req, &ct); err != nil {
		t.Fatal(err)
	}

	nonce := ct.Bytes()[:12]
	for _, pwhash := range [][]byte{pwhash1, pwhash2} {
		authkey, err := kdf.Authkey(pwhash, nonce)
		if err != nil {
			t.Fatal(err)
		}
		candidates := []header.AuthCandidate{{Authkey: authkey}}
		var res *Result
		got := collectFile(t, &res, DecryptRequest{Candidates: candidates}, ct.Bytes())
		if !bytes.Equal(got, data) {
			t.Fatalf("round trip mismatch for one of the two passphrases: got %q, want %q", got, data)
		}
	}
}

func TestEncryptDecryptWithSignerRoundTrip(t *testing.T) {
	signer, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("signed wide-open payload")
	size := int64(len(data))
	req := Request{
		WideOpen: true,
		Signers:  []*key.Key{signer},
		Files:    []archive.FileSource{{Size: &size, Reader: bytes.NewReader(data)}},
	}
	var ct bytes.Buffer
	if err := Encrypt(req, &ct); err != nil {
		t.Fatal(err)
	}

	var res *Result
	got := collectFile(t, &res, DecryptRequest{}, ct.Bytes())
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, data)
	}
	if len(res.Signatures) != 1 || !res.Signatures[0].Valid {
		t.Fatalf("expected a single valid signature, got %+v", res.Signatures)
	}
}

// TestDecryptWithRatchetCandidate wires a ratchet.State.Receive call
// through the real covert.Decrypt entry point (spec §4.H's "ratchet:
// header is authenticated via the ratchet's in-place receive(ciphertext)"
// special case), rather than only exercising header.Probe directly.
func TestDecryptWithRatchetCandidate(t *testing.T) {
	aliceEph, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	bobDH, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	shared := bytes.Repeat([]byte{0x07}, 32)

	alice := ratchet.NewState()
	if err := alice.PrepareAlice(shared, aliceEph, bobDH.PK); err != nil {
		t.Fatal(err)
	}
	bob := ratchet.NewState()
	if _, err := bob.InitBob(shared, bobDH, aliceEph.PK); err != nil {
		t.Fatal(err)
	}

	ratchetHeader, err := bob.EncryptHeader()
	if err != nil {
		t.Fatal(err)
	}
	msgKey := bob.NextSendKey()

	data := []byte("ratchet-protected message")
	size := int64(len(data))
	archEnc := archive.NewEncoder([]archive.FileSource{{Size: &size, Reader: bytes.NewReader(data)}}, nil, nil, 0)

	var ct bytes.Buffer
	ct.Write(ratchetHeader)
	firstCap := 1024 - len(ratchetHeader) - 19
	emit := func(block []byte) error {
		_, err := ct.Write(block)
		return err
	}
	nonceGen := randutil.NewNonceGen(append([]byte(nil), ratchetHeader[:12]...))
	if err := blockstream.Encrypt(msgKey, nonceGen, ratchetHeader, firstCap, archEnc.Next, nil, emit); err != nil {
		t.Fatal(err)
	}

	candidates := []header.AuthCandidate{{Ratchet: alice.Receive}}
	var res *Result
	got := collectFile(t, &res, DecryptRequest{Candidates: candidates}, ct.Bytes())
	if !bytes.Equal(got, data) {
		t.Fatalf("ratchet round trip mismatch: got %q, want %q", got, data)
	}
}

func TestDecryptRejectsWrongPassphrase(t *testing.T) {
	pwhash := bytes.Repeat([]byte{0x31}, 16)
	data := []byte("protected")
	size := int64(len(data))
	req := Request{
		Pwhashes: [][]byte{pwhash},
		Files:    []archive.FileSource{{Size: &size, Reader: bytes.NewReader(data)}},
	}
	var ct bytes.Buffer
	if err := Encrypt(req, &ct); err != nil {
		t.Fatal(err)
	}

	nonce := ct.Bytes()[:12]
	wrong := bytes.Repeat([]byte{0x99}, 16)
	authkey, err := kdf.Authkey(wrong, nonce)
	if err != nil {
		t.Fatal(err)
	}
	candidates := []header.AuthCandidate{{Authkey: authkey}}
	if _, err := Decrypt(ct.Bytes(), DecryptRequest{Candidates: candidates}, func(archive.FileRecord, io.Reader) error {
		return nil
	}); err == nil {
		t.Fatal("expected Decrypt to fail with the wrong passphrase")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	data := []byte("a secret-free message")
	size := int64(len(data))
	req := Request{
		WideOpen: true,
		Files:    []archive.FileSource{{Size: &size, Reader: bytes.NewReader(data)}},
	}
	var ct bytes.Buffer
	if err := Encrypt(req, &ct); err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), ct.Bytes()...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := Decrypt(tampered, DecryptRequest{}, func(archive.FileRecord, io.Reader) error {
		return nil
	}); err == nil {
		t.Fatal("expected Decrypt to reject a tampered container")
	}
}
