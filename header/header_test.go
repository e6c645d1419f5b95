package header

import (
	"bytes"
	"testing"

	"github.com/covert-encryption/covert/aead"
	"github.com/covert-encryption/covert/key"
)

// sealBlock0 appends a small AEAD-sealed block 0 (16 zero payload bytes
// and a zero nextlen) to prologue under key_, giving Probe's trial
// decryption a real target.
func sealBlock0(t *testing.T, key_, prologue []byte) []byte {
	t.Helper()
	plain := make([]byte, 19) // 16-byte payload + 3-byte nextlen
	sealed, err := aead.Seal(key_, prologue[:12], plain, prologue)
	if err != nil {
		t.Fatal(err)
	}
	return append(append([]byte(nil), prologue...), sealed...)
}

func TestWideOpenBuildProbe(t *testing.T) {
	enc, err := Build(true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(enc.Key, make([]byte, 32)) {
		t.Fatal("wide-open build did not produce an all-zero file key")
	}

	ct := sealBlock0(t, enc.Key, enc.Bytes)
	result, err := Probe(ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(result.Key, make([]byte, 32)) {
		t.Fatal("Probe did not recover the wide-open key")
	}
}

func TestSinglePassphraseBuildProbe(t *testing.T) {
	pwhash := bytes.Repeat([]byte{0x09}, 16)
	enc, err := Build(false, [][]byte{pwhash}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc.Bytes) != 12 {
		t.Fatalf("single-auth header should be nonce-only (12 bytes), got %d", len(enc.Bytes))
	}

	ct := sealBlock0(t, enc.Key, enc.Bytes)

	authkey, err := authkeyFromPwhash(pwhash, enc.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	result, err := Probe(ct, []AuthCandidate{{Authkey: authkey}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(result.Key, enc.Key) {
		t.Fatal("Probe did not recover the single-passphrase file key")
	}
}

func TestMultiAuthBuildProbe(t *testing.T) {
	pwhash1 := bytes.Repeat([]byte{0x01}, 16)
	pwhash2 := bytes.Repeat([]byte{0x02}, 16)
	enc, err := Build(false, [][]byte{pwhash1, pwhash2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc.Bytes) <= 32 {
		t.Fatalf("multi-auth header should carry at least one slot, got %d bytes", len(enc.Bytes))
	}

	ct := sealBlock0(t, enc.Key, enc.Bytes)

	nonce := enc.Bytes[:12]
	ak1, err := authkeyFromPwhash(pwhash1, nonce)
	if err != nil {
		t.Fatal(err)
	}
	ak2, err := authkeyFromPwhash(pwhash2, nonce)
	if err != nil {
		t.Fatal(err)
	}
	for _, ak := range [][]byte{ak1, ak2} {
		result, err := Probe(ct, []AuthCandidate{{Authkey: ak}})
		if err != nil {
			t.Fatalf("Probe failed for a valid auth candidate: %v", err)
		}
		if !bytes.Equal(result.Key, enc.Key) {
			t.Fatal("Probe recovered the wrong file key")
		}
	}
}

func TestProbeFailsWithWrongAuthkey(t *testing.T) {
	pwhash := bytes.Repeat([]byte{0x09}, 16)
	enc, err := Build(false, [][]byte{pwhash}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ct := sealBlock0(t, enc.Key, enc.Bytes)

	wrong := bytes.Repeat([]byte{0xFF}, 32)
	if _, err := Probe(ct, []AuthCandidate{{Authkey: wrong}}); err == nil {
		t.Fatal("Probe succeeded with a wrong authkey")
	}
}

// TestSingleRecipientBuildProbe is spec §8 Scenario S2's auth step: a
// lone public-key recipient with no passphrase must still carry the
// full 32-byte hidden ephemeral key, and RecipientCandidate must
// recover the same file key Build derived for that recipient.
func TestSingleRecipientBuildProbe(t *testing.T) {
	recipient, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	enc, err := Build(false, nil, []*key.Key{recipient})
	if err != nil {
		t.Fatal(err)
	}
	if len(enc.Bytes) != 32 {
		t.Fatalf("single-recipient header should carry the full hidden eph key (32 bytes), got %d", len(enc.Bytes))
	}

	ct := sealBlock0(t, enc.Key, enc.Bytes)

	cand, err := RecipientCandidate(ct[:32], recipient)
	if err != nil {
		t.Fatal(err)
	}
	result, err := Probe(ct, []AuthCandidate{cand})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(result.Key, enc.Key) {
		t.Fatal("Probe did not recover the single-recipient file key")
	}
}

// TestRecipientCandidateRejectsWrongRecipient checks that an
// unrelated key's candidate authkey does not open the header.
func TestRecipientCandidateRejectsWrongRecipient(t *testing.T) {
	recipient, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	other, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	enc, err := Build(false, nil, []*key.Key{recipient})
	if err != nil {
		t.Fatal(err)
	}
	ct := sealBlock0(t, enc.Key, enc.Bytes)

	cand, err := RecipientCandidate(ct[:32], other)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Probe(ct, []AuthCandidate{cand}); err == nil {
		t.Fatal("Probe succeeded for a recipient that was never sent the file")
	}
}

func TestBuildRejectsTooManyRecipients(t *testing.T) {
	pwhashes := make([][]byte, maxSlots+1)
	for i := range pwhashes {
		pwhashes[i] = bytes.Repeat([]byte{byte(i)}, 16)
	}
	if _, err := Build(false, pwhashes, nil); err == nil {
		t.Fatal("expected error when auth count exceeds maxSlots")
	}
}
