package ratchet

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/covert-encryption/covert/aead"
	"github.com/covert-encryption/covert/key"
)

func TestChainstepDeterministicAndDistinct(t *testing.T) {
	ck := bytes.Repeat([]byte{0x07}, 32)
	next1, out1 := chainstep(ck, []byte{0x01})
	next2, out2 := chainstep(ck, []byte{0x01})
	if !bytes.Equal(next1, next2) || !bytes.Equal(out1, out2) {
		t.Fatal("chainstep is not deterministic for identical inputs")
	}
	next3, out3 := chainstep(ck, []byte{0x02})
	if bytes.Equal(next1, next3) || bytes.Equal(out1, out3) {
		t.Fatal("chainstep did not vary with the domain byte")
	}
	if len(next1) != 32 || len(out1) != 32 {
		t.Fatalf("chainstep halves = %d/%d, want 32/32", len(next1), len(out1))
	}
}

func TestDeriveSymkeyIsCommutative(t *testing.T) {
	a, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	sharedA, err := deriveSymkey("test", a, b.PK)
	if err != nil {
		t.Fatal(err)
	}
	sharedB, err := deriveSymkey("test", b, a.PK)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sharedA, sharedB) {
		t.Fatal("deriveSymkey did not agree between both ends of the ECDH")
	}
}

func TestNonceFromCounter(t *testing.T) {
	n0 := nonceFromCounter(0)
	n1 := nonceFromCounter(1)
	if len(n0) != 12 || len(n1) != 12 {
		t.Fatal("nonceFromCounter must produce a 12-byte nonce")
	}
	if bytes.Equal(n0, n1) {
		t.Fatal("nonceFromCounter did not vary with the counter")
	}
	if binary.BigEndian.Uint32(n1[8:]) != 1 {
		t.Fatal("nonceFromCounter did not encode the counter in the last 4 bytes")
	}
}

func TestPrepareAliceCapsPreKeyWindow(t *testing.T) {
	s := NewState()
	local, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	peer, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < MAXSKIP+5; i++ {
		if err := s.PrepareAlice(bytes.Repeat([]byte{byte(i)}, 32), local, peer.PK); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.Pre) != MAXSKIP {
		t.Fatalf("len(Pre) = %d, want %d", len(s.Pre), MAXSKIP)
	}
	if s.Send.N != MAXSKIP+5 {
		t.Fatalf("Send.N = %d, want %d", s.Send.N, MAXSKIP+5)
	}
}

func TestSkipUpToRecordsExpiringEntries(t *testing.T) {
	s := NewState()
	s.Recv.CK = bytes.Repeat([]byte{0x09}, 32)
	s.Recv.HK = bytes.Repeat([]byte{0x0A}, 32)
	s.Recv.N = 0

	s.skipUpTo(3)
	if len(s.skipped) != 3 {
		t.Fatalf("skipUpTo(3) recorded %d entries, want 3", len(s.skipped))
	}

	s.EvictExpired(time.Now().Add(15 * 24 * time.Hour))
	if len(s.skipped) != 0 {
		t.Fatal("EvictExpired did not remove entries past their expiry")
	}
}

func TestBobSendsEncryptedHeaderAfterInitBob(t *testing.T) {
	alice, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	bobDH, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	shared := bytes.Repeat([]byte{0x05}, 32)

	bob := NewState()
	if _, err := bob.InitBob(shared, bobDH, alice.PK); err != nil {
		t.Fatal(err)
	}

	header, err := bob.EncryptHeader()
	if err != nil {
		t.Fatal(err)
	}
	nonce := nonceFromCounter(bob.Send.N)
	plain, err := aead.Open(bob.Send.HK, nonce, header, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain[:32], bob.DH.PK) {
		t.Fatal("decrypted header does not carry Bob's current ratchet public key")
	}
}

func TestAliceAndBobHandshakeAgreeOnMessageKey(t *testing.T) {
	aliceEph, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	bobStatic, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	bobDH, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}

	sharedAlice, err := deriveSymkey("x3dh", aliceEph, bobStatic.PK)
	if err != nil {
		t.Fatal(err)
	}
	sharedBob, err := deriveSymkey("x3dh", bobStatic, aliceEph.PK)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sharedAlice, sharedBob) {
		t.Fatal("Alice and Bob derived different shared secrets")
	}

	alice := NewState()
	if err := alice.PrepareAlice(sharedAlice, aliceEph, bobDH.PK); err != nil {
		t.Fatal(err)
	}

	bob := NewState()
	bobMsgKey, err := bob.InitBob(sharedBob, bobDH, aliceEph.PK)
	if err != nil {
		t.Fatal(err)
	}
	if len(bobMsgKey) != 32 {
		t.Fatalf("InitBob message key length = %d, want 32", len(bobMsgKey))
	}
}

// TestAliceOpensBobsFirstReply is spec §8 Scenario S4's core round
// trip: alice.prepare_alice(shared, a); bob.init_bob(shared, b, a_pub);
// b.send() ⇒ header1, mkb1; a.receive(header1) == mkb1.
func TestAliceOpensBobsFirstReply(t *testing.T) {
	aliceEph, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}
	bobDH, err := key.Generate()
	if err != nil {
		t.Fatal(err)
	}

	sharedAlice, err := deriveSymkey("x3dh", aliceEph, bobDH.PK)
	if err != nil {
		t.Fatal(err)
	}
	sharedBob, err := deriveSymkey("x3dh", bobDH, aliceEph.PK)
	if err != nil {
		t.Fatal(err)
	}

	alice := NewState()
	if err := alice.PrepareAlice(sharedAlice, aliceEph, bobDH.PK); err != nil {
		t.Fatal(err)
	}

	bob := NewState()
	if _, err := bob.InitBob(sharedBob, bobDH, aliceEph.PK); err != nil {
		t.Fatal(err)
	}

	header1, err := bob.EncryptHeader()
	if err != nil {
		t.Fatal(err)
	}
	mkb1 := bob.NextSendKey()

	mka1, err := alice.InitAlice(header1)
	if err != nil {
		t.Fatalf("InitAlice could not open Bob's first reply header: %v", err)
	}
	if !bytes.Equal(mka1, mkb1) {
		t.Fatal("a.receive(header1) != mkb1: Alice and Bob disagree on the first message key")
	}

	header2, err := bob.EncryptHeader()
	if err != nil {
		t.Fatal(err)
	}
	mkb2 := bob.NextSendKey()
	mka2, err := alice.DecryptMessage(header2)
	if err != nil {
		t.Fatalf("DecryptMessage could not open Bob's second header: %v", err)
	}
	if !bytes.Equal(mka2, mkb2) {
		t.Fatal("Alice and Bob disagree on the second message key")
	}
}
