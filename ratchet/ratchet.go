// Package ratchet implements the Signal-like Double Ratchet of spec
// §4.K: header-encrypted, multiple initiator pre-keys before any
// round-trip, and a bounded skipped-message-key list.
//
// Grounded on oxzi-xochimilco/doubleratchet's chainKdf/rootKdf split
// (key_ratchet.go) for the "derive (next-key, message-key) by hashing
// the current key with a domain byte" shape, rewritten around spec
// §4.K's own chainstep/derive_symkey formulas (SHA-512 split rather
// than HMAC/HKDF) since the spec fixes its own KDF rather than
// delegating to RFC 5869. ericlagergren-dr's djb.go/dr.go confirm the
// same "DH-ratchet struct holding root key + per-direction chain"
// layout this package follows.
package ratchet

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"strconv"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/covert-encryption/covert/aead"
	gerr "github.com/covert-encryption/covert/errors"
	"github.com/covert-encryption/covert/key"
)

// MAXSKIP bounds both the pre-key window and the skipped-message-key
// window, per spec §4.K.
const MAXSKIP = 20

// ErrHeaderAuth is returned when no candidate key decrypts a header.
var ErrHeaderAuth = errors.New("covert/ratchet: no candidate key opened the header")

// SymChain is one direction (send or receive) of the ratchet: a
// message-numbering chain key CK plus the header-key pair HK/NHK used
// to encrypt the per-message DH header.
type SymChain struct {
	N, PN, CN int
	CK, HK, NHK []byte
}

// chainstep implements spec §4.K's chainstep(CK, addn): split
// sha512(CK||addn) into a 32-byte continuation and a 32-byte output.
func chainstep(ck, addn []byte) (next, out []byte) {
	h := sha512.New()
	h.Write(ck)
	h.Write(addn)
	sum := h.Sum(nil)
	return append([]byte(nil), sum[:32]...), append([]byte(nil), sum[32:]...)
}

// deriveSymkey is spec §4.K/§4.H's derive_symkey(label, local, peerPK)
// = sha512(label || X25519(local.sk, peerPK))[:32].
func deriveSymkey(label string, local *key.Key, peerPK []byte) ([]byte, error) {
	shared, err := curve25519.X25519(local.SK, peerPK)
	if err != nil {
		return nil, gerr.New(err, "ratchet.deriveSymkey: X25519")
	}
	h := sha512.New()
	h.Write([]byte(label))
	h.Write(shared)
	return h.Sum(nil)[:32], nil
}

// SkippedKey identifies one retained skipped message key.
type SkippedKey struct {
	HK []byte
	N  int
}

type skippedEntry struct {
	hk     []byte
	n      int
	msgKey []byte
	expiry time.Time
}

// preEntry is one of Alice's candidate pre-keys: the raw shared secret
// Bob will use unhashed as his first reply's header key (see
// PrepareAlice), plus the root-key contribution and local DH key
// needed to resume Bob's dhratchet turn exactly if this entry turns
// out to be the one he replied to.
type preEntry struct {
	shared    []byte
	partialRK []byte
	localKey  *key.Key
}

// State is the full Double Ratchet state for one conversation.
type State struct {
	DH   *key.Key
	RK   []byte
	Send SymChain
	Recv SymChain

	Pre []preEntry // Alice's candidate pre-keys before any reply

	skipped map[string]skippedEntry
}

func skipKey(hk []byte, n int) string {
	return string(hk) + ":" + strconv.Itoa(n)
}

// NewState returns a zeroed ratchet ready for PrepareAlice or InitBob.
func NewState() *State {
	return &State{skipped: make(map[string]skippedEntry)}
}

// dhratchet implements the classic DH-ratchet turn: advance the
// receive chain under the peer's new key and the outgoing local key,
// then rotate to a fresh local key and advance the send chain under
// the same peer key.
func (s *State) dhratchet(peerkey []byte) error {
	if err := s.dhstep(&s.Recv, peerkey); err != nil {
		return err
	}
	newLocal, err := key.Generate()
	if err != nil {
		return err
	}
	s.DH = newLocal
	return s.dhstep(&s.Send, peerkey)
}

// dhstep is SymChain.dhstep of spec §4.K.
func (s *State) dhstep(sc *SymChain, peerkey []byte) error {
	shared, err := deriveSymkey("ratchet", s.DH, peerkey)
	if err != nil {
		return err
	}
	sc.CN += sc.N
	sc.PN = sc.N
	sc.N = 0
	sc.HK = sc.NHK
	newRK, newCK := chainstep(s.RK, shared)
	s.RK = newRK
	sc.CK = newCK
	_, nhk := chainstep(s.RK, []byte("hkey"))
	sc.NHK = nhk
	return nil
}

// PrepareAlice records one more pre-key the initiator may use before
// any reply arrives, capped at the last MAXSKIP, and advances the
// send counter that the archive index's "r" field advertises.
//
// peerkey is the responder's already-known ratchet public key (the
// counterpart of the localKey Bob will pass to InitBob) — the same
// value InitBob's own dhratchet turn folds in via its Recv step. Alice
// needs it now, not just at reply time, because Bob's first reply key
// is derived through *two* chained DH contributions (his dhratchet's
// Recv step, then its Send step), while the raw shared secret pushed
// onto Pre only gives the zeroth. Folding in this first contribution
// here — at the same "depth" Bob computes it at — is what lets
// InitAlice's later, single dhratchet call land on the same chain key
// Bob's EncryptHeader used.
func (s *State) PrepareAlice(shared []byte, localKey *key.Key, peerkey []byte) error {
	shared2, err := deriveSymkey("ratchet", localKey, peerkey)
	if err != nil {
		return err
	}
	partialRK, _ := chainstep(shared, shared2)
	s.Pre = append(s.Pre, preEntry{
		shared:    append([]byte(nil), shared...),
		partialRK: partialRK,
		localKey:  localKey,
	})
	if len(s.Pre) > MAXSKIP {
		s.Pre = s.Pre[len(s.Pre)-MAXSKIP:]
	}
	s.DH = localKey
	s.Send.N++
	return nil
}

// InitBob consumes the responder's side of a pre-key initiation. The
// raw shared secret becomes both chains' NHK unhashed — dhstep copies
// it straight into HK for the very first reply, before any chainstep
// — which is why InitAlice below must test Pre entries' raw shared
// value directly rather than a chainstep of it.
func (s *State) InitBob(shared []byte, localKey *key.Key, peerkey []byte) ([]byte, error) {
	s.DH = localKey
	s.RK = shared
	s.Recv.NHK = shared
	s.Send.NHK = shared
	if err := s.dhratchet(peerkey); err != nil {
		return nil, err
	}
	_, msgKey := chainstep(s.Recv.CK, []byte{0x01})
	return msgKey, nil
}

// InitAlice tries each pending pre-key's raw shared secret as a
// candidate header key over message numbers 0..MAXSKIP until one
// decrypts header, per spec §4.K. On success it clears Pre, adopts
// the matched entry's pre-advanced root key and local DH key, folds
// in the peer's new DH key carried in the header via the same
// dhratchet turn InitBob performed, skips forward to the matched
// message number, and returns that message's key.
func (s *State) InitAlice(header []byte) ([]byte, error) {
	if len(header) < 34 {
		return nil, gerr.New(ErrHeaderAuth, "InitAlice: short header")
	}
	for _, p := range s.Pre {
		for n := 0; n < MAXSKIP; n++ {
			nonce := nonceFromCounter(n)
			if plain, err := aead.Open(p.shared, nonce, header, nil); err == nil {
				s.Pre = nil
				s.DH = p.localKey
				s.RK = p.partialRK
				s.Recv.NHK = p.shared
				peerPK := plain[:32]
				if err := s.dhratchet(peerPK); err != nil {
					return nil, err
				}
				s.skipUpTo(n)
				ck, msgKey := chainstep(s.Recv.CK, []byte{0x01})
				s.Recv.CK = ck
				s.Recv.N = n + 1
				return msgKey, nil
			}
		}
	}
	return nil, gerr.New(ErrHeaderAuth, "InitAlice: no pre-key matched")
}

// Receive implements spec §4.H's ratchet auth candidate: "header is
// authenticated via the ratchet's in-place receive(ciphertext)
// returning the authkey, then _find_block0(authkey, 50)". The
// ratchet's own 50-byte header (34-byte plaintext plus 16-byte AEAD
// tag) always sits at the very start of the ciphertext, so begin is
// fixed at 50 rather than the 12-byte nonce offset other auth methods
// use. It tries the established receive chain first, falling back to
// the pending pre-key bootstrap only for a conversation with no reply
// yet.
func (s *State) Receive(ciphertext []byte) (authkey []byte, begin int, err error) {
	const ratchetHeaderLen = 50
	if len(ciphertext) < ratchetHeaderLen {
		return nil, 0, gerr.New(ErrHeaderAuth, "Receive: ciphertext too short")
	}
	hdr := ciphertext[:ratchetHeaderLen]
	if s.Recv.HK != nil {
		if mk, err := s.DecryptMessage(hdr); err == nil {
			return mk, ratchetHeaderLen, nil
		}
	}
	if len(s.Pre) > 0 {
		if mk, err := s.InitAlice(hdr); err == nil {
			return mk, ratchetHeaderLen, nil
		}
	}
	return nil, 0, gerr.New(ErrHeaderAuth, "Receive: no candidate matched")
}

func nonceFromCounter(n int) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint32(nonce[8:], uint32(n))
	return nonce
}

// EncryptHeader produces the per-message header (peer-visible DH
// public key || previous-chain length) sealed under the send chain's
// current header key, per spec §4.K's "Normal send".
func (s *State) EncryptHeader() ([]byte, error) {
	plain := make([]byte, 34)
	copy(plain, s.DH.PK)
	binary.LittleEndian.PutUint16(plain[32:], uint16(s.Send.PN))
	nonce := nonceFromCounter(s.Send.N)
	return aead.Seal(s.Send.HK, nonce, plain, nil)
}

// NextSendKey advances the send chain and returns this message's key.
func (s *State) NextSendKey() []byte {
	ck, msgKey := chainstep(s.Send.CK, []byte{0x01})
	s.Send.CK = ck
	s.Send.N++
	return msgKey
}

// DecryptMessage implements spec §4.K's "Normal receive": try skipped
// keys, then the current header key over a bounded window, then the
// next header key (triggering a DH ratchet turn on success).
func (s *State) DecryptMessage(header []byte) (msgKey []byte, err error) {
	for k, entry := range s.skipped {
		nonce := nonceFromCounter(entry.n)
		if _, err := aead.Open(entry.hk, nonce, header, nil); err == nil {
			delete(s.skipped, k)
			return entry.msgKey, nil
		}
	}

	if s.Recv.HK != nil {
		for n := s.Recv.N; n < s.Recv.N+MAXSKIP; n++ {
			nonce := nonceFromCounter(n)
			if _, err := aead.Open(s.Recv.HK, nonce, header, nil); err == nil {
				s.skipUpTo(n)
				ck, msgKey := chainstep(s.Recv.CK, []byte{0x01})
				s.Recv.CK = ck
				s.Recv.N = n + 1
				return msgKey, nil
			}
		}
	}

	for n := 0; n < MAXSKIP; n++ {
		nonce := nonceFromCounter(n)
		if plain, err := aead.Open(s.Recv.NHK, nonce, header, nil); err == nil {
			peerPK := plain[:32]
			if err := s.dhratchet(peerPK); err != nil {
				return nil, err
			}
			s.skipUpTo(n)
			ck, msgKey := chainstep(s.Recv.CK, []byte{0x01})
			s.Recv.CK = ck
			s.Recv.N = n + 1
			return msgKey, nil
		}
	}
	return nil, gerr.New(ErrHeaderAuth, "DecryptMessage: no header key matched")
}

// skipUpTo records message keys for chain positions below n as
// skipped, each expiring after 14 days (a deliberately generous bound;
// spec §4.K only requires "short expiry"). The retained set is capped
// at MAXSKIP entries, per spec §3's "bounded list of skipped message
// keys (≤ MAXSKIP = 20)": once full, the soonest-to-expire (oldest)
// entry is dropped to make room for the newest.
func (s *State) skipUpTo(n int) {
	for i := s.Recv.N; i < n; i++ {
		ck, mk := chainstep(s.Recv.CK, []byte{0x01})
		s.Recv.CK = ck
		if len(s.skipped) >= MAXSKIP {
			s.evictOldest()
		}
		s.skipped[skipKey(s.Recv.HK, i)] = skippedEntry{
			hk: append([]byte(nil), s.Recv.HK...), n: i,
			msgKey: mk, expiry: time.Now().Add(14 * 24 * time.Hour),
		}
	}
}

// evictOldest drops the skipped entry with the nearest expiry (i.e.
// the one inserted longest ago, since all entries share the same
// expiry offset from their insertion time).
func (s *State) evictOldest() {
	var oldestKey string
	var oldestExpiry time.Time
	first := true
	for k, e := range s.skipped {
		if first || e.expiry.Before(oldestExpiry) {
			oldestKey = k
			oldestExpiry = e.expiry
			first = false
		}
	}
	if !first {
		delete(s.skipped, oldestKey)
	}
}

// EvictExpired drops skipped keys past their expiry, per spec §4.L's
// ID-store cleanup pass.
func (s *State) EvictExpired(now time.Time) {
	for k, e := range s.skipped {
		if now.After(e.expiry) {
			delete(s.skipped, k)
		}
	}
}

// PreKeySnapshot is one Snapshot.Pre entry. Every field is exported so
// idstore's MsgPack encoding of the whole Snapshot captures it; the
// unexported preEntry it mirrors cannot be marshalled directly.
type PreKeySnapshot struct {
	Shared    []byte
	PartialRK []byte
	LocalKey  *key.Key
}

// SkippedSnapshot is one Snapshot.Skipped entry, mirroring skippedEntry.
type SkippedSnapshot struct {
	HK     []byte
	N      int
	MsgKey []byte
	Expiry time.Time
}

// Snapshot is State's persistable form, stored by idstore under a
// peer entry's "r" field per spec §4.L. State itself keeps Pre and
// skipped unexported so callers can't bypass PrepareAlice/skipUpTo's
// bookkeeping; Snapshot exists only to cross that boundary for
// encrypted-at-rest storage.
type Snapshot struct {
	DH      *key.Key
	RK      []byte
	Send    SymChain
	Recv    SymChain
	Pre     []PreKeySnapshot
	Skipped []SkippedSnapshot
}

// Snapshot captures s's full state for persistence.
func (s *State) Snapshot() Snapshot {
	pre := make([]PreKeySnapshot, len(s.Pre))
	for i, p := range s.Pre {
		pre[i] = PreKeySnapshot{Shared: p.shared, PartialRK: p.partialRK, LocalKey: p.localKey}
	}
	skipped := make([]SkippedSnapshot, 0, len(s.skipped))
	for _, e := range s.skipped {
		skipped = append(skipped, SkippedSnapshot{HK: e.hk, N: e.n, MsgKey: e.msgKey, Expiry: e.expiry})
	}
	return Snapshot{DH: s.DH, RK: s.RK, Send: s.Send, Recv: s.Recv, Pre: pre, Skipped: skipped}
}

// Restore rebuilds a State from a Snapshot, the inverse of Snapshot.
func Restore(snap Snapshot) *State {
	s := NewState()
	s.DH = snap.DH
	s.RK = snap.RK
	s.Send = snap.Send
	s.Recv = snap.Recv
	for _, p := range snap.Pre {
		s.Pre = append(s.Pre, preEntry{shared: p.Shared, partialRK: p.PartialRK, localKey: p.LocalKey})
	}
	for _, e := range snap.Skipped {
		s.skipped[skipKey(e.HK, e.N)] = skippedEntry{hk: e.HK, n: e.N, msgKey: e.MsgKey, expiry: e.Expiry}
	}
	return s
}
