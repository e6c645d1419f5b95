// Package idstore implements the single encrypted local/peer identity
// store of spec §4.L: a small Covert-style encrypted container holding
// a mutable map of named entries (local identities, peer public keys,
// ratchet states), guarded against concurrent writers by an OS file
// lock for the duration of an update round-trip.
//
// The store's payload is structured metadata rather than streamed
// file data, so unlike covert.Encrypt/Decrypt it is sealed as a single
// AEAD block instead of riding the full header/block-stream/archive
// stack — see DESIGN.md for why that simplification was made. It still
// reuses this module's aead, kdf and randutil packages the same way
// the rest of the container does, and golang.org/x/sys/unix for the
// advisory lock, grounded on the teacher's platform-specific style in
// network/upnp (the one place the teacher's tree talks to the OS
// directly rather than through pure Go data structures).
package idstore

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"

	"github.com/covert-encryption/covert/aead"
	gerr "github.com/covert-encryption/covert/errors"
	"github.com/covert-encryption/covert/header"
	"github.com/covert-encryption/covert/kdf"
	"github.com/covert-encryption/covert/key"
	"github.com/covert-encryption/covert/randutil"
	"github.com/covert-encryption/covert/ratchet"
)

// ErrMissingPeerKey is returned by Profile when a peer profile is
// requested for the first time without supplying its public key.
var ErrMissingPeerKey = errors.New("covert/idstore: peer key required on first use")

// ErrLocked is returned when the store file could not be locked within
// the caller's expectations (the lock call itself failed).
var ErrLocked = errors.New("covert/idstore: could not lock store file")

// ErrTruncated is returned when the store file is shorter than a
// nonce, i.e. corrupt or not a Covert idstore file.
var ErrTruncated = errors.New("covert/idstore: store file truncated")

const nonceSize = 12

// Map is the mutable identity-store contents: string keys to arbitrary
// MsgPack-encodable values (local identities, peer records, ratchet
// states). Entries are evicted once their "e" (expiry, Unix seconds)
// field is present and in the past.
type Map map[string]interface{}

// Create writes a fresh store at path containing initial, encrypted
// under pwhash. The containing directory is created with 0700.
func Create(path string, pwhash []byte, initial Map) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return gerr.New(err, "idstore.Create: mkdir")
	}
	return writeStore(path, pwhash, initial)
}

func writeStore(path string, pwhash []byte, m Map) error {
	nonce, err := randutil.RandomBytes(nonceSize)
	if err != nil {
		return err
	}
	key, err := kdf.Authkey(pwhash, nonce)
	if err != nil {
		return err
	}
	plain, err := msgpack.Marshal(m)
	if err != nil {
		return gerr.New(err, "idstore.writeStore: marshal")
	}
	sealed, err := aead.Seal(key, nonce, plain, nil)
	if err != nil {
		return err
	}
	out := append(nonce, sealed...)
	return os.WriteFile(path, out, 0600)
}

func readStore(path string, pwhash []byte) (Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, gerr.New(err, "idstore.readStore: read")
	}
	if len(raw) < nonceSize {
		return nil, gerr.New(ErrTruncated, "idstore.readStore")
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	key, err := kdf.Authkey(pwhash, nonce)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(key, nonce, sealed, nil)
	if err != nil {
		return nil, gerr.New(err, "idstore.readStore: authentication failed")
	}
	var m Map
	if err := msgpack.Unmarshal(plain, &m); err != nil {
		return nil, gerr.New(err, "idstore.readStore: unmarshal")
	}
	return m, nil
}

// withLock takes an exclusive advisory lock on path for the duration
// of fn, per spec §5's "taken under an OS file lock for the duration
// of an update round-trip".
func withLock(path string, fn func() error) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return gerr.New(err, "idstore.withLock: open")
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return gerr.New(ErrLocked, "%v", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

// Update locks path, decrypts it under pwhash, yields the mutable map
// to fn, evicts expired entries, then re-encrypts under newPwhash (or
// pwhash if newPwhash is nil) and writes the result back.
func Update(path string, pwhash, newPwhash []byte, fn func(Map) error) error {
	return withLock(path, func() error {
		m, err := readStore(path, pwhash)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		evictExpired(m)
		outPwhash := pwhash
		if newPwhash != nil {
			outPwhash = newPwhash
		}
		return writeStore(path, outPwhash, m)
	})
}

func evictExpired(m Map) {
	now := time.Now().Unix()
	for k, v := range m {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		e, ok := entry["e"]
		if !ok {
			continue
		}
		exp := toInt64(e)
		if exp > 0 && exp < now {
			delete(m, k)
		}
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

// Profile fetches or creates the pair of entries for a local/peer
// identity, keyed "id:<local>" and "id:<local>:<peer>", per spec
// §4.L. peerKey is required the first time a given peer profile is
// created.
func Profile(m Map, local, peer string, idKey, peerKey []byte) (localEntry, peerEntry map[string]interface{}, err error) {
	localName := "id:" + local
	le, ok := m[localName].(map[string]interface{})
	if !ok {
		if idKey == nil {
			return nil, nil, gerr.New(ErrMissingPeerKey, "Profile: missing local identity key for %s", local)
		}
		le = map[string]interface{}{"sk": idKey}
		m[localName] = le
	}

	if peer == "" {
		return le, nil, nil
	}
	peerName := localName + ":" + peer
	pe, ok := m[peerName].(map[string]interface{})
	if !ok {
		if peerKey == nil {
			return le, nil, gerr.New(ErrMissingPeerKey, "Profile: missing peer key for %s", peerName)
		}
		pe = map[string]interface{}{"pk": peerKey}
		m[peerName] = pe
	}
	return le, pe, nil
}

// AuthCandidates implements spec §4.L's authgen: "produce an iterator
// of auth candidates for decryption: ratchet states (wrapped to update
// the state if one decrypts) then plain secret-key Key objects". Every
// entry in m carrying an "r" field yields a ratchet-backed candidate
// first, wrapping that entry's ratchet.State.Receive directly as
// AuthCandidate.Ratchet; every entry carrying an "sk" field then
// yields a header.RecipientCandidate built against prologue32 (the
// ciphertext's first 32 bytes).
//
// The caller must invoke the returned commit func exactly once after
// trial decryption is done (win or lose): it persists back into m any
// ratchet state whose Receive call actually consumed a message, per
// spec §4.L's "on generator close, store back any ratchet that was
// consumed". commit only mutates m in memory; the caller still has to
// pass m through Update to write it to disk.
func AuthCandidates(m Map, prologue32 []byte) (candidates []header.AuthCandidate, commit func()) {
	type consumedRatchet struct {
		name string
		st   *ratchet.State
	}
	var consumed []consumedRatchet

	for name, v := range m {
		name := name
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		raw, ok := entry["r"]
		if !ok {
			continue
		}
		st, err := decodeRatchetState(raw)
		if err != nil {
			continue
		}
		candidates = append(candidates, header.AuthCandidate{
			Ratchet: func(ciphertext []byte) ([]byte, int, error) {
				mk, begin, err := st.Receive(ciphertext)
				if err == nil {
					consumed = append(consumed, consumedRatchet{name, st})
				}
				return mk, begin, err
			},
		})
	}

	for _, v := range m {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		skBytes, ok := entry["sk"].([]byte)
		if !ok {
			continue
		}
		cand, err := header.RecipientCandidate(prologue32, &key.Key{SK: skBytes})
		if err != nil {
			continue
		}
		candidates = append(candidates, cand)
	}

	commit = func() {
		for _, c := range consumed {
			entry, ok := m[c.name].(map[string]interface{})
			if !ok {
				continue
			}
			entry["r"] = encodeRatchetState(c.st)
		}
	}
	return candidates, commit
}

// decodeRatchetState unwraps a Map entry's "r" field (raw MsgPack
// bytes produced by encodeRatchetState) back into a live ratchet.State.
func decodeRatchetState(raw interface{}) (*ratchet.State, error) {
	b, ok := raw.([]byte)
	if !ok {
		return nil, gerr.New(ErrTruncated, "decodeRatchetState: \"r\" field is not bytes")
	}
	var snap ratchet.Snapshot
	if err := msgpack.Unmarshal(b, &snap); err != nil {
		return nil, gerr.New(err, "decodeRatchetState: unmarshal")
	}
	return ratchet.Restore(snap), nil
}

// encodeRatchetState is decodeRatchetState's inverse: MsgPack-encodes
// st's Snapshot into the raw bytes an "r" field carries. Nesting one
// MsgPack encoding inside another (rather than letting the outer
// msgpack.Marshal walk Snapshot's struct fields generically) keeps
// readStore's decode into Map = map[string]interface{} simple: the "r"
// value round-trips as a plain byte string instead of a nested
// generic map that would need reconstructing field by field.
func encodeRatchetState(st *ratchet.State) []byte {
	b, err := msgpack.Marshal(st.Snapshot())
	if err != nil {
		// Snapshot holds only plain slices, structs and *key.Key; MsgPack
		// encoding a value built entirely from those cannot fail.
		panic(gerr.New(err, "encodeRatchetState: marshal"))
	}
	return b
}

// Delete overwrites path with zeros, fsyncs, then unlinks it, removing
// the containing directory too if it is now empty.
func Delete(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return gerr.New(err, "idstore.Delete: stat")
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return gerr.New(err, "idstore.Delete: open")
	}
	zeros := make([]byte, info.Size())
	if _, err := f.WriteAt(zeros, 0); err != nil {
		f.Close()
		return gerr.New(err, "idstore.Delete: zero")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return gerr.New(err, "idstore.Delete: fsync")
	}
	f.Close()
	if err := os.Remove(path); err != nil {
		return gerr.New(err, "idstore.Delete: unlink")
	}
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}
