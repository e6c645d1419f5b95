package key

import (
	"strings"

	"github.com/btcsuite/btcutil/bech32"

	gerr "github.com/covert-encryption/covert/errors"
)

// age public keys are bech32 "age1...", age secret keys are bech32
// "AGE-SECRET-KEY-1..." (hrp "age-secret-key-", all-caps convention).
// Grounded on the teacher's own bech32 codec in
// bitcoin/wallet/bech32.go — reused here via the real
// github.com/btcsuite/btcutil/bech32 package already in go.mod instead
// of the teacher's hand-rolled helpers, since this is a plain
// bech32-with-known-hrp decode with no curve-specific logic of its own.
func decodeAgePK(s string) (*Key, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil || strings.ToLower(hrp) != "age" {
		return nil, gerr.New(ErrMalformedKey, "decodeAgePK: bad bech32 %q", s)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil || len(raw) != 32 {
		return nil, gerr.New(ErrMalformedKey, "decodeAgePK: bad payload length")
	}
	return &Key{PK: raw, KeyStr: s}, nil
}

func decodeAgeSK(s string) (*Key, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil || strings.ToLower(hrp) != "age-secret-key-" {
		return nil, gerr.New(ErrMalformedKey, "decodeAgeSK: bad bech32 %q", s)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil || len(raw) != 32 {
		return nil, gerr.New(ErrMalformedKey, "decodeAgeSK: bad payload length")
	}
	return decodeRawSKBytes(raw, s)
}

// encodeAgePK renders a Montgomery public key as an age1... string,
// the inverse of decodeAgePK, used when Key.String() needs an
// age-compatible representation.
func encodeAgePK(pk []byte) (string, error) {
	data, err := bech32.ConvertBits(pk, 8, 5, true)
	if err != nil {
		return "", gerr.New(err, "encodeAgePK")
	}
	s, err := bech32.Encode("age", data)
	if err != nil {
		return "", gerr.New(err, "encodeAgePK")
	}
	return s, nil
}
