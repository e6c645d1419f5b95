// Package armor implements the text-safe codec of spec §4.M: standard
// (non-URL-safe) base64 without padding, line-length randomised at
// encode time so the wrap width cannot fingerprint a tool, and a
// decoder tolerant of the whitespace, BOM, backticks and blockquote
// markers that round-trip through chat clients and markdown renderers.
package armor

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"

	gerr "github.com/covert-encryption/covert/errors"
)

// ErrInvalid covers any decode-time violation of spec §4.M's shape
// rules: uneven non-last line lengths, disallowed characters, or an
// impossible length mod 4.
var ErrInvalid = errors.New("covert/armor: malformed armored text")

var wrapChoices = []int{76, 80, 84, 88, 92, 96, 100, 104, 108, 112, 116, 120}

var enc = base64.StdEncoding.WithPadding(base64.NoPadding)

// Encode renders data as padding-free standard base64. Output of at
// most 4000 characters is returned as a single line; longer output is
// wrapped at a width drawn uniformly from {76, 80, ..., 120} so that
// repeated encodes of similar-length inputs don't share a telltale
// fixed width.
func Encode(data []byte) (string, error) {
	s := enc.EncodeToString(data)
	if len(s) <= 4000 {
		return s, nil
	}
	width, err := randomWrapWidth()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 0; i < len(s); i += width {
		end := i + width
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s[i:end])
	}
	return b.String(), nil
}

func randomWrapWidth() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(wrapChoices))))
	if err != nil {
		return 0, gerr.New(err, "armor.randomWrapWidth")
	}
	return wrapChoices[n.Int64()], nil
}

// Decode reverses Encode, tolerating the mangling common text
// pipelines perform: a leading UTF-8 BOM, any ASCII whitespace,
// backticks, and leading blockquote `>` markers are stripped before
// validation. Every line but the last must share one common length
// that is at least 76 and a multiple of 4; missing `=` padding is
// restored before the underlying base64 decode runs.
func Decode(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "﻿")
	lines := strings.Split(s, "\n")
	var cleaned []string
	for _, line := range lines {
		line = stripQuoteMarker(line)
		line = stripASCIIWhitespaceAndBackticks(line)
		if line == "" {
			continue
		}
		cleaned = append(cleaned, line)
	}
	if len(cleaned) == 0 {
		return nil, gerr.New(ErrInvalid, "Decode: empty input")
	}
	if len(cleaned) > 1 {
		width := len(cleaned[0])
		if width < 76 || width%4 != 0 {
			return nil, gerr.New(ErrInvalid, "Decode: line width %d invalid", width)
		}
		for _, line := range cleaned[:len(cleaned)-1] {
			if len(line) != width {
				return nil, gerr.New(ErrInvalid, "Decode: uneven line length")
			}
		}
	}
	joined := strings.Join(cleaned, "")
	if err := validateAlphabet(joined); err != nil {
		return nil, err
	}
	if joined != "" && len(joined)%4 == 1 {
		return nil, gerr.New(ErrInvalid, "Decode: length %%4==1 is impossible")
	}
	padded := joined
	if r := len(joined) % 4; r != 0 {
		padded += strings.Repeat("=", 4-r)
	}
	out, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return nil, gerr.New(ErrInvalid, "Decode: %v", err)
	}
	return out, nil
}

func stripQuoteMarker(line string) string {
	return strings.TrimLeft(line, " \t>")
}

func stripASCIIWhitespaceAndBackticks(line string) string {
	var b strings.Builder
	for _, r := range line {
		switch r {
		case ' ', '\t', '\r', '\n', '`':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validateAlphabet(s string) error {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '/':
		default:
			return gerr.New(ErrInvalid, "Decode: invalid character %q", r)
		}
	}
	return nil
}
