// Package wire implements the canonical, deterministic on-wire encoding
// used by every component that hashes or signs a protocol value: fixed
// field order, no floating point, length-prefixed variable fields,
// unknown fields rejected.
//
// JSON field order is not guaranteed stable across Go map types, so it
// cannot serve as a canonical hash input once a value carries a map.
// CBOR's canonical encoding mode (RFC 8949 section 4.2.1, sorted map
// keys, definite lengths) gives the serialize-once, hash-it, sign-it
// shape the protocol needs with a real canonical-form guarantee.
package wire

import (
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"
)

// Hash32 is a 32-byte digest, used throughout the protocol for
// proposal ids, history hashes, and commitments.
type Hash32 [32]byte

func (h Hash32) IsZero() bool { return h == Hash32{} }

var canonicalEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

var strictDecMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	opts := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}
	mode, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// Marshal encodes v using the canonical CBOR encoding: sorted map keys,
// shortest-form integers, definite-length arrays/maps. Two calls on
// equal values always produce identical bytes, which is what makes
// H(canonical(x)) deterministic across independent implementations.
func Marshal(v interface{}) ([]byte, error) {
	return canonicalEncMode.Marshal(v)
}

// Unmarshal decodes canonical CBOR into v, strictly: unknown struct
// fields are rejected.
func Unmarshal(data []byte, v interface{}) error {
	return strictDecMode.Unmarshal(data, v)
}

// Hash returns H(canonical(v)) = SHA-256 of the canonical encoding of v.
func Hash(v interface{}) (Hash32, error) {
	b, err := Marshal(v)
	if err != nil {
		return Hash32{}, err
	}
	return SumBytes(b), nil
}

// SumBytes returns SHA-256(data) as a Hash32.
func SumBytes(data []byte) Hash32 {
	return sha256.Sum256(data)
}

// Sum256Concat hashes the concatenation of all byte slices, used for
// context-tagged and domain-separated hashes such as the commit-reveal
// round seed: H(tag || game_id || round_id || nonces...).
func Sum256Concat(parts ...[]byte) Hash32 {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}
