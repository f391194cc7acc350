// Package xrand implements the deterministic stream RNG used to derive
// dice from agreed entropy. Given the same 32-byte seed, every node
// must produce identical output, so the source of randomness has to be
// a documented, deterministic stream cipher rather than a language
// runtime's default PRNG; ChaCha20 keyed by the seed serves, with no
// hand-rolled cipher code.
package xrand

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
)

// DeterministicRNG draws uniform bytes from a ChaCha20 keystream seeded
// by a 32-byte value. Two instances created from the same seed produce
// byte-identical output.
type DeterministicRNG struct {
	cipher  *chacha20.Cipher
	counter uint64
}

// FromSeed creates a DeterministicRNG keyed by seed. The nonce is fixed
// (all-zero) because the seed itself is unique per round, derived as
// H(tag || game_id || round_id || nonces), so key reuse across rounds
// never occurs.
func FromSeed(seed [32]byte) *DeterministicRNG {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		// chacha20.NewUnauthenticatedCipher only errors on bad key/nonce
		// lengths, which are both fixed-size arrays here.
		panic(err)
	}
	return &DeterministicRNG{cipher: c}
}

// nextByte draws the next keystream byte by encrypting a zero byte.
func (r *DeterministicRNG) nextByte() byte {
	var in, out [1]byte
	r.cipher.XORKeyStream(out[:], in[:])
	r.counter++
	return out[0]
}

// RollDie draws a uniform value in 1..=6 via rejection sampling: draw
// a byte, discard if byte >= 252 (252 = 42*6 is the largest multiple
// of 6 below 256), else 1 + byte%6. This keeps the distribution exactly
// uniform instead of introducing modulo bias.
func (r *DeterministicRNG) RollDie() uint8 {
	for {
		b := r.nextByte()
		if b >= 252 {
			continue
		}
		return 1 + b%6
	}
}

// RollDice draws two independent die rolls.
func (r *DeterministicRNG) RollDice() (uint8, uint8) {
	d1 := r.RollDie()
	d2 := r.RollDie()
	return d1, d2
}

// Uint64 draws a uniform little-endian uint64 from the keystream,
// useful for any non-dice derived randomness (e.g. tie-break ordering).
func (r *DeterministicRNG) Uint64() uint64 {
	var buf [8]byte
	r.cipher.XORKeyStream(buf[:], buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}
