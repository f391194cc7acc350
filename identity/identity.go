// Package identity implements long-lived keypairs whose peer id is bound
// to a proof-of-work nonce, plus context-separated signing.
//
// Signing and verification run over a value with its signature field
// cleared, using crypto/ed25519 directly rather than an external
// signature library. The proof of work runs once at identity creation,
// offline, at low difficulty on mobile; it is never on the critical
// path of consensus.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/bits"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/wire"
)

// PeerID is a 32-byte value equal to H(pubkey || nonce), where the
// hash interpreted as a big-endian integer has at least D leading
// zero bits.
type PeerID [32]byte

func (p PeerID) String() string {
	return fmt.Sprintf("%x", p[:])
}

// LeadingZeroBits returns how many leading zero bits p has when read
// as a big-endian integer, used to check PoW difficulty.
func (p PeerID) LeadingZeroBits() int {
	n := 0
	for _, b := range p {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

// Identity is a long-lived signing keypair whose peer id satisfies a
// proof-of-work difficulty predicate.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	id      PeerID
	nonce   uint64
}

// ID returns this identity's peer id.
func (id *Identity) ID() PeerID { return id.id }

// Context tags used to domain-separate signatures across protocol
// message types, preventing a signature produced for one purpose from
// being replayed as valid for another.
const (
	ContextVote         = "bitcraps/vote/v1"
	ContextProposal     = "bitcraps/proposal/v1"
	ContextCommit       = "bitcraps/commit/v1"
	ContextViewChange   = "bitcraps/viewchange/v1"
	ContextCommitment   = "bitcraps/commitment/v1"
	ContextReveal       = "bitcraps/reveal/v1"
	ContextRelayReceipt = "bitcraps/relay-receipt/v1"
	ContextPacket       = "bitcraps/packet/v1"
)

// Generate creates a new identity whose peer id has at least
// difficultyBits leading zero bits, searching nonces sequentially
// starting from a random offset. This runs once at identity creation,
// offline, never on the consensus critical path.
func Generate(difficultyBits int) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return mine(pub, priv, difficultyBits)
}

func mine(pub ed25519.PublicKey, priv ed25519.PrivateKey, difficultyBits int) (*Identity, error) {
	var nonceSeed [8]byte
	if _, err := rand.Read(nonceSeed[:]); err != nil {
		return nil, fmt.Errorf("seed nonce search: %w", err)
	}
	start := le64(nonceSeed[:])
	for n := start; ; n++ {
		id := derivePeerID(pub, n)
		if id.LeadingZeroBits() >= difficultyBits {
			return &Identity{Public: pub, private: priv, id: id, nonce: n}, nil
		}
	}
}

func derivePeerID(pub ed25519.PublicKey, nonce uint64) PeerID {
	var nb [8]byte
	putLE64(nb[:], nonce)
	h := wire.Sum256Concat(pub, nb[:])
	return PeerID(h)
}

// Import reconstructs an Identity from a persisted keypair and nonce,
// rejecting it if the resulting peer id no longer satisfies the
// difficulty predicate (e.g. the configured difficulty increased).
func Import(pub ed25519.PublicKey, priv ed25519.PrivateKey, nonce uint64, difficultyBits int) (*Identity, error) {
	id := derivePeerID(pub, nonce)
	if id.LeadingZeroBits() < difficultyBits {
		return nil, bcerr.New(bcerr.KindValidation, "identity.Import", fmt.Errorf("peer id fails difficulty %d", difficultyBits))
	}
	return &Identity{Public: pub, private: priv, id: id, nonce: nonce}, nil
}

// Nonce returns the proof-of-work nonce bound to this identity, for
// persistence.
func (id *Identity) Nonce() uint64 { return id.nonce }

// Signature is a context-tagged ed25519 signature: the tag is
// prepended to the message before signing so that verification can
// reject cross-protocol replay.
type Signature struct {
	Context string
	Value   []byte
}

// Sign signs message under the given context tag.
func (id *Identity) Sign(context string, message []byte) Signature {
	tagged := tagMessage(context, message)
	return Signature{Context: context, Value: ed25519.Sign(id.private, tagged)}
}

// Verify checks sig against message under the expected context tag,
// for the given signer's public key. A signature produced for a
// different context is rejected even if otherwise valid.
func Verify(signer ed25519.PublicKey, expectedContext string, message []byte, sig Signature) error {
	if sig.Context != expectedContext {
		return bcerr.New(bcerr.KindValidation, "identity.Verify", bcerr.ErrSignatureContextMismatch)
	}
	tagged := tagMessage(expectedContext, message)
	if !ed25519.Verify(signer, tagged, sig.Value) {
		return bcerr.New(bcerr.KindValidation, "identity.Verify", bcerr.ErrInvalidSignature)
	}
	return nil
}

func tagMessage(context string, message []byte) []byte {
	tagged := make([]byte, 0, len(context)+1+len(message))
	tagged = append(tagged, context...)
	tagged = append(tagged, 0)
	tagged = append(tagged, message...)
	return tagged
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
