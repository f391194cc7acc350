package mesh

import (
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/wire"
)

// Kind discriminates what a Packet's Payload carries. The payload
// bytes themselves are the canonical CBOR encoding of the named
// protocol type (protocol.Proposal, protocol.Vote, ...); mesh forwards
// them opaquely and never decodes Payload itself.
type Kind uint8

const (
	KindProposal Kind = iota
	KindVote
	KindViewChange
	KindCommitment
	KindReveal
	KindRelayReceipt
	KindGossip
	KindStateSync
	KindHeartbeat
	KindAck
)

// Priority buckets a Packet for delivery ordering: consensus traffic
// must never starve behind bulk gossip.
type Priority uint8

const (
	PriorityCritical   Priority = iota // votes and view changes: block round progress
	PriorityHigh                       // proposals, reveals
	PriorityNormal                     // commitments, state-sync
	PriorityBackground                 // relay receipts, heartbeats, gossip
)

func (k Kind) Priority() Priority {
	switch k {
	case KindVote, KindViewChange:
		return PriorityCritical
	case KindProposal, KindReveal:
		return PriorityHigh
	case KindCommitment, KindStateSync:
		return PriorityNormal
	default:
		return PriorityBackground
	}
}

// Packet is the envelope relayed across the mesh. Dst is the zero
// PeerID for a broadcast. Sig attributes the packet to its
// originator for relay accountability; the protocol-level payload
// (Proposal, Vote, ...) carries its own signature that consensus
// verifies independently, so mesh itself never needs a peer registry
// to do its job.
type Packet struct {
	Src     identity.PeerID    `cbor:"0,keyasint"`
	Dst     identity.PeerID    `cbor:"1,keyasint"`
	TTL     uint8              `cbor:"2,keyasint"`
	Seq     uint64             `cbor:"3,keyasint"`
	Kind    Kind               `cbor:"4,keyasint"`
	Payload []byte             `cbor:"5,keyasint"`
	Sig     identity.Signature `cbor:"6,keyasint,omitempty"`
}

type unsignedPacket struct {
	Src     identity.PeerID `cbor:"0,keyasint"`
	Dst     identity.PeerID `cbor:"1,keyasint"`
	TTL     uint8           `cbor:"2,keyasint"`
	Seq     uint64          `cbor:"3,keyasint"`
	Kind    Kind            `cbor:"4,keyasint"`
	Payload []byte          `cbor:"5,keyasint"`
}

func (p *Packet) unsigned() unsignedPacket {
	return unsignedPacket{Src: p.Src, Dst: p.Dst, TTL: p.TTL, Seq: p.Seq, Kind: p.Kind, Payload: p.Payload}
}

// SigningBytes returns the canonical bytes a Packet's signature is
// computed over.
func (p *Packet) SigningBytes() ([]byte, error) {
	return wire.Marshal(p.unsigned())
}

// Hash identifies a packet for dedup and relay-reward accounting. It
// is computed over Src, Seq and Payload only, so TTL decrementing as a
// packet is relayed hop to hop does not change its identity.
func (p *Packet) Hash() (wire.Hash32, error) {
	type identityView struct {
		Src     identity.PeerID `cbor:"0,keyasint"`
		Seq     uint64          `cbor:"1,keyasint"`
		Payload []byte          `cbor:"2,keyasint"`
	}
	return wire.Hash(identityView{Src: p.Src, Seq: p.Seq, Payload: p.Payload})
}

// RelayReceipt proves peer forwarded a packet during a given epoch, the
// evidence package ledger pays a proof-of-relay reward against.
type RelayReceipt struct {
	Packet  wire.Hash32        `cbor:"0,keyasint"`
	Relayer identity.PeerID    `cbor:"1,keyasint"`
	Epoch   uint64             `cbor:"2,keyasint"`
	Sig     identity.Signature `cbor:"3,keyasint,omitempty"`
}

type unsignedReceipt struct {
	Packet  wire.Hash32     `cbor:"0,keyasint"`
	Relayer identity.PeerID `cbor:"1,keyasint"`
	Epoch   uint64          `cbor:"2,keyasint"`
}

func (r *RelayReceipt) unsigned() unsignedReceipt {
	return unsignedReceipt{Packet: r.Packet, Relayer: r.Relayer, Epoch: r.Epoch}
}

// SigningBytes returns the canonical bytes a RelayReceipt's signature
// is computed over.
func (r *RelayReceipt) SigningBytes() ([]byte, error) {
	return wire.Marshal(r.unsigned())
}
