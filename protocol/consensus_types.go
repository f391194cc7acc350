package protocol

import (
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/wire"
)

// VotePhase names the two-round-trip vote phases. PBFT-style
// {Prepare, Commit} naming is used consistently throughout; see
// DESIGN.md for why that family was chosen over Tendermint's
// {PreVote, PreCommit}.
type VotePhase uint8

const (
	PhasePrepare VotePhase = iota
	PhaseCommitVote
)

func (p VotePhase) String() string {
	if p == PhasePrepare {
		return "prepare"
	}
	return "commit"
}

// Proposal is a candidate entry in the committed, hash-linked log.
type Proposal struct {
	ID        wire.Hash32       `cbor:"0,keyasint"`
	Proposer  identity.PeerID   `cbor:"1,keyasint"`
	Height    uint64            `cbor:"2,keyasint"`
	Round     uint32            `cbor:"3,keyasint"`
	Prev      wire.Hash32       `cbor:"4,keyasint"`
	Op        GameOperation     `cbor:"5,keyasint"`
	Timestamp uint64            `cbor:"6,keyasint"`
	Sig       identity.Signature `cbor:"7,keyasint,omitempty"`
}

// unsigned is the subset of Proposal hashed/signed over: id = H(canonical(proposal minus sig)).
type unsignedProposal struct {
	Proposer  identity.PeerID `cbor:"1,keyasint"`
	Height    uint64          `cbor:"2,keyasint"`
	Round     uint32          `cbor:"3,keyasint"`
	Prev      wire.Hash32     `cbor:"4,keyasint"`
	Op        GameOperation   `cbor:"5,keyasint"`
	Timestamp uint64          `cbor:"6,keyasint"`
}

func (p *Proposal) unsigned() unsignedProposal {
	return unsignedProposal{
		Proposer:  p.Proposer,
		Height:    p.Height,
		Round:     p.Round,
		Prev:      p.Prev,
		Op:        p.Op,
		Timestamp: p.Timestamp,
	}
}

// SigningBytes returns the canonical bytes a Proposal's signature and
// id are computed over (everything except the signature itself).
func (p *Proposal) SigningBytes() ([]byte, error) {
	return wire.Marshal(p.unsigned())
}

// ComputeID sets p.ID = H(canonical(proposal minus sig)) and returns it.
func (p *Proposal) ComputeID() (wire.Hash32, error) {
	b, err := p.SigningBytes()
	if err != nil {
		return wire.Hash32{}, err
	}
	id := wire.SumBytes(b)
	p.ID = id
	return id, nil
}

// Vote is a validator's signed opinion on a proposal at a given
// (height, round, phase).
type Vote struct {
	Proposal wire.Hash32        `cbor:"0,keyasint"`
	Voter    identity.PeerID    `cbor:"1,keyasint"`
	Phase    VotePhase          `cbor:"2,keyasint"`
	Height   uint64             `cbor:"3,keyasint"`
	Round    uint32             `cbor:"4,keyasint"`
	Sig      identity.Signature `cbor:"5,keyasint,omitempty"`
}

type unsignedVote struct {
	Proposal wire.Hash32     `cbor:"0,keyasint"`
	Voter    identity.PeerID `cbor:"1,keyasint"`
	Phase    VotePhase       `cbor:"2,keyasint"`
	Height   uint64          `cbor:"3,keyasint"`
	Round    uint32          `cbor:"4,keyasint"`
}

func (v *Vote) unsigned() unsignedVote {
	return unsignedVote{Proposal: v.Proposal, Voter: v.Voter, Phase: v.Phase, Height: v.Height, Round: v.Round}
}

// SigningBytes returns the canonical bytes a Vote's signature is computed over.
func (v *Vote) SigningBytes() ([]byte, error) {
	return wire.Marshal(v.unsigned())
}

// QuorumCertificate is a set of >= 2f+1 matching votes proving a
// proposal was accepted at a phase.
type QuorumCertificate struct {
	Proposal wire.Hash32 `cbor:"0,keyasint"`
	Phase    VotePhase   `cbor:"1,keyasint"`
	Height   uint64      `cbor:"2,keyasint"`
	Round    uint32      `cbor:"3,keyasint"`
	Votes    []Vote      `cbor:"4,keyasint"`
}

// ViewChange is broadcast by a validator whose round timer expired
// without a commit, carrying the highest quorum certificate it has
// locked (if any) so the next round's leader can safely re-propose it.
type ViewChange struct {
	Height    uint64             `cbor:"0,keyasint"`
	NewRound  uint32             `cbor:"1,keyasint"`
	Voter     identity.PeerID    `cbor:"2,keyasint"`
	LockedQC  *QuorumCertificate `cbor:"3,keyasint,omitempty"`
	Sig       identity.Signature `cbor:"4,keyasint,omitempty"`
}

type unsignedViewChange struct {
	Height   uint64             `cbor:"0,keyasint"`
	NewRound uint32             `cbor:"1,keyasint"`
	Voter    identity.PeerID    `cbor:"2,keyasint"`
	LockedQC *QuorumCertificate `cbor:"3,keyasint,omitempty"`
}

func (vc *ViewChange) unsigned() unsignedViewChange {
	return unsignedViewChange{Height: vc.Height, NewRound: vc.NewRound, Voter: vc.Voter, LockedQC: vc.LockedQC}
}

// SigningBytes returns the canonical bytes a ViewChange's signature is computed over.
func (vc *ViewChange) SigningBytes() ([]byte, error) {
	return wire.Marshal(vc.unsigned())
}

// EquivocationEvidence proves a voter signed two different votes for
// the same (height, round, phase), grounds for slashing and removal.
type EquivocationEvidence struct {
	Voter identity.PeerID `cbor:"0,keyasint"`
	First  Vote           `cbor:"1,keyasint"`
	Second Vote           `cbor:"2,keyasint"`
}

// CertifiedEntry is one committed (proposal, quorum certificate) pair,
// the unit a peer serves during state-sync and the chain store
// persists per height.
type CertifiedEntry struct {
	Proposal Proposal          `cbor:"0,keyasint"`
	QC       QuorumCertificate `cbor:"1,keyasint"`
}

// Heartbeat advertises a node's committed height, letting peers that
// fell behind (a healed partition, a cold restart) notice and request
// the gap.
type Heartbeat struct {
	Height uint64 `cbor:"0,keyasint"`
}

// StateSyncRequest asks a peer for the committed chain between two
// heights, inclusive.
type StateSyncRequest struct {
	From uint64 `cbor:"0,keyasint"`
	To   uint64 `cbor:"1,keyasint"`
}

// StateSyncResponse carries the certified entries answering a request,
// in height order.
type StateSyncResponse struct {
	Entries []CertifiedEntry `cbor:"0,keyasint"`
}

// StateSyncMessage is the payload of a KindStateSync packet: exactly
// one of Request or Response is set.
type StateSyncMessage struct {
	Request  *StateSyncRequest  `cbor:"0,keyasint,omitempty"`
	Response *StateSyncResponse `cbor:"1,keyasint,omitempty"`
}
