package consensus

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/wire"
)

// Validator is a consensus participant: its peer id, verifying key, and
// stake weight for leader selection.
type Validator struct {
	ID        identity.PeerID
	PublicKey ed25519.PublicKey
	Stake     uint64
}

// ValidatorSet is the fixed membership consensus runs over for a given
// height range. Order is insertion order and is significant: it is
// part of the deterministic leader-selection walk.
type ValidatorSet struct {
	ordered    []Validator
	byID       map[identity.PeerID]Validator
	totalStake uint64
}

// NewValidatorSet builds a set from vs. A validator with zero stake
// can still vote but is never selected as leader.
func NewValidatorSet(vs []Validator) *ValidatorSet {
	set := &ValidatorSet{
		ordered: append([]Validator(nil), vs...),
		byID:    make(map[identity.PeerID]Validator, len(vs)),
	}
	for _, v := range vs {
		set.byID[v.ID] = v
		set.totalStake += v.Stake
	}
	return set
}

// Len returns the number of validators.
func (s *ValidatorSet) Len() int { return len(s.ordered) }

// Lookup returns the validator with the given peer id.
func (s *ValidatorSet) Lookup(id identity.PeerID) (Validator, bool) {
	v, ok := s.byID[id]
	return v, ok
}

// Quorum returns the minimum number of matching votes required to
// accept a proposal or phase: (2n+2)/3 in integer division, i.e.
// ceiling(2n/3). With f = floor((n-1)/3) this is exactly the BFT 2f+1
// threshold when n = 3f+1, and one vote more than 2f+1 otherwise.
func (s *ValidatorSet) Quorum() int {
	n := len(s.ordered)
	return (2*n + 2) / 3
}

// Leader returns the validator selected to propose at (height, round):
// H(height || round) mod total_stake, walked against cumulative stake
// in validator-set order. Falls back to round-robin by index when no
// validator has stake (e.g. a test set with unweighted membership).
func (s *ValidatorSet) Leader(height uint64, round uint32) identity.PeerID {
	if len(s.ordered) == 0 {
		return identity.PeerID{}
	}
	if s.totalStake == 0 {
		idx := (int(height) + int(round)) % len(s.ordered)
		return s.ordered[idx].ID
	}
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], height)
	binary.BigEndian.PutUint32(buf[8:12], round)
	h := wire.SumBytes(buf[:])
	target := sumFirst8(h) % s.totalStake

	var cumulative uint64
	for _, v := range s.ordered {
		cumulative += v.Stake
		if target < cumulative {
			return v.ID
		}
	}
	return s.ordered[len(s.ordered)-1].ID
}

func sumFirst8(h wire.Hash32) uint64 {
	return binary.BigEndian.Uint64(h[:8])
}
