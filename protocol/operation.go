package protocol

import (
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/wire"
)

// GameID is a 16-byte value, unique per game session.
type GameID [16]byte

// BetType enumerates the craps wagers a PlaceBet operation can carry:
// a tagged enum resolved against a table of pure payout functions in
// package craps, with no virtual dispatch in the hot path.
type BetType string

const (
	BetPass         BetType = "pass"
	BetDontPass     BetType = "dont_pass"
	BetCome         BetType = "come"
	BetDontCome     BetType = "dont_come"
	BetField        BetType = "field"
	BetPlace4       BetType = "place_4"
	BetPlace5       BetType = "place_5"
	BetPlace6       BetType = "place_6"
	BetPlace8       BetType = "place_8"
	BetPlace9       BetType = "place_9"
	BetPlace10      BetType = "place_10"
	BetOddsPass     BetType = "odds_pass"
	BetOddsDontPass BetType = "odds_dont_pass"

	// Exotic bets, version-gated behind craps.RuleSet; the standard
	// bet set above is frozen.
	BetHardway4 BetType = "hardway_4"
	BetHardway6 BetType = "hardway_6"
	BetHardway8 BetType = "hardway_8"
	BetHardway10 BetType = "hardway_10"
	BetAnyCraps BetType = "any_craps"
	BetAnySeven BetType = "any_seven"
)

// OperationKind tags which variant of GameOperation is populated.
type OperationKind uint8

const (
	OpPlaceBet OperationKind = iota
	OpCommitRandomness
	OpRevealRandomness
	OpResolveRound
	OpUpdateBalances
	OpAddParticipant
	OpRemoveParticipant
	OpTreasuryMint
	OpCreateGame
	OpResolveFinal
)

// GameOperation is the tagged union committed by consensus. Only the
// field matching Kind is populated; this mirrors a protobuf oneof
// without pulling in a protobuf toolchain for a handful of variants.
type GameOperation struct {
	Kind OperationKind `cbor:"0,keyasint"`

	PlaceBet          *PlaceBetOp          `cbor:"1,keyasint,omitempty"`
	CommitRandomness  *CommitRandomnessOp  `cbor:"2,keyasint,omitempty"`
	RevealRandomness  *RevealRandomnessOp  `cbor:"3,keyasint,omitempty"`
	ResolveRound      *ResolveRoundOp      `cbor:"4,keyasint,omitempty"`
	UpdateBalances    *UpdateBalancesOp    `cbor:"5,keyasint,omitempty"`
	AddParticipant    *AddParticipantOp    `cbor:"6,keyasint,omitempty"`
	RemoveParticipant *RemoveParticipantOp `cbor:"7,keyasint,omitempty"`
	TreasuryMint      *TreasuryMintOp      `cbor:"8,keyasint,omitempty"`
	CreateGame        *CreateGameOp        `cbor:"9,keyasint,omitempty"`
	ResolveFinal      *ResolveFinalOp      `cbor:"10,keyasint,omitempty"`
}

type PlaceBetOp struct {
	Player  identity.PeerID `cbor:"0,keyasint"`
	BetType BetType         `cbor:"1,keyasint"`
	Amount  uint64          `cbor:"2,keyasint"`
	Nonce   uint64          `cbor:"3,keyasint"`
}

type CommitRandomnessOp struct {
	Round      uint64          `cbor:"0,keyasint"`
	Peer       identity.PeerID `cbor:"1,keyasint"`
	Commitment wire.Hash32     `cbor:"2,keyasint"`
}

type RevealRandomnessOp struct {
	Round uint64          `cbor:"0,keyasint"`
	Peer  identity.PeerID `cbor:"1,keyasint"`
	Nonce [32]byte        `cbor:"2,keyasint"`
}

type ResolveRoundOp struct {
	Round uint64   `cbor:"0,keyasint"`
	Dice  [2]uint8 `cbor:"1,keyasint"`
}

// UpdateBalancesOp changes ledger balances. Sum(Changes) must be zero
// (conservation); only a TreasuryMintOp may break it. Changes is
// encoded as a slice of entries, in the order given (it is not
// sorted), rather than a Go map so that canonical encoding never
// depends on map iteration order.
type UpdateBalancesOp struct {
	Changes []BalanceChange `cbor:"0,keyasint"`
	Reason  string          `cbor:"1,keyasint"`
}

type BalanceChange struct {
	Account identity.PeerID `cbor:"0,keyasint"`
	Delta   int64           `cbor:"1,keyasint"`
}

type AddParticipantOp struct {
	Peer identity.PeerID `cbor:"0,keyasint"`
}

// RemoveReason classifies why a participant was removed, driving
// slashing in package ledger.
type RemoveReason string

const (
	RemoveVoluntary    RemoveReason = "voluntary"
	RemoveEquivocation RemoveReason = "equivocation"
	RemoveRevealWithhold RemoveReason = "reveal_withhold"
)

type RemoveParticipantOp struct {
	Peer   identity.PeerID `cbor:"0,keyasint"`
	Reason RemoveReason    `cbor:"1,keyasint"`
}

// TreasuryMintOp is the sole sanctioned exception to conservation,
// subject to configured caps enforced by ledger.
type TreasuryMintOp struct {
	Amount int64  `cbor:"0,keyasint"`
	Reason string `cbor:"1,keyasint"`
}

type CreateGameOp struct {
	GameID GameID `cbor:"0,keyasint"`
}

type ResolveFinalOp struct {
	GameID GameID `cbor:"0,keyasint"`
}

// Canonical returns the canonical CBOR encoding of op.
func (op GameOperation) Canonical() ([]byte, error) {
	return wire.Marshal(op)
}

// Hash returns H(canonical(op)), used to chain GameState.HistoryHash.
func (op GameOperation) Hash() (wire.Hash32, error) {
	return wire.Hash(op)
}

// SumChanges returns the sum of a BalanceChange slice's deltas, used to
// enforce conservation.
func SumChanges(changes []BalanceChange) int64 {
	var sum int64
	for _, c := range changes {
		sum += c.Delta
	}
	return sum
}
