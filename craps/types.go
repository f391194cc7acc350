package craps

import (
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

// Phase is the craps shooter cycle.
type Phase uint8

const (
	PhaseComeOut Phase = iota
	PhasePoint
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseComeOut:
		return "come_out"
	case PhasePoint:
		return "point"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// BetKey identifies one player's wager of a given type.
type BetKey struct {
	Player  identity.PeerID
	BetType protocol.BetType
}

// State is the game's phase, point, bets, and hash-chained history.
// Account balances live in package ledger, not here; a BalanceReader
// bridges the two for admission checks (see Admit).
type State struct {
	GameID       protocol.GameID
	Phase        Phase
	Point        uint8 // 0 means "no point established"
	Bets         map[BetKey]uint64
	Participants map[identity.PeerID]struct{}
	RollCount    uint32
	LastRoll     [2]uint8
	HistoryHash  wire.Hash32
}

// NewState returns the initial ComeOut-phase state for a new game.
func NewState(gameID protocol.GameID, participants []identity.PeerID) *State {
	set := make(map[identity.PeerID]struct{}, len(participants))
	for _, p := range participants {
		set[p] = struct{}{}
	}
	return &State{
		GameID:       gameID,
		Phase:        PhaseComeOut,
		Bets:         make(map[BetKey]uint64),
		Participants: set,
	}
}

// Clone returns a deep copy of s, used so Apply never mutates its input.
func (s *State) Clone() *State {
	c := &State{
		GameID:      s.GameID,
		Phase:       s.Phase,
		Point:       s.Point,
		RollCount:   s.RollCount,
		LastRoll:    s.LastRoll,
		HistoryHash: s.HistoryHash,
	}
	c.Bets = make(map[BetKey]uint64, len(s.Bets))
	for k, v := range s.Bets {
		c.Bets[k] = v
	}
	c.Participants = make(map[identity.PeerID]struct{}, len(s.Participants))
	for k, v := range s.Participants {
		c.Participants[k] = v
	}
	return c
}

// BalanceReader is the read-only view into package ledger that bet
// admission needs: a wager is capped at
// min(player_balance, table_max).
type BalanceReader interface {
	Balance(identity.PeerID) uint64
}

// RuleSet toggles which bets are legal. The standard craps bet set is
// frozen; the exotic bets are a version-gated extension, and a RuleSet
// value is the protocol version for bet-table purposes.
type RuleSet struct {
	// AllowExotic enables hardways, any-craps, and any-seven bets.
	AllowExotic bool
	// TableMax bounds any single bet's amount.
	TableMax uint64
}

// StandardRules is the frozen, always-available bet set.
func StandardRules(tableMax uint64) RuleSet {
	return RuleSet{AllowExotic: false, TableMax: tableMax}
}

// Effect describes a side effect Apply wants the caller to carry out
// (e.g. crediting the ledger), kept out-of-band from State so Apply
// itself stays a pure function.
type Effect struct {
	// BalanceChanges is non-nil when a roll resolved bets; the caller
	// (consensus, via ledger) applies these under the same commit.
	BalanceChanges []protocol.BalanceChange
}
