package craps

import (
	"fmt"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

// Admit runs the admission checks consensus requires before voting
// Prepare on a proposal carrying op. It never mutates state.
func Admit(s *State, op protocol.GameOperation, rules RuleSet, balances BalanceReader) error {
	if s.Phase == PhaseEnded {
		return bcerr.New(bcerr.KindValidation, "craps.Admit", fmt.Errorf("game %x has ended", s.GameID))
	}
	switch op.Kind {
	case protocol.OpPlaceBet:
		pb := op.PlaceBet
		if pb == nil {
			return bcerr.New(bcerr.KindValidation, "craps.Admit", fmt.Errorf("missing PlaceBet payload"))
		}
		if _, ok := s.Participants[pb.Player]; !ok {
			return bcerr.New(bcerr.KindValidation, "craps.Admit", fmt.Errorf("player %s not in session", pb.Player))
		}
		if !IsValidForPhase(pb.BetType, s.Phase, rules) {
			return bcerr.New(bcerr.KindValidation, "craps.Admit", bcerr.ErrBadPhaseForBet)
		}
		if pb.Amount == 0 {
			return bcerr.New(bcerr.KindValidation, "craps.Admit", fmt.Errorf("bet amount must be positive"))
		}
		max := rules.TableMax
		bal := balances.Balance(pb.Player)
		if bal < max {
			max = bal
		}
		if pb.Amount > max {
			return bcerr.New(bcerr.KindValidation, "craps.Admit", bcerr.ErrInsufficientBalance)
		}
		return nil
	case protocol.OpUpdateBalances:
		ub := op.UpdateBalances
		if ub == nil {
			return bcerr.New(bcerr.KindValidation, "craps.Admit", fmt.Errorf("missing UpdateBalances payload"))
		}
		if protocol.SumChanges(ub.Changes) != 0 {
			return bcerr.New(bcerr.KindValidation, "craps.Admit", fmt.Errorf("balance changes must sum to zero"))
		}
		return nil
	case protocol.OpResolveRound, protocol.OpCommitRandomness, protocol.OpRevealRandomness,
		protocol.OpAddParticipant, protocol.OpRemoveParticipant, protocol.OpTreasuryMint,
		protocol.OpCreateGame, protocol.OpResolveFinal:
		return nil
	default:
		return bcerr.New(bcerr.KindValidation, "craps.Admit", fmt.Errorf("unknown operation kind %d", op.Kind))
	}
}

// Apply is the pure function apply(state, operation) -> (state', effects):
// deterministic, side-effect-free, referentially transparent.
// It returns a new State; s is never mutated. treasury is the account
// credited or debited opposite every player payout or loss, so the
// emitted balance changes always sum to zero.
func Apply(s *State, op protocol.GameOperation, rules RuleSet, treasury identity.PeerID) (*State, Effect, error) {
	next := s.Clone()
	var effect Effect

	switch op.Kind {
	case protocol.OpPlaceBet:
		pb := op.PlaceBet
		key := BetKey{Player: pb.Player, BetType: pb.BetType}
		next.Bets[key] += pb.Amount

	case protocol.OpResolveRound:
		rr := op.ResolveRound
		changes, err := resolveRound(next, rr.Dice, treasury)
		if err != nil {
			return nil, Effect{}, err
		}
		effect.BalanceChanges = changes

	case protocol.OpAddParticipant:
		next.Participants[op.AddParticipant.Peer] = struct{}{}

	case protocol.OpRemoveParticipant:
		delete(next.Participants, op.RemoveParticipant.Peer)
		for k := range next.Bets {
			if k.Player == op.RemoveParticipant.Peer {
				delete(next.Bets, k)
			}
		}

	case protocol.OpResolveFinal:
		next.Phase = PhaseEnded

	case protocol.OpCommitRandomness, protocol.OpRevealRandomness,
		protocol.OpUpdateBalances, protocol.OpTreasuryMint, protocol.OpCreateGame:
		// These operations affect the randomness manager / ledger, not
		// craps.State directly; craps only needs to chain them into
		// HistoryHash (below) so a replay can recompute the same
		// history_hash on every node.

	default:
		return nil, Effect{}, bcerr.New(bcerr.KindValidation, "craps.Apply", fmt.Errorf("unknown operation kind %d", op.Kind))
	}

	opHash, err := op.Hash()
	if err != nil {
		return nil, Effect{}, fmt.Errorf("hash operation: %w", err)
	}
	next.HistoryHash = chainHash(next.HistoryHash, opHash)
	return next, effect, nil
}

// chainHash computes history_hash_n = H(history_hash_{n-1} || canonical(op_n)).
func chainHash(prev, opHash [32]byte) [32]byte {
	return wire.Sum256Concat(prev[:], opHash[:])
}

// resolveRound resolves all outstanding bets against dice, advances
// the come-out/point cycle, and returns the balance changes to apply
// under the same commit (credited from/to the treasury by the caller,
// package ledger).
func resolveRound(s *State, dice [2]uint8, treasury identity.PeerID) ([]protocol.BalanceChange, error) {
	if dice[0] < 1 || dice[0] > 6 || dice[1] < 1 || dice[1] > 6 {
		return nil, bcerr.New(bcerr.KindValidation, "craps.resolveRound", fmt.Errorf("invalid dice %v", dice))
	}
	total := dice[0] + dice[1]
	isHard := dice[0] == dice[1]
	phaseBeforeRoll := s.Phase

	var changes []protocol.BalanceChange

	// Every payout is mirrored by an equal and opposite treasury entry
	// so the changes for a round always sum to zero. Payouts are floor
	// rounded, so the treasury ends up keeping whatever fraction was
	// never paid out.
	for key, amount := range s.Bets {
		outcome, ratio := resolveBet(key.BetType, phaseBeforeRoll, s.Point, total, isHard)
		switch outcome {
		case OutcomeWin:
			payout := ratio.apply(amount)
			changes = append(changes,
				protocol.BalanceChange{Account: key.Player, Delta: payout},
				protocol.BalanceChange{Account: treasury, Delta: -payout},
			)
			delete(s.Bets, key)
		case OutcomeLose:
			changes = append(changes,
				protocol.BalanceChange{Account: key.Player, Delta: -int64(amount)},
				protocol.BalanceChange{Account: treasury, Delta: int64(amount)},
			)
			delete(s.Bets, key)
		case OutcomePush:
			delete(s.Bets, key)
		case OutcomeStays:
			// leave the bet in place for the next roll
		}
	}

	switch phaseBeforeRoll {
	case PhaseComeOut:
		switch total {
		case 7, 11, 2, 3, 12:
			s.Point = 0
			s.Phase = PhaseComeOut
		default:
			s.Point = total
			s.Phase = PhasePoint
		}
	case PhasePoint:
		switch total {
		case s.Point, 7:
			s.Point = 0
			s.Phase = PhaseComeOut
		}
	}

	s.RollCount++
	s.LastRoll = dice

	return changes, nil
}
