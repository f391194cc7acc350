package craps

import "github.com/bitcraps/core/protocol"

// IsValidForPhase reports whether bet may be placed while the game is
// in phase.
func IsValidForPhase(bet protocol.BetType, phase Phase, rules RuleSet) bool {
	if phase == PhaseEnded {
		return false
	}
	if isExotic(bet) && !rules.AllowExotic {
		return false
	}
	switch phase {
	case PhaseComeOut:
		switch bet {
		case protocol.BetPass, protocol.BetDontPass, protocol.BetField,
			protocol.BetAnyCraps, protocol.BetAnySeven:
			return true
		default:
			return false
		}
	case PhasePoint:
		switch bet {
		case protocol.BetCome, protocol.BetDontCome, protocol.BetField,
			protocol.BetPlace4, protocol.BetPlace5, protocol.BetPlace6,
			protocol.BetPlace8, protocol.BetPlace9, protocol.BetPlace10,
			protocol.BetOddsPass, protocol.BetOddsDontPass,
			protocol.BetHardway4, protocol.BetHardway6, protocol.BetHardway8, protocol.BetHardway10,
			protocol.BetAnyCraps, protocol.BetAnySeven:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

func isExotic(bet protocol.BetType) bool {
	switch bet {
	case protocol.BetHardway4, protocol.BetHardway6, protocol.BetHardway8, protocol.BetHardway10,
		protocol.BetAnyCraps, protocol.BetAnySeven:
		return true
	default:
		return false
	}
}

// Outcome is the result of resolving one bet against a roll.
type Outcome int

const (
	OutcomeStays Outcome = iota
	OutcomeWin
	OutcomeLose
	OutcomePush
)

// payoutRatio is a rational payout multiplier (numerator/denominator),
// applied as amount*num/den with floor rounding; any rounding loss
// accrues to the treasury via the caller.
type payoutRatio struct {
	Num, Den int64
}

// apply returns the floored payout for a wagered amount; any fractional
// remainder from the division is never credited to anyone (see Apply's
// treasury-offset comment in statemachine.go).
func (r payoutRatio) apply(amount uint64) int64 {
	return (int64(amount) * r.Num) / r.Den
}

func placePayout(point uint8) payoutRatio {
	switch point {
	case 4, 10:
		return payoutRatio{9, 5}
	case 5, 9:
		return payoutRatio{7, 5}
	case 6, 8:
		return payoutRatio{7, 6}
	default:
		return payoutRatio{1, 1}
	}
}

func oddsPayout(point uint8, dontPass bool) payoutRatio {
	var r payoutRatio
	switch point {
	case 4, 10:
		r = payoutRatio{2, 1}
	case 5, 9:
		r = payoutRatio{3, 2}
	case 6, 8:
		r = payoutRatio{6, 5}
	default:
		r = payoutRatio{1, 1}
	}
	if dontPass {
		return payoutRatio{r.Den, r.Num}
	}
	return r
}

func hardwayPayout(point uint8) payoutRatio {
	switch point {
	case 4, 10:
		return payoutRatio{7, 1}
	case 6, 8:
		return payoutRatio{9, 5}
	default:
		return payoutRatio{1, 1}
	}
}

func placeNumber(bet protocol.BetType) uint8 {
	switch bet {
	case protocol.BetPlace4:
		return 4
	case protocol.BetPlace5:
		return 5
	case protocol.BetPlace6:
		return 6
	case protocol.BetPlace8:
		return 8
	case protocol.BetPlace9:
		return 9
	case protocol.BetPlace10:
		return 10
	default:
		return 0
	}
}

func hardwayNumber(bet protocol.BetType) uint8 {
	switch bet {
	case protocol.BetHardway4:
		return 4
	case protocol.BetHardway6:
		return 6
	case protocol.BetHardway8:
		return 8
	case protocol.BetHardway10:
		return 10
	default:
		return 0
	}
}

// resolveBet is the pure resolution function keyed by (phase, bet
// type, roll): a table lookup over a fixed tag set, no dynamic
// dispatch.
//
// phaseBeforeRoll is the phase the game was in when the dice landed
// (ComeOut or Point), point is the established point (0 if none),
// total is the sum of the two dice, and isHard reports whether the
// roll was a pair (e.g. 4 rolled as 2+2).
func resolveBet(bet protocol.BetType, phaseBeforeRoll Phase, point uint8, total uint8, isHard bool) (Outcome, payoutRatio) {
	switch bet {
	case protocol.BetPass:
		if phaseBeforeRoll == PhaseComeOut {
			switch total {
			case 7, 11:
				return OutcomeWin, payoutRatio{1, 1}
			case 2, 3, 12:
				return OutcomeLose, payoutRatio{1, 1}
			default:
				return OutcomeStays, payoutRatio{1, 1}
			}
		}
		switch {
		case total == point:
			return OutcomeWin, payoutRatio{1, 1}
		case total == 7:
			return OutcomeLose, payoutRatio{1, 1}
		default:
			return OutcomeStays, payoutRatio{1, 1}
		}
	case protocol.BetDontPass:
		if phaseBeforeRoll == PhaseComeOut {
			switch total {
			case 7, 11:
				return OutcomeLose, payoutRatio{1, 1}
			case 2, 3:
				return OutcomeWin, payoutRatio{1, 1}
			case 12:
				return OutcomePush, payoutRatio{1, 1} // standard "barred 12"
			default:
				return OutcomeStays, payoutRatio{1, 1}
			}
		}
		switch {
		case total == 7:
			return OutcomeWin, payoutRatio{1, 1}
		case total == point:
			return OutcomeLose, payoutRatio{1, 1}
		default:
			return OutcomeStays, payoutRatio{1, 1}
		}
	case protocol.BetField:
		switch total {
		case 2:
			return OutcomeWin, payoutRatio{2, 1}
		case 12:
			return OutcomeWin, payoutRatio{3, 1}
		case 3, 4, 9, 10, 11:
			return OutcomeWin, payoutRatio{1, 1}
		default:
			return OutcomeLose, payoutRatio{1, 1}
		}
	case protocol.BetPlace4, protocol.BetPlace5, protocol.BetPlace6,
		protocol.BetPlace8, protocol.BetPlace9, protocol.BetPlace10:
		n := placeNumber(bet)
		switch {
		case total == n:
			return OutcomeWin, placePayout(n)
		case total == 7:
			return OutcomeLose, payoutRatio{1, 1}
		default:
			return OutcomeStays, payoutRatio{1, 1}
		}
	case protocol.BetOddsPass:
		switch {
		case total == point:
			return OutcomeWin, oddsPayout(point, false)
		case total == 7:
			return OutcomeLose, payoutRatio{1, 1}
		default:
			return OutcomeStays, payoutRatio{1, 1}
		}
	case protocol.BetOddsDontPass:
		switch {
		case total == 7:
			return OutcomeWin, oddsPayout(point, true)
		case total == point:
			return OutcomeLose, payoutRatio{1, 1}
		default:
			return OutcomeStays, payoutRatio{1, 1}
		}
	case protocol.BetHardway4, protocol.BetHardway6, protocol.BetHardway8, protocol.BetHardway10:
		n := hardwayNumber(bet)
		switch {
		case total == n && isHard:
			return OutcomeWin, hardwayPayout(n)
		case total == n || total == 7:
			return OutcomeLose, payoutRatio{1, 1}
		default:
			return OutcomeStays, payoutRatio{1, 1}
		}
	case protocol.BetAnyCraps:
		switch total {
		case 2, 3, 12:
			return OutcomeWin, payoutRatio{7, 1}
		default:
			return OutcomeLose, payoutRatio{1, 1}
		}
	case protocol.BetAnySeven:
		if total == 7 {
			return OutcomeWin, payoutRatio{4, 1}
		}
		return OutcomeLose, payoutRatio{1, 1}
	case protocol.BetCome, protocol.BetDontCome:
		// Come and don't-come resolve against come-out rules on every
		// roll; no per-bet point is tracked. See DESIGN.md's Open
		// Question log for the scope of this treatment.
		if total == 7 || total == 11 {
			if bet == protocol.BetCome {
				return OutcomeWin, payoutRatio{1, 1}
			}
			return OutcomeLose, payoutRatio{1, 1}
		}
		if total == 2 || total == 3 || total == 12 {
			if bet == protocol.BetCome {
				return OutcomeLose, payoutRatio{1, 1}
			}
			if total == 12 {
				return OutcomePush, payoutRatio{1, 1} // barred, same as don't-pass
			}
			return OutcomeWin, payoutRatio{1, 1}
		}
		return OutcomeStays, payoutRatio{1, 1}
	default:
		return OutcomeStays, payoutRatio{1, 1}
	}
}
