package node

import (
	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/craps"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/ledger"
	"github.com/bitcraps/core/protocol"
)

// stateApplier is the consensus.Applier for a single game: it runs
// craps.Admit/craps.Apply against the game's in-memory State and folds
// any resulting balance changes into the shared Ledger. Package
// consensus never imports craps or ledger directly; this type is the
// seam between them, owned and wired by package node.
type stateApplier struct {
	state    *craps.State
	rules    craps.RuleSet
	treasury identity.PeerID
	ledger   *ledger.Ledger
}

func newStateApplier(state *craps.State, rules craps.RuleSet, treasury identity.PeerID, l *ledger.Ledger) *stateApplier {
	return &stateApplier{state: state, rules: rules, treasury: treasury, ledger: l}
}

// Admit implements consensus.Applier. craps.Admit already waves through
// the operation kinds that only affect the ledger or the randomness
// manager; ledger.ApplyTreasuryMint re-checks the mint cap
// at Apply time, when it is actually enforceable against running state.
// The no-negative-balance check for UpdateBalances lives here rather
// than in craps, because only this layer can see both the ledger and
// the treasury account allowed to go short.
func (a *stateApplier) Admit(op protocol.GameOperation) error {
	if err := craps.Admit(a.state, op, a.rules, a.ledger); err != nil {
		return err
	}
	if op.Kind == protocol.OpUpdateBalances {
		for _, c := range op.UpdateBalances.Changes {
			if c.Delta >= 0 || c.Account == a.treasury {
				continue
			}
			if a.ledger.Balance(c.Account) < uint64(-c.Delta) {
				return bcerr.New(bcerr.KindValidation, "node.Admit", bcerr.ErrInsufficientBalance)
			}
		}
	}
	return nil
}

// Apply implements consensus.Applier: it commits op against the
// game's state (chaining HistoryHash regardless of kind) and, for
// operations that move balances, applies them to
// the ledger under the same commit so a crash between the two never
// happens (both are in-process, synchronous calls).
func (a *stateApplier) Apply(op protocol.GameOperation) ([]protocol.BalanceChange, error) {
	next, effect, err := craps.Apply(a.state, op, a.rules, a.treasury)
	if err != nil {
		return nil, err
	}
	a.state = next

	switch op.Kind {
	case protocol.OpTreasuryMint:
		if err := a.ledger.ApplyTreasuryMint(*op.TreasuryMint); err != nil {
			return nil, err
		}
		return nil, nil
	case protocol.OpUpdateBalances:
		if err := a.ledger.ApplyBalanceChanges(op.UpdateBalances.Changes); err != nil {
			return nil, err
		}
		return op.UpdateBalances.Changes, nil
	case protocol.OpRemoveParticipant:
		// A removal committed on evidence carries its stake penalty with
		// it, applied here so every node debits the offender at the same
		// height.
		switch op.RemoveParticipant.Reason {
		case protocol.RemoveEquivocation:
			a.ledger.SlashForEquivocation(op.RemoveParticipant.Peer)
		case protocol.RemoveRevealWithhold:
			a.ledger.SlashForRevealWithhold(op.RemoveParticipant.Peer)
		}
		return nil, nil
	}

	if len(effect.BalanceChanges) > 0 {
		if err := a.ledger.ApplyBalanceChanges(effect.BalanceChanges); err != nil {
			return nil, err
		}
	}
	return effect.BalanceChanges, nil
}

// State returns the applier's current game state. The returned
// pointer must be treated as read-only by the caller; craps.Apply
// never mutates its input, so a.state is replaced wholesale on every
// commit rather than edited in place.
func (a *stateApplier) State() *craps.State {
	return a.state
}
