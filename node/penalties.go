package node

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/randomness"
	"github.com/bitcraps/core/wire"
)

// FinalizeRandomnessRound closes roundID's commit or reveal phase
// against the clock (call it once the phase deadline passes, or once
// AllRevealed reports early completion) and queues the follow-up
// operations the outcome demands: the ResolveRound carrying the
// derived dice, and one penalty UpdateBalances per reveal-withholder
// sized by the configured slash fraction. Every node derives the same
// queue from its consensus-identical state; whichever node leads
// proposes from it, one operation per height, as commits land (see
// maybeProposeNext), and the rest prune their queues as those commits
// arrive (see dropQueuedMatching).
func (n *Node) FinalizeRandomnessRound(roundID uint64) (*randomness.Round, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	round, ok := n.randomness.Get(n.cfg.GameID, roundID)
	if !ok {
		return nil, bcerr.New(bcerr.KindValidation, "node.FinalizeRandomnessRound", fmt.Errorf("no round %d", roundID))
	}

	now := time.Now()
	if round.Phase == randomness.PhaseCommit && now.After(round.CommitBy) {
		round.CloseCommitPhase()
	}
	if round.Phase == randomness.PhaseReveal && (round.AllRevealed() || now.After(round.RevealBy)) {
		if err := round.CloseRevealPhase(); err != nil {
			return round, err
		}
	}
	if round.Phase != randomness.PhaseDone {
		return round, nil
	}

	n.queueOperation(protocol.GameOperation{
		Kind:         protocol.OpResolveRound,
		ResolveRound: &protocol.ResolveRoundOp{Round: roundID, Dice: round.Dice},
	})
	for peer := range round.Evidence {
		n.queuePenalty(peer, n.ledger.SlashAmountRevealWithhold(peer), "reveal_withhold")
	}
	n.maybeProposeNext()
	return round, nil
}

// dropQueuedMatching removes queued copies of a just-committed
// operation, so a node that queued the same work another leader got to
// first does not re-propose it at a later height. Caller holds n.mu.
func (n *Node) dropQueuedMatching(op protocol.GameOperation) {
	want, err := wire.Marshal(op)
	if err != nil {
		return
	}
	kept := n.opQueue[:0]
	for _, q := range n.opQueue {
		b, err := wire.Marshal(q)
		if err == nil && bytes.Equal(b, want) {
			continue
		}
		kept = append(kept, q)
	}
	n.opQueue = kept
}

// queuePenalty enqueues the conservation-preserving slash transfer for
// one offender: the slash amount moves from the offender to the
// treasury under consensus, so every node's ledger agrees on it.
// Caller holds n.mu.
func (n *Node) queuePenalty(peer identity.PeerID, amount uint64, reason string) {
	if amount == 0 {
		return
	}
	n.queueOperation(protocol.GameOperation{
		Kind: protocol.OpUpdateBalances,
		UpdateBalances: &protocol.UpdateBalancesOp{
			Changes: []protocol.BalanceChange{
				{Account: peer, Delta: -int64(amount)},
				{Account: n.cfg.Treasury, Delta: int64(amount)},
			},
			Reason: reason,
		},
	})
}

// drainEquivocationEvidence converts any equivocation evidence the
// engine has accumulated into queued RemoveParticipant operations; the
// stake slash itself happens when the removal commits (see
// stateApplier.Apply), so every node debits the offender at the same
// height. Caller holds n.mu.
func (n *Node) drainEquivocationEvidence() {
	for _, ev := range n.engine.DrainEquivocations() {
		if n.chain != nil {
			if err := n.chain.AppendEvidence(ev); err != nil {
				n.log.Error("failed to persist equivocation evidence", errField(err))
			}
		}
		if _, already := n.queuedOffenders[ev.Voter]; already {
			continue
		}
		n.queuedOffenders[ev.Voter] = struct{}{}
		n.log.Warn("equivocation evidence recorded", zap.String("voter", ev.Voter.String()))
		n.queueOperation(protocol.GameOperation{
			Kind: protocol.OpRemoveParticipant,
			RemoveParticipant: &protocol.RemoveParticipantOp{
				Peer:   ev.Voter,
				Reason: protocol.RemoveEquivocation,
			},
		})
	}
}

// queueOperation appends op for proposal at this node's next free
// height. Caller holds n.mu.
func (n *Node) queueOperation(op protocol.GameOperation) {
	n.opQueue = append(n.opQueue, op)
}

// maybeProposeNext proposes the head of the operation queue if this
// node leads the current round and has no proposal in flight. Called
// after every commit (the engine's round state is fresh then) and after
// FinalizeRandomnessRound queues new work. Caller holds n.mu.
func (n *Node) maybeProposeNext() {
	if len(n.opQueue) == 0 || !n.engine.IsLeader() || n.engine.HasPendingProposal() {
		return
	}
	op := n.opQueue[0]

	proposal, err := n.engine.ProposeOperation(op)
	if err != nil {
		// Inadmissible queued work (e.g. the offender's balance already
		// empty) is dropped rather than retried forever.
		n.log.Debug("dropping queued operation", errField(err))
		n.opQueue = n.opQueue[1:]
		return
	}
	n.opQueue = n.opQueue[1:]
	if err := n.broadcastProposal(proposal); err != nil {
		n.log.Warn("failed to broadcast queued proposal", errField(err))
	}
	n.processProposal(proposal)
}
