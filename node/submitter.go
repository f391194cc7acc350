package node

import (
	"context"
	"fmt"
	"time"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/mesh"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/randomness"
	"github.com/bitcraps/core/wire"
)

// SubmitOperation proposes op to consensus and returns its proposal id
// once it has been locally validated and broadcast; it does not wait
// for the commit. Call AwaitCommit with the returned id to learn the
// outcome.
//
// It only succeeds when this node is the current leader: a non-leader
// returns ErrLeaderUnreachable immediately rather than silently
// forwarding, so the caller can retry against whichever peer it
// believes leads (see DESIGN.md).
func (n *Node) SubmitOperation(op protocol.GameOperation) (wire.Hash32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.engine.IsLeader() {
		return wire.Hash32{}, bcerr.New(bcerr.KindConsensusTransient, "node.SubmitOperation", bcerr.ErrLeaderUnreachable)
	}
	if n.engine.HasPendingProposal() {
		return wire.Hash32{}, bcerr.New(bcerr.KindConsensusTransient, "node.SubmitOperation", fmt.Errorf("a proposal is already in flight at height %d", n.engine.Height()))
	}

	proposal, err := n.engine.ProposeOperation(op)
	if err != nil {
		return wire.Hash32{}, err
	}

	n.pending[proposal.ID] = &pendingCommit{ch: make(chan CommitResult, 1)}

	if err := n.broadcastProposal(proposal); err != nil {
		delete(n.pending, proposal.ID)
		return wire.Hash32{}, err
	}
	// The leader votes on its own proposal like any other validator;
	// processProposal folds that vote into the local tally as well as
	// broadcasting it.
	n.processProposal(proposal)
	return proposal.ID, nil
}

// AwaitCommit blocks until id's proposal commits or timeout elapses.
// A proposal superseded by a view change is not reported separately:
// its waiter sees Timeout, and StatusRejected is never returned here.
// An id this node never submitted, or already resolved, reports
// Timeout rather than erroring, since from the caller's perspective
// the two are indistinguishable: no further news is coming.
func (n *Node) AwaitCommit(id wire.Hash32, timeout time.Duration) CommitResult {
	n.mu.Lock()
	pc, ok := n.pending[id]
	n.mu.Unlock()
	if !ok {
		return CommitResult{Status: StatusTimeout}
	}

	select {
	case res := <-pc.ch:
		return res
	case <-time.After(timeout):
		n.mu.Lock()
		delete(n.pending, id)
		n.mu.Unlock()
		return CommitResult{Status: StatusTimeout}
	}
}

// SubscribeState returns a channel of StateDelta for gameID, delivered
// after every operation this node applies for that game. The channel
// has a small buffer; a subscriber that falls behind silently misses
// deltas rather than backpressuring dispatch; consensus traffic is
// never blocked behind a slow observer.
func (n *Node) SubscribeState(gameID protocol.GameID) <-chan StateDelta {
	ch := make(chan StateDelta, 16)
	n.mu.Lock()
	n.subs[gameID] = append(n.subs[gameID], ch)
	n.mu.Unlock()
	return ch
}

// RandomnessProof is the round data an observer needs to independently
// recompute a dice roll and confirm it was not biased.
type RandomnessProof struct {
	Commitments map[identity.PeerID]wire.Hash32
	Reveals     map[identity.PeerID][32]byte
	Evidence    map[identity.PeerID]struct{}
	Seed        wire.Hash32
	Dice        [2]uint8
}

// GetRandomnessProof returns round's commitments, reveals, evidence of
// non-revealers, and derived seed/dice, after independently verifying
// the round against its own recorded commitments and reveals. It
// fails if the round is unknown or has not yet finished, matching
// every other failure path in this package.
func (n *Node) GetRandomnessProof(gameID protocol.GameID, roundID uint64) (*RandomnessProof, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	round, ok := n.randomness.Get(gameID, roundID)
	if !ok {
		return nil, bcerr.New(bcerr.KindValidation, "node.GetRandomnessProof", fmt.Errorf("no round %d for game %x", roundID, gameID))
	}
	if round.Phase != randomness.PhaseDone {
		return nil, bcerr.New(bcerr.KindValidation, "node.GetRandomnessProof", fmt.Errorf("round %d is not done", roundID))
	}
	if err := round.VerifyFairness(); err != nil {
		return nil, err
	}

	proof := &RandomnessProof{
		Commitments: make(map[identity.PeerID]wire.Hash32, len(round.Commitments)),
		Reveals:     make(map[identity.PeerID][32]byte, len(round.Reveals)),
		Evidence:    make(map[identity.PeerID]struct{}, len(round.Evidence)),
		Seed:        round.Seed,
		Dice:        round.Dice,
	}
	for p, c := range round.Commitments {
		proof.Commitments[p] = c
	}
	for p, r := range round.Reveals {
		proof.Reveals[p] = r
	}
	for p := range round.Evidence {
		proof.Evidence[p] = struct{}{}
	}
	return proof, nil
}

// StartRandomnessRound opens a new commit-reveal round for gameID
// using the node's configured commit/reveal phase durations. Only the
// leader's proposal of the resulting ResolveRoundOp matters for
// consensus, but every node tracks the round locally to verify
// commitments and reveals as they arrive.
func (n *Node) StartRandomnessRound(gameID protocol.GameID, roundID uint64, participants []identity.PeerID) *randomness.Round {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.randomness.StartRound(gameID, roundID, participants, time.Now(), n.cfg.CommitPhaseDuration, n.cfg.RevealPhaseDuration)
}

// SubmitCommitment broadcasts this node's commitment for roundID and
// folds it into its own local round state, the commit-side half of
// the exchange onDeliver's KindCommitment branch handles for peers.
func (n *Node) SubmitCommitment(roundID uint64, commitment wire.Hash32) error {
	n.mu.Lock()
	round, ok := n.randomness.Get(n.cfg.GameID, roundID)
	if !ok {
		n.mu.Unlock()
		return bcerr.New(bcerr.KindValidation, "node.SubmitCommitment", fmt.Errorf("no round %d", roundID))
	}
	err := round.SubmitCommit(n.self.ID(), commitment, time.Now())
	n.mu.Unlock()
	if err != nil {
		return err
	}

	op := protocol.CommitRandomnessOp{Round: roundID, Peer: n.self.ID(), Commitment: commitment}
	payload, err := wire.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal commitment: %w", err)
	}
	return n.handler.Originate(context.Background(), broadcast, mesh.KindCommitment, payload)
}

// SubmitReveal broadcasts this node's reveal for roundID and folds it
// into its own local round state, the reveal-side half of the
// exchange onDeliver's KindReveal branch handles for peers.
func (n *Node) SubmitReveal(roundID uint64, nonce [32]byte) error {
	n.mu.Lock()
	round, ok := n.randomness.Get(n.cfg.GameID, roundID)
	if !ok {
		n.mu.Unlock()
		return bcerr.New(bcerr.KindValidation, "node.SubmitReveal", fmt.Errorf("no round %d", roundID))
	}
	err := round.SubmitReveal(n.self.ID(), nonce, time.Now())
	n.mu.Unlock()
	if err != nil {
		return err
	}

	op := protocol.RevealRandomnessOp{Round: roundID, Peer: n.self.ID(), Nonce: nonce}
	payload, err := wire.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal reveal: %w", err)
	}
	return n.handler.Originate(context.Background(), broadcast, mesh.KindReveal, payload)
}
