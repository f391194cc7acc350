package node

import (
	"context"
	"fmt"
	"time"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/mesh"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

var broadcast identity.PeerID // zero value; mesh.Handler.Originate treats this as "send to everyone"

func (n *Node) broadcastProposal(p *protocol.Proposal) error {
	payload, err := wire.Marshal(*p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	return n.handler.Originate(context.Background(), broadcast, mesh.KindProposal, payload)
}

func (n *Node) broadcastVote(v *protocol.Vote) error {
	payload, err := wire.Marshal(*v)
	if err != nil {
		return fmt.Errorf("marshal vote: %w", err)
	}
	return n.handler.Originate(context.Background(), broadcast, mesh.KindVote, payload)
}

func (n *Node) broadcastViewChange(vc *protocol.ViewChange) error {
	payload, err := wire.Marshal(*vc)
	if err != nil {
		return fmt.Errorf("marshal view change: %w", err)
	}
	return n.handler.Originate(context.Background(), broadcast, mesh.KindViewChange, payload)
}

// onDeliver is mesh.Handler's Deliver callback: it decodes p.Payload
// per p.Kind and routes the decoded message into the engine, the
// randomness manager, or the ledger, exactly the wiring package node's
// doc comment promises. Errors are logged rather than returned,
// because Deliver has no caller to return them to; a rejected message
// just never advances this node's state.
func (n *Node) onDeliver(p mesh.Packet) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch p.Kind {
	case mesh.KindProposal:
		var proposal protocol.Proposal
		if err := wire.Unmarshal(p.Payload, &proposal); err != nil {
			n.log.Warn("discarding malformed proposal packet", errField(err))
			return
		}
		n.processProposal(&proposal)

	case mesh.KindVote:
		var vote protocol.Vote
		if err := wire.Unmarshal(p.Payload, &vote); err != nil {
			n.log.Warn("discarding malformed vote packet", errField(err))
			return
		}
		n.processVote(&vote)

	case mesh.KindViewChange:
		var vc protocol.ViewChange
		if err := wire.Unmarshal(p.Payload, &vc); err != nil {
			n.log.Warn("discarding malformed view change packet", errField(err))
			return
		}
		advanced, err := n.engine.OnViewChange(&vc)
		if err != nil {
			n.log.Debug("view change rejected", errField(err))
			return
		}
		if advanced && n.engine.IsLeader() {
			n.reproposeLocked()
			n.maybeProposeNext()
		}

	case mesh.KindCommitment:
		var op protocol.CommitRandomnessOp
		if err := wire.Unmarshal(p.Payload, &op); err != nil {
			n.log.Warn("discarding malformed commitment packet", errField(err))
			return
		}
		round, ok := n.randomness.Get(n.cfg.GameID, op.Round)
		if !ok {
			return
		}
		if err := round.SubmitCommit(op.Peer, op.Commitment, time.Now()); err != nil {
			n.log.Debug("commitment rejected", errField(err))
		}

	case mesh.KindReveal:
		var op protocol.RevealRandomnessOp
		if err := wire.Unmarshal(p.Payload, &op); err != nil {
			n.log.Warn("discarding malformed reveal packet", errField(err))
			return
		}
		round, ok := n.randomness.Get(n.cfg.GameID, op.Round)
		if !ok {
			return
		}
		if err := round.SubmitReveal(op.Peer, op.Nonce, time.Now()); err != nil {
			n.log.Debug("reveal rejected", errField(err))
		}

	case mesh.KindRelayReceipt:
		var receipt mesh.RelayReceipt
		if err := wire.Unmarshal(p.Payload, &receipt); err != nil {
			n.log.Warn("discarding malformed relay receipt", errField(err))
			return
		}
		n.creditRelay(receipt)

	case mesh.KindHeartbeat:
		var hb protocol.Heartbeat
		if err := wire.Unmarshal(p.Payload, &hb); err != nil {
			n.log.Warn("discarding malformed heartbeat packet", errField(err))
			return
		}
		n.onHeartbeat(p.Src, hb)

	case mesh.KindStateSync:
		var msg protocol.StateSyncMessage
		if err := wire.Unmarshal(p.Payload, &msg); err != nil {
			n.log.Warn("discarding malformed state-sync packet", errField(err))
			return
		}
		n.onStateSync(p.Src, msg)

	case mesh.KindGossip, mesh.KindAck:
		// No gossip-borne state to fold in yet; gossip is reserved for
		// peer discovery payloads (out of scope here) and acks for a
		// future reliable-delivery layer.
	}
}

// processProposal validates a proposal (a peer's or this node's own),
// broadcasts the resulting Prepare vote, and folds that vote into the
// local tally. The fold matters: a node's broadcasts reach every peer
// but never loop back through its own transport, so without it a
// validator's own vote would be missing from its quorum count forever.
// Caller holds n.mu.
func (n *Node) processProposal(p *protocol.Proposal) {
	vote, err := n.engine.OnProposal(p)
	if err != nil {
		n.log.Debug("proposal rejected", errField(err))
		return
	}
	if err := n.broadcastVote(vote); err != nil {
		n.log.Warn("failed to broadcast prepare vote", errField(err))
	}
	n.processVote(vote)
}

// processVote folds one vote into the engine, broadcasting whatever
// the engine wants said next and settling the height if this vote
// completed the commit quorum. An outbound vote the engine emits is
// folded straight back in (see processProposal on why), and
// equivocation evidence surfaced by the engine is converted into
// queued removal operations on the spot. Caller holds n.mu.
func (n *Node) processVote(vote *protocol.Vote) {
	outbound, qc, finalized, err := n.engine.OnVote(vote)
	n.drainEquivocationEvidence()
	if err != nil {
		n.log.Debug("vote rejected", errField(err))
		return
	}
	if outbound != nil {
		if err := n.broadcastVote(outbound); err != nil {
			n.log.Warn("failed to broadcast commit vote", errField(err))
		}
		n.processVote(outbound)
		return
	}
	if finalized {
		n.onCommitted(qc)
	}
}

// onRelay is mesh.Handler's OnRelay callback, invoked after this node
// forwards someone else's packet on: it signs and originates a
// RelayReceipt so the forwarder can later claim a proof-of-relay
// reward.
func (n *Node) onRelay(p mesh.Packet) {
	// Receipts are never themselves receipted: a forwarded receipt
	// spawning another receipt would cascade across the mesh without
	// bound. Heartbeats are ambient chatter and earn nothing either.
	if p.Kind == mesh.KindRelayReceipt || p.Kind == mesh.KindHeartbeat {
		return
	}
	hash, err := p.Hash()
	if err != nil {
		n.log.Warn("failed to hash relayed packet", errField(err))
		return
	}
	epoch := currentEpoch()
	receipt := mesh.RelayReceipt{Packet: hash, Relayer: n.self.ID(), Epoch: epoch}
	sb, err := receipt.SigningBytes()
	if err != nil {
		n.log.Warn("failed to sign relay receipt", errField(err))
		return
	}
	receipt.Sig = n.self.Sign(identity.ContextRelayReceipt, sb)
	payload, err := wire.Marshal(receipt)
	if err != nil {
		n.log.Warn("failed to marshal relay receipt", errField(err))
		return
	}
	if err := n.handler.Originate(context.Background(), broadcast, mesh.KindRelayReceipt, payload); err != nil {
		n.log.Warn("failed to broadcast relay receipt", errField(err))
	}
}

// creditRelay pays out a proof-of-relay reward for an observed
// RelayReceipt after verifying its signature, deduped by
// (packet hash, relayer) inside the ledger itself.
func (n *Node) creditRelay(receipt mesh.RelayReceipt) {
	relayer, ok := n.cfg.Validators.Lookup(receipt.Relayer)
	if !ok {
		return
	}
	sb, err := receipt.SigningBytes()
	if err != nil {
		return
	}
	if err := identity.Verify(relayer.PublicKey, identity.ContextRelayReceipt, sb, receipt.Sig); err != nil {
		n.log.Debug("relay receipt signature invalid", errField(err))
		return
	}
	if _, err := n.ledger.CreditRelayReward(receipt.Packet, receipt.Relayer, receipt.Epoch, n.cfg.Ledger.RelayRewardPerPacket); err != nil {
		n.log.Debug("relay reward not credited", errField(err))
	}
}

// reproposeLocked re-enters the leader's proposal path after a view
// change advances this node into the leader seat, carrying forward
// whatever the engine locked (ProposeOperation already special-cases
// this). The zero-value GameOperation argument is ignored whenever a
// lock is carried; it only matters for a genuinely fresh proposal,
// which this path never needs since a view change always implies a
// prior round's value may still be locked.
func (n *Node) reproposeLocked() {
	proposal, err := n.engine.ProposeOperation(protocol.GameOperation{})
	if err != nil {
		n.log.Debug("nothing to repropose after view change", errField(err))
		return
	}
	if err := n.broadcastProposal(proposal); err != nil {
		n.log.Warn("failed to broadcast re-proposal", errField(err))
	}
	n.processProposal(proposal)
}

// onCommitted settles a finalized proposal: it resolves any pending
// SubmitOperation waiter, persists the entry if a chain store is
// configured, and publishes a StateDelta to subscribers.
func (n *Node) onCommitted(qc *protocol.QuorumCertificate) {
	committed := n.engine.LastCommitted()
	if committed == nil {
		return
	}
	if pc, ok := n.pending[committed.ID]; ok {
		select {
		case pc.ch <- CommitResult{Status: StatusCommitted, QC: qc}:
		default:
		}
	}
	n.dropQueuedMatching(committed.Op)

	if n.chain != nil {
		if err := n.chain.Append(*committed, *qc); err != nil && bcerr.IsFatal(err) {
			n.log.Error("failed to persist committed entry", errField(err))
		}
	}
	n.recordRecent(protocol.CertifiedEntry{Proposal: *committed, QC: *qc})

	n.opCount++
	state := n.applier.State()
	if n.state != nil && n.state.DueForSnapshot(n.opCount) {
		if err := n.state.SaveSnapshot(n.opCount, state); err != nil {
			n.log.Warn("failed to snapshot state", errField(err))
		}
	}

	delta := StateDelta{
		GameID:      state.GameID,
		Height:      n.engine.Height(),
		Phase:       state.Phase,
		Point:       state.Point,
		LastRoll:    state.LastRoll,
		HistoryHash: state.HistoryHash,
	}
	for _, ch := range n.subs[delta.GameID] {
		select {
		case ch <- delta:
		default: // slow subscriber, drop rather than block dispatch
		}
	}

	// Votes that raced ahead of this commit were parked by the engine;
	// now that the height matches they are folded in for real. A replay
	// that itself completes a quorum recurses back through onCommitted.
	for _, buffered := range n.engine.TakeFutureVotes() {
		v := buffered
		n.processVote(&v)
	}

	n.maybeProposeNext()
}

// currentEpoch buckets relay rewards into coarse windows: a relayer is
// credited at most once per packet, and its total earnings are capped
// per epoch. Epoch length is a deployment tunable elsewhere in the
// real system; dispatch only needs a monotonically increasing bucket
// id here.
func currentEpoch() uint64 {
	return uint64(time.Now().Unix() / 3600)
}
