package consensus

import (
	"testing"
	"time"

	"github.com/bitcraps/core/protocol"
)

// commitOnAllEngines drives op through the full prepare/commit vote
// exchange across engines and returns the winning engine's committed
// proposal and quorum certificate, for use as state-sync fixtures.
func commitOnAllEngines(t *testing.T, engines []*Engine, op protocol.GameOperation) (*protocol.Proposal, *protocol.QuorumCertificate) {
	t.Helper()
	leader := findLeader(engines)
	proposal, err := leader.ProposeOperation(op)
	if err != nil {
		t.Fatalf("ProposeOperation: %v", err)
	}

	var prepareVotes []*protocol.Vote
	for _, e := range engines {
		v, err := e.OnProposal(proposal)
		if err != nil {
			t.Fatalf("OnProposal: %v", err)
		}
		prepareVotes = append(prepareVotes, v)
	}
	var commitVotes []*protocol.Vote
	for _, e := range engines {
		for _, v := range prepareVotes {
			outbound, _, _, err := e.OnVote(v)
			if err != nil {
				t.Fatalf("OnVote(prepare): %v", err)
			}
			if outbound != nil {
				commitVotes = append(commitVotes, outbound)
			}
		}
	}
	var finalQC *protocol.QuorumCertificate
	for _, e := range engines {
		for _, v := range commitVotes {
			_, qc, finalized, err := e.OnVote(v)
			if err != nil {
				t.Fatalf("OnVote(commit): %v", err)
			}
			if finalized {
				finalQC = qc
			}
		}
	}
	if finalQC == nil {
		t.Fatalf("expected the operation to commit on at least one engine")
	}
	return proposal, finalQC
}

func TestApplyCertifiedChainCatchesUpALaggingNode(t *testing.T) {
	engines := buildTestEngines(t, 4)
	lagging := NewEngine(engines[len(engines)-1].self, engines[0].validators, &fakeApplier{}, 100*time.Millisecond, time.Second)

	proposal, qc := commitOnAllEngines(t, engines, protocol.GameOperation{Kind: protocol.OpCreateGame, CreateGame: &protocol.CreateGameOp{}})

	if !lagging.NeedsStateSync(proposal.Height + 1) {
		t.Fatalf("expected a node at height %d to need state-sync when a peer reports height %d", lagging.Height(), proposal.Height+1)
	}

	if err := lagging.ApplyCertifiedChain([]CertifiedEntry{{Proposal: *proposal, QC: *qc}}); err != nil {
		t.Fatalf("ApplyCertifiedChain: %v", err)
	}
	if lagging.Height() != 1 {
		t.Fatalf("expected lagging engine to reach height 1, got %d", lagging.Height())
	}
	if lagging.NeedsStateSync(1) {
		t.Fatalf("engine should no longer need state-sync once caught up")
	}
}

func TestApplyCertifiedChainRejectsBadQC(t *testing.T) {
	engines := buildTestEngines(t, 4)
	proposal, qc := commitOnAllEngines(t, engines, protocol.GameOperation{Kind: protocol.OpCreateGame, CreateGame: &protocol.CreateGameOp{}})

	tampered := *qc
	tampered.Votes = tampered.Votes[:1] // below quorum

	target := NewEngine(engines[0].self, engines[0].validators, &fakeApplier{}, 100*time.Millisecond, time.Second)
	if err := target.ApplyCertifiedChain([]CertifiedEntry{{Proposal: *proposal, QC: tampered}}); err == nil {
		t.Fatalf("expected ApplyCertifiedChain to reject an under-quorum certificate")
	}
}

func TestApplyCertifiedChainRejectsForkedPrev(t *testing.T) {
	engines := buildTestEngines(t, 4)
	_, _ = commitOnAllEngines(t, engines, protocol.GameOperation{Kind: protocol.OpCreateGame, CreateGame: &protocol.CreateGameOp{}})
	// Every engine is now at height 1 with a prevHash matching the
	// first committed proposal's id. Commit a second operation so we
	// have a real, validly-signed height-1 entry to tamper with.
	secondProposal, secondQC := commitOnAllEngines(t, engines, protocol.GameOperation{Kind: protocol.OpCreateGame, CreateGame: &protocol.CreateGameOp{}})

	forked := *secondProposal
	forked.Prev[0] ^= 0xff
	// forked no longer matches its own signed contents either once
	// Prev changes, but ApplyCertifiedChain must reject it on the
	// hash-chain check before it would even re-derive the id.

	target, err := identityClone(t, engines)
	if err != nil {
		t.Fatalf("identityClone: %v", err)
	}
	target.height = secondProposal.Height   // matches the entry's own height
	target.prevHash = secondProposal.Prev   // the correct tip; forked.Prev no longer matches it
	if err := target.ApplyCertifiedChain([]CertifiedEntry{{Proposal: forked, QC: *secondQC}}); err == nil {
		t.Fatalf("expected ApplyCertifiedChain to reject a mismatched prev hash")
	}
}

// identityClone returns a fresh engine sharing the same validator set
// as engines, for constructing a target node to drive state-sync
// against without mutating the originals.
func identityClone(t *testing.T, engines []*Engine) (*Engine, error) {
	t.Helper()
	return NewEngine(engines[0].self, engines[0].validators, &fakeApplier{}, 100*time.Millisecond, time.Second), nil
}
