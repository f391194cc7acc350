package consensus

import (
	"fmt"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

// CertifiedEntry is one committed (Proposal, QuorumCertificate) pair as
// served by a peer during state-sync: a node that learns of a higher
// committed height requests the chain between its own tip and that
// height and validates each entry before applying it. It aliases the
// wire type so a chain served over mesh decodes straight into what
// ApplyCertifiedChain consumes.
type CertifiedEntry = protocol.CertifiedEntry

// VerifyQC checks that qc attests proposalID at the phase it claims,
// with at least Quorum() distinct, validator-set signatures, each
// verifying under its claimed peer id. This is the check every
// committed proposal's QC must pass whether it arrived by the normal
// Prepare/Commit vote flow or by state-sync.
func (e *Engine) VerifyQC(proposalID wire.Hash32, qc protocol.QuorumCertificate) error {
	if qc.Proposal != proposalID {
		return bcerr.New(bcerr.KindValidation, "consensus.VerifyQC", fmt.Errorf("qc references a different proposal"))
	}
	seen := make(map[identity.PeerID]struct{}, len(qc.Votes))
	for _, v := range qc.Votes {
		if v.Proposal != proposalID || v.Phase != qc.Phase {
			return bcerr.New(bcerr.KindValidation, "consensus.VerifyQC", fmt.Errorf("qc contains a vote for a different proposal or phase"))
		}
		voter, ok := e.validators.Lookup(v.Voter)
		if !ok {
			return bcerr.New(bcerr.KindValidation, "consensus.VerifyQC", fmt.Errorf("qc signed by unknown voter %s", v.Voter))
		}
		vb, err := v.SigningBytes()
		if err != nil {
			return fmt.Errorf("vote signing bytes: %w", err)
		}
		if err := identity.Verify(voter.PublicKey, identity.ContextVote, vb, v.Sig); err != nil {
			return err
		}
		seen[v.Voter] = struct{}{}
	}
	if len(seen) < e.validators.Quorum() {
		return bcerr.New(bcerr.KindValidation, "consensus.VerifyQC", fmt.Errorf("qc has %d distinct signatures, need %d", len(seen), e.validators.Quorum()))
	}
	return nil
}

// NeedsStateSync reports whether a peer-reported committed height is
// ahead of this engine's, meaning this node fell behind (a partition,
// or a cold restart) and should fetch and replay the gap instead of
// continuing to vote at its stale height.
func (e *Engine) NeedsStateSync(peerHeight uint64) bool {
	return peerHeight > e.height
}

// ApplyCertifiedChain validates and applies a contiguous run of
// committed entries starting at this engine's current height,
// advancing height, prevHash and the ledger/state-machine side effects
// exactly as the normal commit path would, without re-running the
// Prepare/Commit vote exchange: each entry's QC, signature, and
// application are validated in order.
//
// It is the caller's responsibility to have obtained entries from a
// peer claiming a higher committed height (NeedsStateSync) and to feed
// them starting at the right height; ApplyCertifiedChain itself
// enforces strict height and hash-chain contiguity and refuses to skip
// or reorder.
func (e *Engine) ApplyCertifiedChain(entries []CertifiedEntry) error {
	for _, ent := range entries {
		if ent.Proposal.Height != e.height {
			return bcerr.New(bcerr.KindPartitionSync, "consensus.ApplyCertifiedChain", fmt.Errorf("entry for height %d, expected %d", ent.Proposal.Height, e.height))
		}
		if e.height > 0 && ent.Proposal.Prev != e.prevHash {
			return bcerr.New(bcerr.KindPartitionSync, "consensus.ApplyCertifiedChain", bcerr.ErrForkDetected)
		}
		proposerVal, ok := e.validators.Lookup(ent.Proposal.Proposer)
		if !ok {
			return bcerr.New(bcerr.KindValidation, "consensus.ApplyCertifiedChain", fmt.Errorf("unknown proposer %s", ent.Proposal.Proposer))
		}
		sb, err := ent.Proposal.SigningBytes()
		if err != nil {
			return fmt.Errorf("proposal signing bytes: %w", err)
		}
		if err := identity.Verify(proposerVal.PublicKey, identity.ContextProposal, sb, ent.Proposal.Sig); err != nil {
			return err
		}
		if wantID := wire.SumBytes(sb); ent.Proposal.ID != wantID {
			return bcerr.New(bcerr.KindValidation, "consensus.ApplyCertifiedChain", fmt.Errorf("proposal id does not match its contents"))
		}
		if err := e.VerifyQC(ent.Proposal.ID, ent.QC); err != nil {
			return err
		}
		if _, err := e.applier.Apply(ent.Proposal.Op); err != nil {
			return bcerr.New(bcerr.KindPersistence, "consensus.ApplyCertifiedChain", fmt.Errorf("apply certified entry at height %d: %w", ent.Proposal.Height, err))
		}
		committed := ent.Proposal
		e.prevHash = ent.Proposal.ID
		e.height++
		e.round = 0
		e.lockedQC = nil
		e.lockedProposal = nil
		e.lastCommitted = &committed
		e.rs = newRoundState()
		e.viewChanges = nil
	}
	return nil
}

// Rollback discards this engine's in-progress round state and resets
// to the chain tip recorded in the chain store, used when a node
// discovers its locally committed tip diverged from a certified chain.
// That can only happen if this node sat on a minority fork without a
// valid QC, in which case it must adopt the certified chain instead.
func (e *Engine) Rollback(height uint64, tip wire.Hash32) {
	e.height = height
	e.prevHash = tip
	e.round = 0
	e.lockedQC = nil
	e.lockedProposal = nil
	e.rs = newRoundState()
	e.viewChanges = nil
}
