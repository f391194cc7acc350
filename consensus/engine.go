package consensus

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

// Applier is the game-state half of a committed operation: the craps
// state machine and ledger, wired together by package node. Engine
// depends only on this interface so it never imports craps or ledger
// directly, keeping the dependency graph one-directional.
type Applier interface {
	// Admit reports whether op would be accepted into the current
	// game state; it must not mutate state.
	Admit(op protocol.GameOperation) error
	// Apply commits op, returning the balance changes (if any) it
	// produced.
	Apply(op protocol.GameOperation) ([]protocol.BalanceChange, error)
}

type roundState struct {
	proposal     *protocol.Proposal
	prepareVotes map[identity.PeerID]protocol.Vote
	commitVotes  map[identity.PeerID]protocol.Vote
	preparedQC   *protocol.QuorumCertificate
}

func newRoundState() *roundState {
	return &roundState{
		prepareVotes: make(map[identity.PeerID]protocol.Vote),
		commitVotes:  make(map[identity.PeerID]protocol.Vote),
	}
}

// Engine drives the three-phase BFT commit protocol for one validator.
// It holds no transport; callers feed inbound Proposals and
// Votes through OnProposal/OnVote and broadcast whatever those methods
// return.
type Engine struct {
	self       *identity.Identity
	validators *ValidatorSet
	applier    Applier

	baseTimeout time.Duration
	maxTimeout  time.Duration

	height         uint64
	round          uint32
	prevHash       wire.Hash32
	lockedQC       *protocol.QuorumCertificate
	lockedProposal *protocol.Proposal
	rs             *roundState

	// viewChanges buffers ViewChange votes for rounds beyond the
	// current one, keyed by the round they target, until 2f+1 agree
	// and the engine actually advances (the new-view rule).
	viewChanges map[uint32]map[identity.PeerID]protocol.ViewChange

	// futureVotes parks votes for heights this engine has not reached
	// yet, up to futureVoteWindow heights ahead; anything further is
	// dropped to bound memory. The caller replays them via
	// TakeFutureVotes after each height advance.
	futureVotes map[uint64][]protocol.Vote

	// lastCommitted is the proposal finalized by the most recent
	// OnVote/ApplyCertifiedChain call, kept around so a caller can
	// persist it and notify subscribers without OnVote needing to
	// widen its own return signature.
	lastCommitted *protocol.Proposal

	equivocations []protocol.EquivocationEvidence
}

// LastCommitted returns the proposal most recently finalized by this
// engine (via a Commit-phase quorum or a certified chain entry), or
// nil if nothing has committed yet.
func (e *Engine) LastCommitted() *protocol.Proposal { return e.lastCommitted }

// NewEngine returns an engine starting at height 0 with an empty
// history hash.
func NewEngine(self *identity.Identity, validators *ValidatorSet, applier Applier, baseTimeout, maxTimeout time.Duration) *Engine {
	return &Engine{
		self:        self,
		validators:  validators,
		applier:     applier,
		baseTimeout: baseTimeout,
		maxTimeout:  maxTimeout,
		rs:          newRoundState(),
	}
}

// Height returns the current commit height.
func (e *Engine) Height() uint64 { return e.height }

// HasPendingProposal reports whether a proposal is already in flight
// for the current (height, round); a leader must not start another
// until it commits or the round times out.
func (e *Engine) HasPendingProposal() bool { return e.rs.proposal != nil }

// Round returns the current round within the height.
func (e *Engine) Round() uint32 { return e.round }

// Leader returns who should propose at the current (height, round).
func (e *Engine) Leader() identity.PeerID {
	return e.validators.Leader(e.height, e.round)
}

// IsLeader reports whether this engine's identity is the current leader.
func (e *Engine) IsLeader() bool {
	return e.Leader() == e.self.ID()
}

// RoundTimeout returns T_0 * 2^round, capped at maxTimeout.
func (e *Engine) RoundTimeout() time.Duration {
	t := e.baseTimeout << e.round
	if t <= 0 || t > e.maxTimeout {
		return e.maxTimeout
	}
	return t
}

// ProposeOperation builds and signs a Proposal for op at the current
// height and round. The caller must confirm IsLeader() first; it
// succeeds only then. The returned Proposal is the message to
// broadcast.
func (e *Engine) ProposeOperation(op protocol.GameOperation) (*protocol.Proposal, error) {
	if !e.IsLeader() {
		return nil, bcerr.New(bcerr.KindValidation, "consensus.ProposeOperation", fmt.Errorf("not leader for height=%d round=%d", e.height, e.round))
	}
	// A locked quorum certificate carried forward by a view change
	// forces this leader to re-propose the locked value rather than a
	// fresh operation (PBFT new-view rule), so two different values
	// can never both gather a prepare quorum at the same height.
	if e.lockedQC != nil && e.lockedProposal != nil {
		op = e.lockedProposal.Op
	} else if err := e.applier.Admit(op); err != nil {
		return nil, err
	}
	p := &protocol.Proposal{
		Proposer:  e.self.ID(),
		Height:    e.height,
		Round:     e.round,
		Prev:      e.prevHash,
		Op:        op,
		Timestamp: uint64(time.Now().Unix()),
	}
	if _, err := p.ComputeID(); err != nil {
		return nil, fmt.Errorf("compute proposal id: %w", err)
	}
	signBytes, err := p.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("proposal signing bytes: %w", err)
	}
	p.Sig = e.self.Sign(identity.ContextProposal, signBytes)
	e.rs.proposal = p
	return p, nil
}

// OnProposal validates an inbound Proposal and, if admitted, returns
// this validator's signed Prepare vote to broadcast.
func (e *Engine) OnProposal(p *protocol.Proposal) (*protocol.Vote, error) {
	if p.Height != e.height || p.Round != e.round {
		return nil, bcerr.New(bcerr.KindConsensusTransient, "consensus.OnProposal", fmt.Errorf("proposal for height=%d round=%d, engine at height=%d round=%d", p.Height, p.Round, e.height, e.round))
	}
	if leader := e.validators.Leader(p.Height, p.Round); leader != p.Proposer {
		return nil, bcerr.New(bcerr.KindValidation, "consensus.OnProposal", fmt.Errorf("proposer %s is not the selected leader %s", p.Proposer, leader))
	}
	proposerVal, ok := e.validators.Lookup(p.Proposer)
	if !ok {
		return nil, bcerr.New(bcerr.KindValidation, "consensus.OnProposal", fmt.Errorf("unknown proposer %s", p.Proposer))
	}
	signBytes, err := p.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("proposal signing bytes: %w", err)
	}
	if err := identity.Verify(proposerVal.PublicKey, identity.ContextProposal, signBytes, p.Sig); err != nil {
		return nil, err
	}
	wantID := wire.SumBytes(signBytes)
	if p.ID != wantID {
		return nil, bcerr.New(bcerr.KindValidation, "consensus.OnProposal", fmt.Errorf("proposal id does not match its contents"))
	}
	if p.Prev != e.prevHash {
		return nil, bcerr.New(bcerr.KindValidation, "consensus.OnProposal", bcerr.ErrUnknownParent)
	}
	// If this validator itself locked a quorum certificate at this
	// height (carried across a view change), the new leader's
	// proposal must carry exactly that operation; a re-proposal gets
	// a fresh envelope (new round, new timestamp, so a new id), which
	// is why the check compares encoded operations rather than the
	// proposal id. A validator that only adopted the lock secondhand
	// (via OnViewChange, without ever seeing the original proposal)
	// has nothing to compare against and accepts on trust, the same
	// way it would trust a state-sync response; it still verifies
	// the signature and admission below.
	if e.lockedQC != nil && e.lockedProposal != nil && !sameOperation(p.Op, e.lockedProposal.Op) {
		return nil, bcerr.New(bcerr.KindValidation, "consensus.OnProposal", fmt.Errorf("proposal does not match locked quorum certificate"))
	}
	if err := e.applier.Admit(p.Op); err != nil {
		return nil, err
	}

	e.rs.proposal = p
	vote := protocol.Vote{Proposal: p.ID, Voter: e.self.ID(), Phase: protocol.PhasePrepare, Height: e.height, Round: e.round}
	vb, err := vote.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("vote signing bytes: %w", err)
	}
	vote.Sig = e.self.Sign(identity.ContextVote, vb)
	return &vote, nil
}

// OnVote folds an inbound Vote into the current round state. It
// returns an outbound message to broadcast next (a Commit-phase vote
// once Prepare reaches quorum) and, once Commit also reaches quorum,
// reports the operation as finalized with its quorum certificate.
//
// A voter that signs two different proposals for the same
// (height, round, phase) is recorded as equivocation evidence (see
// DrainEquivocations) and its second vote is otherwise ignored.
func (e *Engine) OnVote(v *protocol.Vote) (outbound *protocol.Vote, finalCert *protocol.QuorumCertificate, finalized bool, err error) {
	if v.Height > e.height {
		if v.Height > e.height+futureVoteWindow {
			return nil, nil, false, bcerr.New(bcerr.KindConsensusTransient, "consensus.OnVote", fmt.Errorf("vote for height=%d is beyond the %d-height buffer window", v.Height, futureVoteWindow))
		}
		e.bufferFutureVote(*v)
		return nil, nil, false, nil
	}
	if v.Height < e.height {
		return nil, nil, false, nil // height already committed; late votes are expected chatter
	}
	if v.Round != e.round {
		return nil, nil, false, bcerr.New(bcerr.KindConsensusTransient, "consensus.OnVote", fmt.Errorf("vote for round=%d, engine at round=%d", v.Round, e.round))
	}
	voter, ok := e.validators.Lookup(v.Voter)
	if !ok {
		return nil, nil, false, bcerr.New(bcerr.KindValidation, "consensus.OnVote", fmt.Errorf("unknown voter %s", v.Voter))
	}
	vb, err := v.SigningBytes()
	if err != nil {
		return nil, nil, false, fmt.Errorf("vote signing bytes: %w", err)
	}
	if err := identity.Verify(voter.PublicKey, identity.ContextVote, vb, v.Sig); err != nil {
		return nil, nil, false, err
	}

	bucket := e.rs.prepareVotes
	if v.Phase == protocol.PhaseCommitVote {
		bucket = e.rs.commitVotes
	}
	if prior, seen := bucket[v.Voter]; seen && prior.Proposal != v.Proposal {
		e.equivocations = append(e.equivocations, protocol.EquivocationEvidence{Voter: v.Voter, First: prior, Second: *v})
		return nil, nil, false, bcerr.New(bcerr.KindValidation, "consensus.OnVote", bcerr.ErrEquivocation)
	}
	bucket[v.Voter] = *v

	quorum := e.validators.Quorum()
	matching := countMatching(bucket, v.Proposal)
	if matching < quorum {
		return nil, nil, false, nil
	}

	switch v.Phase {
	case protocol.PhasePrepare:
		if e.rs.preparedQC != nil {
			return nil, nil, false, nil
		}
		qc := buildQC(v.Proposal, protocol.PhasePrepare, e.height, e.round, bucket)
		e.rs.preparedQC = &qc
		e.lockedQC = &qc
		if e.rs.proposal != nil && e.rs.proposal.ID == v.Proposal {
			locked := *e.rs.proposal
			e.lockedProposal = &locked
		}

		commitVote := protocol.Vote{Proposal: v.Proposal, Voter: e.self.ID(), Phase: protocol.PhaseCommitVote, Height: e.height, Round: e.round}
		cvb, err := commitVote.SigningBytes()
		if err != nil {
			return nil, nil, false, fmt.Errorf("commit vote signing bytes: %w", err)
		}
		commitVote.Sig = e.self.Sign(identity.ContextVote, cvb)
		return &commitVote, nil, false, nil

	case protocol.PhaseCommitVote:
		if e.rs.proposal == nil || e.rs.proposal.ID != v.Proposal {
			return nil, nil, false, nil
		}
		qc := buildQC(v.Proposal, protocol.PhaseCommitVote, e.height, e.round, bucket)
		changes, err := e.applier.Apply(e.rs.proposal.Op)
		if err != nil {
			return nil, nil, false, err
		}
		_ = changes
		committed := e.rs.proposal
		e.prevHash = v.Proposal
		e.height++
		e.round = 0
		e.lockedQC = nil
		e.lockedProposal = nil
		e.lastCommitted = committed
		e.rs = newRoundState()
		e.viewChanges = nil
		return nil, &qc, true, nil

	default:
		return nil, nil, false, bcerr.New(bcerr.KindValidation, "consensus.OnVote", fmt.Errorf("unknown vote phase %d", v.Phase))
	}
}

// TimeoutRound advances to the next round within the current height
// without committing (view change). Any prepare quorum certificate
// already locked this height is preserved across the round so the
// next leader can safely re-propose it instead of a conflicting
// operation.
func (e *Engine) TimeoutRound() *protocol.ViewChange {
	e.round++
	vc := &protocol.ViewChange{Height: e.height, NewRound: e.round, Voter: e.self.ID(), LockedQC: e.lockedQC}
	vcb, err := vc.SigningBytes()
	if err == nil {
		vc.Sig = e.self.Sign(identity.ContextViewChange, vcb)
	}
	e.rs = newRoundState()
	return vc
}

// OnViewChange folds an inbound ViewChange into this round's
// collection. Once 2f+1 validators agree on the same target round,
// the engine itself advances to it (every honest node must move in
// lockstep, not just the next leader) and adopts the highest locked
// quorum certificate carried by any of the collected ViewChange
// messages, so a value safely locked by even one honest validator is
// never abandoned. Returns true the moment this call causes the
// advance; later duplicate or lagging ViewChanges return false.
func (e *Engine) OnViewChange(vc *protocol.ViewChange) (advanced bool, err error) {
	if vc.Height != e.height {
		return false, bcerr.New(bcerr.KindConsensusTransient, "consensus.OnViewChange", fmt.Errorf("view change for height=%d, engine at height=%d", vc.Height, e.height))
	}
	voter, ok := e.validators.Lookup(vc.Voter)
	if !ok {
		return false, bcerr.New(bcerr.KindValidation, "consensus.OnViewChange", fmt.Errorf("unknown voter %s", vc.Voter))
	}
	vb, err := vc.SigningBytes()
	if err != nil {
		return false, fmt.Errorf("view change signing bytes: %w", err)
	}
	if err := identity.Verify(voter.PublicKey, identity.ContextViewChange, vb, vc.Sig); err != nil {
		return false, err
	}
	if vc.NewRound <= e.round {
		return false, nil // already moved at or past this round
	}

	if e.viewChanges == nil {
		e.viewChanges = make(map[uint32]map[identity.PeerID]protocol.ViewChange)
	}
	bucket := e.viewChanges[vc.NewRound]
	if bucket == nil {
		bucket = make(map[identity.PeerID]protocol.ViewChange)
		e.viewChanges[vc.NewRound] = bucket
	}
	bucket[vc.Voter] = *vc

	if len(bucket) < e.validators.Quorum() {
		return false, nil
	}

	var highest *protocol.QuorumCertificate
	for _, v := range bucket {
		if v.LockedQC != nil && (highest == nil || v.LockedQC.Round > highest.Round) {
			highest = v.LockedQC
		}
	}
	e.round = vc.NewRound
	e.rs = newRoundState()
	delete(e.viewChanges, vc.NewRound)
	if highest != nil {
		e.lockedQC = highest
		if e.lockedProposal != nil && e.lockedProposal.ID != highest.Proposal {
			// The quorum's highest lock belongs to a proposal this
			// node never saw; it will learn it from the new leader's
			// re-proposal, validated against lockedQC in OnProposal.
			e.lockedProposal = nil
		}
	}
	return true, nil
}

// futureVoteWindow is how many heights ahead of the committed tip a
// vote may arrive and still be buffered for replay; votes further out
// are dropped to bound memory.
const futureVoteWindow = 8

// maxBufferedPerHeight caps one height's parked votes; an honest
// validator set of any realistic size sends far fewer, so hitting the
// cap only ever discards a flooder's excess.
const maxBufferedPerHeight = 64

func (e *Engine) bufferFutureVote(v protocol.Vote) {
	if e.futureVotes == nil {
		e.futureVotes = make(map[uint64][]protocol.Vote)
	}
	if len(e.futureVotes[v.Height]) >= maxBufferedPerHeight {
		return
	}
	e.futureVotes[v.Height] = append(e.futureVotes[v.Height], v)
}

// TakeFutureVotes returns and clears any votes parked for the engine's
// current height, for the caller to replay through OnVote now that the
// engine has caught up to them. Entries for heights already passed are
// discarded as a side effect.
func (e *Engine) TakeFutureVotes() []protocol.Vote {
	if e.futureVotes == nil {
		return nil
	}
	for h := range e.futureVotes {
		if h < e.height {
			delete(e.futureVotes, h)
		}
	}
	out := e.futureVotes[e.height]
	delete(e.futureVotes, e.height)
	return out
}

// DrainEquivocations returns and clears accumulated equivocation
// evidence, for the caller to turn into RemoveParticipant operations
// and ledger slashing.
func (e *Engine) DrainEquivocations() []protocol.EquivocationEvidence {
	out := e.equivocations
	e.equivocations = nil
	return out
}

// sameOperation reports whether a and b encode to the same canonical
// bytes, used to check a re-proposal carries the locked value rather
// than a conflicting one.
func sameOperation(a, b protocol.GameOperation) bool {
	ab, errA := wire.Marshal(a)
	bb, errB := wire.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

func countMatching(votes map[identity.PeerID]protocol.Vote, proposal wire.Hash32) int {
	n := 0
	for _, v := range votes {
		if v.Proposal == proposal {
			n++
		}
	}
	return n
}

func buildQC(proposal wire.Hash32, phase protocol.VotePhase, height uint64, round uint32, votes map[identity.PeerID]protocol.Vote) protocol.QuorumCertificate {
	qc := protocol.QuorumCertificate{Proposal: proposal, Phase: phase, Height: height, Round: round}
	for _, v := range votes {
		if v.Proposal == proposal {
			qc.Votes = append(qc.Votes, v)
		}
	}
	return qc
}
