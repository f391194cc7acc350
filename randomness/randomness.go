// Package randomness implements the commit-reveal protocol that derives
// a round's dice from entropy no single participant controls: every
// participant binds to a nonce by publishing its hash before any nonce
// is revealed, so nobody can pick a contribution conditioned on
// anyone else's. Dice must be independently re-derivable by any
// observer after the fact, which is why the commitment scheme is plain
// SHA-256 hash-binding over a public seed rather than a blinded
// construction.
package randomness

import (
	"fmt"
	"sort"
	"time"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/wire"
	"github.com/bitcraps/core/xrand"
)

// Phase is the lifecycle state of a RandomnessRound.
type Phase int

const (
	PhaseCommit Phase = iota
	PhaseReveal
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCommit:
		return "commit"
	case PhaseReveal:
		return "reveal"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RoundSeedContext is the domain-separation tag used when deriving a
// round's dice seed.
const RoundSeedContext = "bitcraps/round-seed/v1"

// minCommits is the participation floor: a round continues only if at
// least ceil(2n/3) commitments were collected, else it fails.
func minCommits(n int) int {
	return (2*n + 2) / 3
}

// Round tracks one commit-reveal cycle for a game round.
type Round struct {
	GameID       [16]byte
	RoundID      uint64
	Participants map[identity.PeerID]struct{}
	Commitments  map[identity.PeerID]wire.Hash32
	Reveals      map[identity.PeerID][32]byte
	Phase        Phase
	CommitBy     time.Time
	RevealBy     time.Time

	// NonCommitters is populated when the round moves to PhaseReveal
	// (it stays nil if the round fails at commit close): peers in
	// Participants who never submitted a commitment.
	NonCommitters map[identity.PeerID]struct{}
	// Evidence is populated once the round is Done (it stays nil if the
	// round Failed): peers who committed but never revealed.
	Evidence map[identity.PeerID]struct{}

	// Dice holds the derived roll once Phase == Done.
	Dice [2]uint8
	Seed wire.Hash32
}

// Manager runs zero or more concurrent RandomnessRounds, keyed by
// (game, round).
// Every method touches round state only for the duration of the call;
// none of these methods suspend.
type Manager struct {
	rounds map[roundKey]*Round
}

type roundKey struct {
	game  [16]byte
	round uint64
}

func NewManager() *Manager {
	return &Manager{rounds: make(map[roundKey]*Round)}
}

// StartRound opens a round with commit_by = now + commitDur and
// reveal_by = commit_by + revealDur.
func (m *Manager) StartRound(gameID [16]byte, roundID uint64, participants []identity.PeerID, now time.Time, commitDur, revealDur time.Duration) *Round {
	set := make(map[identity.PeerID]struct{}, len(participants))
	for _, p := range participants {
		set[p] = struct{}{}
	}
	r := &Round{
		GameID:       gameID,
		RoundID:      roundID,
		Participants: set,
		Commitments:  make(map[identity.PeerID]wire.Hash32),
		Reveals:      make(map[identity.PeerID][32]byte),
		Phase:        PhaseCommit,
		CommitBy:     now.Add(commitDur),
		RevealBy:     now.Add(commitDur).Add(revealDur),
	}
	m.rounds[roundKey{gameID, roundID}] = r
	return r
}

// Get returns the round for (gameID, roundID), if any.
func (m *Manager) Get(gameID [16]byte, roundID uint64) (*Round, bool) {
	r, ok := m.rounds[roundKey{gameID, roundID}]
	return r, ok
}

// Forget removes a round's state, called after it commits or times
// out; rounds exist only within an active game.
func (m *Manager) Forget(gameID [16]byte, roundID uint64) {
	delete(m.rounds, roundKey{gameID, roundID})
}

// SubmitCommit accepts peer's commitment to nonce-hash commitment.
// Accepted iff peer is a participant, the round is in PhaseCommit, now
// is before CommitBy, and no prior (different) commitment from peer
// exists; an identical retry is idempotently accepted.
func (r *Round) SubmitCommit(peer identity.PeerID, commitment wire.Hash32, now time.Time) error {
	if _, ok := r.Participants[peer]; !ok {
		return bcerr.New(bcerr.KindValidation, "Round.SubmitCommit", fmt.Errorf("peer %s is not a participant", peer))
	}
	if r.Phase != PhaseCommit {
		return bcerr.New(bcerr.KindValidation, "Round.SubmitCommit", fmt.Errorf("round is in phase %s, not commit", r.Phase))
	}
	if now.After(r.CommitBy) {
		return bcerr.New(bcerr.KindConsensusTransient, "Round.SubmitCommit", bcerr.ErrRoundTimeout)
	}
	if existing, ok := r.Commitments[peer]; ok {
		if existing != commitment {
			return bcerr.New(bcerr.KindValidation, "Round.SubmitCommit", fmt.Errorf("peer %s already committed a different value", peer))
		}
		return nil // idempotent retry
	}
	r.Commitments[peer] = commitment
	return nil
}

// CloseCommitPhase transitions Commit -> Reveal (or -> Failed if fewer
// than ⌈2n/3⌉ commitments were collected). Call this once now >= CommitBy.
func (r *Round) CloseCommitPhase() {
	if r.Phase != PhaseCommit {
		return
	}
	need := minCommits(len(r.Participants))
	if len(r.Commitments) < need {
		r.Phase = PhaseFailed
		return
	}
	r.NonCommitters = make(map[identity.PeerID]struct{})
	for p := range r.Participants {
		if _, ok := r.Commitments[p]; !ok {
			r.NonCommitters[p] = struct{}{}
		}
	}
	r.Phase = PhaseReveal
}

// SubmitReveal accepts peer's revealed nonce, checking it hashes to
// peer's prior commitment.
func (r *Round) SubmitReveal(peer identity.PeerID, nonce [32]byte, now time.Time) error {
	if r.Phase != PhaseReveal {
		return bcerr.New(bcerr.KindValidation, "Round.SubmitReveal", fmt.Errorf("round is in phase %s, not reveal", r.Phase))
	}
	commitment, ok := r.Commitments[peer]
	if !ok {
		return bcerr.New(bcerr.KindValidation, "Round.SubmitReveal", fmt.Errorf("peer %s never committed", peer))
	}
	if now.After(r.RevealBy) {
		return bcerr.New(bcerr.KindConsensusTransient, "Round.SubmitReveal", bcerr.ErrRoundTimeout)
	}
	if wire.SumBytes(nonce[:]) != commitment {
		return bcerr.New(bcerr.KindValidation, "Round.SubmitReveal", fmt.Errorf("reveal does not match commitment for peer %s", peer))
	}
	r.Reveals[peer] = nonce
	return nil
}

// AllRevealed reports whether every committer has revealed, letting the
// caller derive the dice early instead of waiting for RevealBy.
func (r *Round) AllRevealed() bool {
	return len(r.Reveals) == len(r.Commitments)
}

// CloseRevealPhase derives the round's dice from the revealed nonces
// and transitions to Done (recording non-revealers as evidence), or to
// Failed if fewer than ceil(2n/3) reveals were collected. Call this once
// now >= RevealBy or AllRevealed() is true.
func (r *Round) CloseRevealPhase() error {
	if r.Phase != PhaseReveal {
		return bcerr.New(bcerr.KindValidation, "Round.CloseRevealPhase", fmt.Errorf("round is in phase %s, not reveal", r.Phase))
	}
	need := minCommits(len(r.Participants))
	if len(r.Reveals) < need {
		r.Phase = PhaseFailed
		return nil
	}

	r.Evidence = make(map[identity.PeerID]struct{})
	revealed := make([][32]byte, 0, len(r.Reveals))
	for p := range r.Commitments {
		n, ok := r.Reveals[p]
		if !ok {
			r.Evidence[p] = struct{}{}
			continue
		}
		revealed = append(revealed, n)
	}
	sort.Slice(revealed, func(i, j int) bool {
		return string(revealed[i][:]) < string(revealed[j][:])
	})

	var roundIDBE [8]byte
	for i := 0; i < 8; i++ {
		roundIDBE[i] = byte(r.RoundID >> (56 - 8*i))
	}
	parts := [][]byte{[]byte(RoundSeedContext), r.GameID[:], roundIDBE[:]}
	for i := range revealed {
		parts = append(parts, revealed[i][:])
	}
	seed := wire.Sum256Concat(parts...)

	rng := xrand.FromSeed(seed)
	d1, d2 := rng.RollDice()

	r.Seed = seed
	r.Dice = [2]uint8{d1, d2}
	r.Phase = PhaseDone
	return nil
}

// VerifyFairness independently recomputes the round's seed and dice
// from its recorded commitments and reveals, for any observer wanting
// to check after the fact that the dice were not biased. It returns
// an error if any reveal does not match its
// commitment, or if the recomputed dice differ from r.Dice.
func (r *Round) VerifyFairness() error {
	if r.Phase != PhaseDone {
		return bcerr.New(bcerr.KindValidation, "Round.VerifyFairness", fmt.Errorf("round is not done"))
	}
	for peer, nonce := range r.Reveals {
		commitment, ok := r.Commitments[peer]
		if !ok {
			return bcerr.New(bcerr.KindValidation, "Round.VerifyFairness", fmt.Errorf("reveal from non-committer %s", peer))
		}
		if wire.SumBytes(nonce[:]) != commitment {
			return bcerr.New(bcerr.KindValidation, "Round.VerifyFairness", fmt.Errorf("reveal/commitment mismatch for %s", peer))
		}
	}
	snapshot := *r
	snapshot.Phase = PhaseReveal
	if err := snapshot.CloseRevealPhase(); err != nil {
		return err
	}
	if snapshot.Dice != r.Dice || snapshot.Seed != r.Seed {
		return bcerr.New(bcerr.KindValidation, "Round.VerifyFairness", fmt.Errorf("recomputed dice/seed do not match recorded values"))
	}
	return nil
}
