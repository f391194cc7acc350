// Package consensus implements the three-phase BFT commit protocol:
// a round's leader proposes a GameOperation, validators vote
// Prepare and then Commit, and a quorum certificate over 2f+1 votes
// makes a height final.
//
// # Architecture
//
// Engine drives a single (height, round, phase) state machine per
// validator. It does not own a transport: callers push inbound
// Proposals and Votes in, and receive outbound messages and commits
// back out, so the same Engine runs equally well over the mesh
// transport or an in-memory test fake.
//
// # Consensus Protocol Flow
//
//  1. The leader for (height, round) proposes a GameOperation.
//  2. Each validator Admits the operation against craps/ledger state,
//     then casts a signed Prepare vote.
//  3. Once 2f+1 matching Prepare votes are seen, the engine locks a
//     Prepare quorum certificate and casts a Commit vote.
//  4. Once 2f+1 matching Commit votes are seen, the height is final:
//     the operation is applied and height advances.
//  5. If a round times out before committing, the engine broadcasts a
//     ViewChange for round+1 carrying any locked quorum certificate.
//     Once 2f+1 validators agree on the same target round
//     (OnViewChange), every honest node advances to it together, and
//     the new round's leader must re-propose the highest locked value
//     instead of a fresh operation (the classic PBFT new-view rule).
//
// # Byzantine Fault Tolerance
//
// The protocol tolerates up to f Byzantine nodes where f = ⌊(n-1)/3⌋.
// Quorum is (2n+2)/3 votes in integer division, i.e. ⌈2n/3⌉: exactly
// the standard 2f+1 threshold when n = 3f+1, one vote more otherwise.
//
// This ensures that any two quorums intersect in at least one honest
// node, preventing conflicting decisions even with Byzantine failures.
//
// # Security Properties
//
//   - Safety: a locked quorum certificate is never abandoned for a
//     conflicting proposal at the same height.
//   - Liveness: the protocol makes progress once more than 2/3 of
//     validators are honest and responsive.
//   - Accountability: every vote is signed under a domain-separated
//     context tag; conflicting votes from the same signer at the same
//     (height, round, phase) are equivocation evidence.
package consensus
