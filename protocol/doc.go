// Package protocol holds the wire-level data model shared by consensus,
// craps, and ledger: the GameOperation tagged union, Proposal, Vote, and
// QuorumCertificate. None of these types carry behavior beyond
// canonical (de)serialization and hashing; the rules for applying a
// GameOperation live in package craps, and the rules for assembling a
// QuorumCertificate live in package consensus. Keeping the data model
// in its own package is what lets craps, ledger, and consensus all
// depend on it without depending on each other.
package protocol
