// Package craps implements the craps game state machine: a pure
// function of (previous state, operation) that is deterministic,
// side-effect-free, and referentially transparent on every node.
//
// Bet resolution is a tagged enum of bet types plus a table of pure
// resolution functions keyed by the tag; no virtual dispatch in the
// hot path.
package craps
