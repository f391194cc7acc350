// Package ledger implements the token ledger: per-peer balances, the
// treasury account, proof-of-relay reward accounting, and slashing.
//
// # Core Components
//
// Ledger: an in-memory balance table plus relay-reward and slash
// bookkeeping, mutated only through committed GameOperations so every
// honest node converges on the same state after replaying the same
// operation log.
//
// # Security Properties
//
// The ledger provides:
//   - Conservation: every applied balance change set sums to zero,
//     except treasury mints subject to a configured exposure limit.
//   - Reward dedup: a relay reward is paid at most once per
//     (packet hash, relayer) pair, capped per epoch.
//   - Slashing: equivocation and reveal-withholding evidence reduce a
//     peer's balance and feed participant removal.
//
// The hash-chained append log this package's predecessor kept for
// every committed decision now lives in package storage, backed by
// pebble rather than an in-memory slice.
package ledger
