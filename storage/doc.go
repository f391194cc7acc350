// Package storage implements the node's persistent layout: an
// append-only, fsync-before-ack chain store holding every committed
// (Proposal, QuorumCertificate) pair plus any equivocation evidence,
// and a state store holding periodic snapshots of each game's state,
// each rebuildable by replaying the chain. Package node's startup does
// not load these snapshots: it replays the chain from height zero.
//
// Both stores are backed by cockroachdb/pebble, an embedded ordered
// key-value store: the chain keys sort by big-endian height so the log
// reads back in commit order, and a batch commit with pebble.Sync is
// the fsync barrier a commit acknowledgement waits on.
package storage
