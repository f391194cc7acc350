// Package mesh implements the gossip relay layer: packet envelopes,
// priority-ordered delivery, duplicate suppression, per-source
// ordering, and proof-of-relay receipts.
//
// Package mesh never opens a socket itself: Handler speaks only to the
// Transport interface, so the same code runs over any carrier (BLE
// mesh, a test harness, a future concrete transport).
//
// Handler dedups inbound packets with a bloom filter prefilter
// (bits-and-blooms/bloom/v3) backing an LRU of full packet hashes
// (hashicorp/golang-lru/v2): the bloom filter turns the common case
// (a packet genuinely not seen before) into a single allocation-free
// test, and the LRU is only consulted when the bloom filter reports a
// possible hit. Every packet found fresh is recorded in both.
package mesh
