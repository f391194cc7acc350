package node

import (
	"context"
	"fmt"

	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/mesh"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

// recentEntriesCap bounds the in-memory tail of committed entries kept
// for serving state-sync when no chain store is configured; a store, if
// present, can serve arbitrarily far back.
const recentEntriesCap = 128

// BroadcastHeartbeat advertises this node's committed height to the
// mesh. Drive it from a periodic ticker (PollInterval widens it when
// the mesh is quiet); peers that discover they are behind answer with
// a state-sync request.
func (n *Node) BroadcastHeartbeat() error {
	n.mu.Lock()
	height := n.engine.Height()
	n.mu.Unlock()

	payload, err := wire.Marshal(protocol.Heartbeat{Height: height})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return n.handler.Originate(context.Background(), broadcast, mesh.KindHeartbeat, payload)
}

// onHeartbeat reacts to a peer's advertised height: if it is ahead of
// ours, request the missing range from that peer; this is how a node
// on the losing side of a partition, or freshly restarted, catches
// back up. Caller holds n.mu.
func (n *Node) onHeartbeat(src identity.PeerID, hb protocol.Heartbeat) {
	if !n.engine.NeedsStateSync(hb.Height) {
		return
	}
	req := protocol.StateSyncMessage{Request: &protocol.StateSyncRequest{
		From: n.engine.Height(),
		To:   hb.Height - 1,
	}}
	payload, err := wire.Marshal(req)
	if err != nil {
		n.log.Warn("failed to marshal state-sync request", errField(err))
		return
	}
	if err := n.handler.Originate(context.Background(), src, mesh.KindStateSync, payload); err != nil {
		n.log.Warn("failed to send state-sync request", errField(err))
	}
}

// onStateSync handles both halves of the exchange: a request is
// answered from the chain store (or the in-memory tail) addressed back
// to the asker; a response is validated entry by entry and folded in
// through the same commit bookkeeping a live quorum would take. Caller
// holds n.mu.
func (n *Node) onStateSync(src identity.PeerID, msg protocol.StateSyncMessage) {
	switch {
	case msg.Request != nil:
		entries := n.collectEntries(msg.Request.From, msg.Request.To)
		if len(entries) == 0 {
			return
		}
		payload, err := wire.Marshal(protocol.StateSyncMessage{Response: &protocol.StateSyncResponse{Entries: entries}})
		if err != nil {
			n.log.Warn("failed to marshal state-sync response", errField(err))
			return
		}
		if err := n.handler.Originate(context.Background(), src, mesh.KindStateSync, payload); err != nil {
			n.log.Warn("failed to send state-sync response", errField(err))
		}

	case msg.Response != nil:
		for _, entry := range msg.Response.Entries {
			e := entry
			if e.Proposal.Height != n.engine.Height() {
				continue // stale or out-of-order; a later heartbeat re-requests the rest
			}
			if err := n.engine.ApplyCertifiedChain([]protocol.CertifiedEntry{e}); err != nil {
				n.log.Warn("rejecting certified entry during state-sync", errField(err))
				return
			}
			n.onCommitted(&e.QC)
		}
	}
}

// collectEntries gathers committed entries for heights [from, to],
// preferring the chain store and falling back to the bounded in-memory
// tail. The result is contiguous starting at from (a requester cannot
// use a run with a hole at its own tip), and capped per response so a
// node recovering from far behind syncs in batches.
func (n *Node) collectEntries(from, to uint64) []protocol.CertifiedEntry {
	const maxBatch = 64
	if to < from {
		return nil
	}
	if to-from+1 > maxBatch {
		to = from + maxBatch - 1
	}

	if n.chain != nil {
		var out []protocol.CertifiedEntry
		for h := from; h <= to; h++ {
			p, qc, ok, err := n.chain.GetByHeight(h)
			if err != nil || !ok {
				break
			}
			out = append(out, protocol.CertifiedEntry{Proposal: p, QC: qc})
		}
		return out
	}

	var out []protocol.CertifiedEntry
	next := from
	for _, e := range n.recent {
		if e.Proposal.Height != next {
			continue
		}
		out = append(out, e)
		next++
		if next > to {
			break
		}
	}
	return out
}

// recordRecent appends a freshly committed entry to the in-memory
// state-sync tail, evicting the oldest past the cap. Caller holds n.mu.
func (n *Node) recordRecent(e protocol.CertifiedEntry) {
	n.recent = append(n.recent, e)
	if len(n.recent) > recentEntriesCap {
		n.recent = n.recent[len(n.recent)-recentEntriesCap:]
	}
}
