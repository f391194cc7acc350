package mesh

import (
	"sort"
	"sync"

	"github.com/bitcraps/core/identity"
)

// orderingBuffer restores per-source FIFO delivery over an unordered
// transport: packets from one Src are released to Deliver strictly in
// Seq order, with out-of-order arrivals parked up to a bounded window.
// When a sequence lands too far outside the window, the missing
// predecessors are presumed lost for good and the buffer re-anchors,
// releasing what it holds rather than stalling that source forever.
type orderingBuffer struct {
	mu      sync.Mutex
	window  int
	next    map[identity.PeerID]uint64
	pending map[identity.PeerID]map[uint64]Packet
}

func newOrderingBuffer(window int) *orderingBuffer {
	return &orderingBuffer{
		window:  window,
		next:    make(map[identity.PeerID]uint64),
		pending: make(map[identity.PeerID]map[uint64]Packet),
	}
}

// accept folds p in and returns the packets now deliverable, in order.
// The first packet seen from a source anchors its expected sequence. A
// sequence landing far outside the window in either direction means
// burst loss past anything the buffer could bridge, or a source that
// restarted with a fresh counter (Originate starts each boot at a
// random sequence precisely so the two streams never look contiguous);
// both re-anchor rather than silencing the source.
func (o *orderingBuffer) accept(p Packet) []Packet {
	if o.window <= 0 {
		return []Packet{p}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	next, known := o.next[p.Src]
	if !known {
		o.next[p.Src] = p.Seq + 1
		return []Packet{p}
	}

	switch {
	case p.Seq == next:
		o.next[p.Src] = p.Seq + 1
		return append([]Packet{p}, o.drainFrom(p.Src, p.Seq+1)...)
	case p.Seq > next && p.Seq-next <= uint64(o.window):
		parked := o.pending[p.Src]
		if parked == nil {
			parked = make(map[uint64]Packet)
			o.pending[p.Src] = parked
		}
		parked[p.Seq] = p
		return nil
	case p.Seq < next && next-p.Seq <= uint64(o.window):
		return nil // late; its successors were already delivered
	default:
		out := o.flush(p.Src)
		out = append(out, p)
		o.next[p.Src] = p.Seq + 1
		return out
	}
}

// flush releases everything parked for src in ascending sequence
// order, used when re-anchoring abandons the stream the parked packets
// were waiting on. Caller holds o.mu.
func (o *orderingBuffer) flush(src identity.PeerID) []Packet {
	parked := o.pending[src]
	if len(parked) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(parked))
	for s := range parked {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]Packet, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, parked[s])
	}
	delete(o.pending, src)
	return out
}

// drainFrom releases consecutively parked packets starting at seq.
// Caller holds o.mu.
func (o *orderingBuffer) drainFrom(src identity.PeerID, seq uint64) []Packet {
	parked := o.pending[src]
	if len(parked) == 0 {
		return nil
	}
	var out []Packet
	for {
		p, ok := parked[seq]
		if !ok {
			break
		}
		out = append(out, p)
		delete(parked, seq)
		seq++
	}
	o.next[src] = seq
	if len(parked) == 0 {
		delete(o.pending, src)
	}
	return out
}
