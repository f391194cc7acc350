package mesh

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/governor"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/wire"
)

// Config bounds Handler's dedup and queueing resources.
type Config struct {
	// DedupCapacity is the number of recent packet hashes the LRU
	// remembers exactly.
	DedupCapacity int
	// BloomExpected and BloomFalsePositive size the prefilter; a
	// false positive only costs an extra LRU lookup, never a
	// correctness bug, so this can be tuned loosely.
	BloomExpected      uint
	BloomFalsePositive float64
	// LaneDepth bounds each priority lane's buffer.
	LaneDepth int
	// ShedNormalDepth and ShedBackgroundDepth are the lane depths past
	// which Normal and Background packets are dropped instead of
	// enqueued (C8 load shedding). Zero disables shedding for that lane.
	ShedNormalDepth     int
	ShedBackgroundDepth int
	// ReorderWindow bounds how many out-of-order packets per source are
	// buffered awaiting their predecessors before the gap is abandoned.
	ReorderWindow int
	// DefaultTTL is applied to packets this node originates.
	DefaultTTL uint8
}

// DefaultConfig returns reasonable defaults for a mobile mesh node.
func DefaultConfig() Config {
	return Config{
		DedupCapacity:       4096,
		BloomExpected:       20000,
		BloomFalsePositive:  0.01,
		LaneDepth:           256,
		ShedNormalDepth:     192,
		ShedBackgroundDepth: 128,
		ReorderWindow:       32,
		DefaultTTL:          8,
	}
}

// Handler relays packets across the mesh: it dedups, forwards within
// TTL, and hands accepted packets to its Deliver callback for package
// node to decode and act on.
type Handler struct {
	self      *identity.Identity
	transport Transport
	cfg       Config

	mu     sync.Mutex
	filter *bloom.BloomFilter
	seen   *lru.Cache[wire.Hash32, struct{}]

	queue    *priorityQueue
	ordering *orderingBuffer

	// Deliver is invoked for every packet accepted as new and destined
	// for this node (or broadcast); it must not block.
	Deliver func(Packet)
	// OnRelay is invoked after a packet was forwarded on behalf of
	// someone else, so the caller can build and send a RelayReceipt.
	OnRelay func(Packet)

	// Broadcasts and unicasts draw from separate sequence counters:
	// only the broadcast stream is reordered at receivers, and a
	// unicast consuming a broadcast sequence number would punch a
	// permanent gap into every third party's view of that stream.
	broadcastSeq uint64
	unicastSeq   uint64
}

// NewHandler returns a Handler that relays on behalf of self over transport.
func NewHandler(self *identity.Identity, transport Transport, cfg Config) (*Handler, error) {
	seen, err := lru.New[wire.Hash32, struct{}](cfg.DedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("mesh.NewHandler: %w", err)
	}
	// Sequence counters start at random values each boot so a
	// restarted node's stream is never mistaken for a continuation of
	// its previous one (see orderingBuffer's re-anchor rule).
	var seqSeed [16]byte
	if _, err := rand.Read(seqSeed[:]); err != nil {
		return nil, fmt.Errorf("mesh.NewHandler: seed sequence counters: %w", err)
	}
	return &Handler{
		broadcastSeq: binary.LittleEndian.Uint64(seqSeed[:8]),
		unicastSeq:   binary.LittleEndian.Uint64(seqSeed[8:]),
		self:         self,
		transport:    transport,
		cfg:          cfg,
		filter:       bloom.NewWithEstimates(cfg.BloomExpected, cfg.BloomFalsePositive),
		seen:         seen,
		queue:        newPriorityQueue(cfg.LaneDepth, governor.NewLoadShedder(cfg.ShedNormalDepth, cfg.ShedBackgroundDepth)),
		ordering:     newOrderingBuffer(cfg.ReorderWindow),
	}, nil
}

// Originate builds, signs, and sends a new packet carrying kind/payload,
// addressed to dst (the zero PeerID broadcasts to all reachable peers).
func (h *Handler) Originate(ctx context.Context, dst identity.PeerID, kind Kind, payload []byte) error {
	h.mu.Lock()
	var seq uint64
	if dst == (identity.PeerID{}) {
		h.broadcastSeq++
		seq = h.broadcastSeq
	} else {
		h.unicastSeq++
		seq = h.unicastSeq
	}
	h.mu.Unlock()

	p := Packet{Src: h.self.ID(), Dst: dst, TTL: h.cfg.DefaultTTL, Seq: seq, Kind: kind, Payload: payload}
	sb, err := p.SigningBytes()
	if err != nil {
		return fmt.Errorf("mesh.Originate: %w", err)
	}
	p.Sig = h.self.Sign(identity.ContextPacket, sb)
	h.markSeen(&p)
	return h.transport.Send(ctx, dst, marshalPacket(p))
}

// HandleInbound decodes raw bytes received from the transport,
// suppresses duplicates, delivers packets addressed here, and
// re-forwards anything still within TTL that is broadcast or destined
// elsewhere.
func (h *Handler) HandleInbound(ctx context.Context, raw []byte) error {
	p, err := unmarshalPacket(raw)
	if err != nil {
		return bcerr.New(bcerr.KindValidation, "mesh.HandleInbound", err)
	}

	fresh, err := h.checkAndMarkSeen(&p)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	if h.Deliver != nil {
		switch {
		case p.Dst == h.self.ID():
			// Unicast is request/response traffic on its own counter;
			// it skips the reorder buffer but still queues by priority.
			h.Enqueue(p)
		case p.Dst == identity.PeerID{}:
			// Broadcast delivery is FIFO by Seq per source: a packet
			// that arrives ahead of a gap waits in the reorder buffer
			// and is released (with any successors) once the gap fills.
			for _, ordered := range h.ordering.accept(p) {
				h.Enqueue(ordered)
			}
		}
		h.DispatchQueued()
	}

	if p.Dst == h.self.ID() {
		return nil // not ours to relay further
	}
	if p.TTL == 0 {
		return nil
	}
	p.TTL--
	if err := h.transport.Send(ctx, p.Dst, marshalPacket(p)); err != nil {
		return fmt.Errorf("mesh.HandleInbound: relay: %w", err)
	}
	if h.OnRelay != nil {
		h.OnRelay(p)
	}
	return nil
}

// Enqueue pushes a packet onto its priority lane. It reports false
// when the packet was shed or the lane was full; HandleInbound accepts
// that silently, since dropping under pressure is exactly the lane's
// backpressure contract.
func (h *Handler) Enqueue(p Packet) bool {
	return h.queue.Push(p)
}

// Pop returns the next queued packet in priority order.
func (h *Handler) Pop() (Packet, bool) {
	return h.queue.Pop()
}

// DispatchQueued drains the priority queue through Deliver: higher
// lanes empty before lower ones, with Pop's periodic fairness yield so
// background traffic is never fully starved. HandleInbound calls this
// after every enqueue; a deployment that wants delivery decoupled from
// receipt can instead drive it from its own worker loop.
func (h *Handler) DispatchQueued() {
	if h.Deliver == nil {
		return
	}
	for {
		p, ok := h.queue.Pop()
		if !ok {
			return
		}
		h.Deliver(p)
	}
}

func (h *Handler) markSeen(p *Packet) {
	hash, err := p.Hash()
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter.Add(hash[:])
	h.seen.Add(hash, struct{}{})
}

// checkAndMarkSeen reports whether p is new. The bloom filter is
// checked first: a miss there is conclusive (never seen). A hit falls
// through to the LRU, which is authoritative, since the bloom filter
// can false-positive but never false-negative.
func (h *Handler) checkAndMarkSeen(p *Packet) (fresh bool, err error) {
	hash, err := p.Hash()
	if err != nil {
		return false, bcerr.New(bcerr.KindValidation, "mesh.checkAndMarkSeen", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.filter.Test(hash[:]) {
		if _, ok := h.seen.Get(hash); ok {
			return false, nil
		}
	}
	h.filter.Add(hash[:])
	h.seen.Add(hash, struct{}{})
	return true, nil
}

func marshalPacket(p Packet) []byte {
	b, err := wire.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalPacket(raw []byte) (Packet, error) {
	var p Packet
	if err := wire.Unmarshal(raw, &p); err != nil {
		return Packet{}, err
	}
	return p, nil
}
