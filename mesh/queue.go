package mesh

import "github.com/bitcraps/core/governor"

// priorityQueue holds one buffered channel per Priority and serves
// them with weighted fairness: Critical is always drained first, but
// every fourth call to Pop gives Background traffic the first chance,
// so it makes progress rather than starving behind a consensus storm.
type priorityQueue struct {
	lanes   [4]chan Packet
	shedder *governor.LoadShedder
	counter int
}

func newPriorityQueue(laneDepth int, shedder *governor.LoadShedder) *priorityQueue {
	q := &priorityQueue{shedder: shedder}
	for i := range q.lanes {
		q.lanes[i] = make(chan Packet, laneDepth)
	}
	return q
}

// Push enqueues p on its priority's lane. It reports false if the
// lane is full or the load shedder refused the packet at the lane's
// current depth, signaling backpressure to the caller. Critical and
// High traffic is only ever refused by a full lane, never shed.
func (q *priorityQueue) Push(p Packet) bool {
	pri := p.Kind.Priority()
	lane := q.lanes[pri]
	if q.shedder != nil && !q.shedder.Admit(int(pri), len(lane)) {
		return false
	}
	select {
	case lane <- p:
		return true
	default:
		return false
	}
}

// Pop returns the next packet to handle, draining strictly by
// priority except that every fourth call first gives Background a
// chance, so background traffic is never fully starved.
func (q *priorityQueue) Pop() (Packet, bool) {
	q.counter++
	if q.counter%4 == 0 {
		select {
		case p := <-q.lanes[PriorityBackground]:
			return p, true
		default:
		}
	}
	for _, lane := range q.lanes {
		select {
		case p := <-lane:
			return p, true
		default:
		}
	}
	return Packet{}, false
}
