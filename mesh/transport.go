package mesh

import (
	"context"

	"github.com/bitcraps/core/identity"
)

// Transport abstracts whatever carries bytes between peers (BLE mesh,
// a test harness, or a future concrete transport). Handler depends
// only on this interface and assumes no ordering or reliability from
// it.
type Transport interface {
	// Send delivers raw to a specific peer, or to every directly
	// reachable peer if to is the zero PeerID.
	Send(ctx context.Context, to identity.PeerID, raw []byte) error
	// Inbound returns the channel of raw bytes arriving from peers.
	Inbound() <-chan []byte
}
