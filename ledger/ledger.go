package ledger

import (
	"fmt"
	"sync"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

// relayKey dedups a proof-of-relay reward by the packet it relayed and
// the peer who relayed it, so a packet seen twice never pays twice.
type relayKey struct {
	Packet  wire.Hash32
	Relayer identity.PeerID
}

// Config bounds how much the treasury account may be minted into over
// its lifetime, how much relay reward a single peer may earn per
// packet and per epoch, and what fraction of an offender's balance
// each kind of committed evidence costs.
type Config struct {
	Treasury             identity.PeerID
	TreasuryMintLimit    int64
	RelayRewardPerPacket uint64
	RelayRewardPerEpoch  uint64

	// SlashPercentEquivocation and SlashPercentRevealWithhold are the
	// fraction (0..100) of an offender's balance debited on committed
	// evidence of each kind.
	SlashPercentEquivocation   uint64
	SlashPercentRevealWithhold uint64
}

// Ledger holds per-peer balances and relay/slash bookkeeping. All
// mutating methods are safe for concurrent use.
type Ledger struct {
	mu sync.RWMutex

	cfg Config

	balances map[identity.PeerID]int64
	minted   int64

	paidRelays   map[relayKey]struct{}
	epochEarned  map[identity.PeerID]map[uint64]uint64
}

// New returns an empty Ledger configured with cfg. The treasury account
// starts at a zero balance; it is credited and debited like any other
// account except that only TreasuryMint operations may increase its
// total lifetime mint beyond what conservation alone would allow.
func New(cfg Config) *Ledger {
	return &Ledger{
		cfg:         cfg,
		balances:    make(map[identity.PeerID]int64),
		paidRelays:  make(map[relayKey]struct{}),
		epochEarned: make(map[identity.PeerID]map[uint64]uint64),
	}
}

// Balance implements craps.BalanceReader. A negative internal balance
// (which Apply never produces for an admitted operation) reads as zero.
func (l *Ledger) Balance(peer identity.PeerID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := l.balances[peer]
	if b < 0 {
		return 0
	}
	return uint64(b)
}

// Credit adds amount (an account-space, not wire-space, convenience for
// tests and bootstrapping) directly to peer's balance.
func (l *Ledger) Credit(peer identity.PeerID, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[peer] += int64(amount)
}

// ApplyBalanceChanges commits a conservation-checked batch of deltas,
// the ledger-side half of craps.Effect.BalanceChanges and of
// protocol.OpUpdateBalances. It is the caller's responsibility (package
// consensus, after a quorum certificate) to call this exactly once per
// committed operation.
func (l *Ledger) ApplyBalanceChanges(changes []protocol.BalanceChange) error {
	if protocol.SumChanges(changes) != 0 {
		return bcerr.New(bcerr.KindValidation, "ledger.ApplyBalanceChanges", fmt.Errorf("changes do not sum to zero"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range changes {
		l.balances[c.Account] += c.Delta
	}
	return nil
}

// ApplyTreasuryMint credits amount to the treasury account outside the
// conservation invariant, subject to the configured lifetime mint
// limit (a zero limit permits no mint at all); it is the one sanctioned
// break of conservation.
func (l *Ledger) ApplyTreasuryMint(op protocol.TreasuryMintOp) error {
	if op.Amount <= 0 {
		return bcerr.New(bcerr.KindValidation, "ledger.ApplyTreasuryMint", fmt.Errorf("mint amount must be positive"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.minted+op.Amount > l.cfg.TreasuryMintLimit {
		return bcerr.New(bcerr.KindValidation, "ledger.ApplyTreasuryMint", fmt.Errorf("mint would exceed treasury lifetime limit"))
	}
	l.minted += op.Amount
	l.balances[l.cfg.Treasury] += op.Amount
	return nil
}

// CreditRelayReward pays relayer a proof-of-relay reward for having
// forwarded packet during epoch, paying at most once per
// (packet, relayer) pair and capping earnings per epoch. It returns
// (paid=false, nil) rather than an error when the reward is a
// no-op duplicate, since a duplicate relay receipt is an expected,
// non-exceptional event on a gossip mesh.
func (l *Ledger) CreditRelayReward(packet wire.Hash32, relayer identity.PeerID, epoch uint64, amount uint64) (paid bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := relayKey{Packet: packet, Relayer: relayer}
	if _, seen := l.paidRelays[key]; seen {
		return false, nil
	}

	earned := l.epochEarned[relayer]
	if earned == nil {
		earned = make(map[uint64]uint64)
		l.epochEarned[relayer] = earned
	}
	if l.cfg.RelayRewardPerEpoch > 0 && earned[epoch]+amount > l.cfg.RelayRewardPerEpoch {
		return false, nil
	}

	l.paidRelays[key] = struct{}{}
	earned[epoch] += amount
	l.balances[l.cfg.Treasury] -= int64(amount)
	l.balances[relayer] += int64(amount)
	return true, nil
}

// Slash debits peer's balance by amount, crediting the treasury, in
// response to equivocation or reveal-withholding evidence.
// The caller supplies reason for audit logging; Slash itself does not
// cap amount against the peer's current balance, since a slashed peer
// is expected to be removed from the session by a RemoveParticipant
// operation in the same commit.
func (l *Ledger) Slash(peer identity.PeerID, amount uint64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[peer] -= int64(amount)
	l.balances[l.cfg.Treasury] += int64(amount)
}

// SlashForEquivocation debits the configured percentage of peer's
// current balance and returns the amount taken.
func (l *Ledger) SlashForEquivocation(peer identity.PeerID) uint64 {
	return l.slashPercent(peer, l.cfg.SlashPercentEquivocation)
}

// SlashForRevealWithhold debits the configured percentage of peer's
// current balance and returns the amount taken.
func (l *Ledger) SlashForRevealWithhold(peer identity.PeerID) uint64 {
	return l.slashPercent(peer, l.cfg.SlashPercentRevealWithhold)
}

// SlashAmountRevealWithhold returns what a reveal-withholding slash
// against peer's current balance would take, without applying it. The
// leader uses this to size the penalty UpdateBalances it proposes, so
// the debit itself happens under consensus rather than locally.
func (l *Ledger) SlashAmountRevealWithhold(peer identity.PeerID) uint64 {
	return l.Balance(peer) * l.cfg.SlashPercentRevealWithhold / 100
}

func (l *Ledger) slashPercent(peer identity.PeerID, percent uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balances[peer]
	if b <= 0 || percent == 0 {
		return 0
	}
	amount := uint64(b) * percent / 100
	l.balances[peer] -= int64(amount)
	l.balances[l.cfg.Treasury] += int64(amount)
	return amount
}
