package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/consensus"
	"github.com/bitcraps/core/craps"
	"github.com/bitcraps/core/governor"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/ledger"
	"github.com/bitcraps/core/mesh"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/randomness"
	"github.com/bitcraps/core/storage"
	"github.com/bitcraps/core/wire"
)

// Config bundles everything New needs to stand up one validator's
// view of a single game: its identity, the game's validator set and
// rules, and the protocol tunables. A plain struct rather than
// functional options; New fills in defaults for a nil Logger and for
// zero-valued timeouts and phase durations, and ChainDir/StateDir may
// be left empty.
type Config struct {
	Self       *identity.Identity
	Validators *consensus.ValidatorSet

	GameID       protocol.GameID
	Participants []identity.PeerID
	Rules        craps.RuleSet
	Treasury     identity.PeerID

	Ledger ledger.Config

	RoundTimeoutBase, RoundTimeoutCap     time.Duration
	CommitPhaseDuration, RevealPhaseDuration time.Duration

	Mesh mesh.Config

	// ChainDir and StateDir, if non-empty, back the node with a
	// pebble-persisted chain store and state store. Leaving both empty
	// runs the node purely in-memory, useful for tests.
	ChainDir string
	StateDir string
	SnapshotInterval uint64

	Logger *zap.Logger
}

// pendingCommit is what AwaitCommit waits on: a one-shot channel
// that dispatch fills once the proposal in question commits. Nothing
// fills it for a proposal that is superseded.
type pendingCommit struct {
	ch chan CommitResult
}

// CommitResult is what AwaitCommit returns.
type CommitResult struct {
	Status   CommitStatus
	QC       *protocol.QuorumCertificate
	Rejected error
}

type CommitStatus int

const (
	StatusCommitted CommitStatus = iota
	StatusRejected
	StatusTimeout
)

// StateDelta is pushed to SubscribeState subscribers after every
// committed operation affecting a game.
type StateDelta struct {
	GameID      protocol.GameID
	Height      uint64
	Phase       craps.Phase
	Point       uint8
	LastRoll    [2]uint8
	HistoryHash wire.Hash32
}

// Node supervises one validator's participation in one game: it owns
// the consensus engine, the randomness manager, the ledger, the mesh
// handler, and the resource governors, and relays between them. It
// implements the submitter API (SubmitOperation, AwaitCommit,
// SubscribeState, GetRandomnessProof) that an outer UI/FFI layer
// would call; no such layer ships in this module.
type Node struct {
	cfg  Config
	self *identity.Identity
	log  *zap.Logger

	engine     *consensus.Engine
	applier    *stateApplier
	ledger     *ledger.Ledger
	randomness *randomness.Manager
	handler    *mesh.Handler

	chain *storage.ChainStore
	state *storage.StateStore

	loopBudget *governor.LoopBudget
	idleTicker *governor.AdaptiveInterval
	transportCB *governor.CircuitBreaker

	mu      sync.Mutex
	pending map[wire.Hash32]*pendingCommit
	subs    map[protocol.GameID][]chan StateDelta
	opCount uint64

	// opQueue holds penalty and bookkeeping operations waiting for this
	// node's next turn to propose; one operation is proposed per height,
	// so evidence gathered mid-round queues here until the current
	// commit lands.
	opQueue []protocol.GameOperation
	// queuedOffenders suppresses re-queueing a removal for a peer whose
	// equivocation evidence is observed more than once.
	queuedOffenders map[identity.PeerID]struct{}
	// recent is the bounded tail of committed entries served to
	// state-syncing peers when no chain store is configured.
	recent []protocol.CertifiedEntry
}

// New builds a Node over transport. The caller drives HandleInbound
// with bytes read off transport itself; New does not spawn its own
// receive loop, so it works equally well fed from a goroutine reading
// a real transport or from a test harness feeding it directly.
func New(cfg Config, transport mesh.Transport) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RoundTimeoutBase == 0 {
		cfg.RoundTimeoutBase = 2 * time.Second
	}
	if cfg.RoundTimeoutCap == 0 {
		cfg.RoundTimeoutCap = 60 * time.Second
	}
	if cfg.CommitPhaseDuration == 0 {
		cfg.CommitPhaseDuration = 5 * time.Second
	}
	if cfg.RevealPhaseDuration == 0 {
		cfg.RevealPhaseDuration = 5 * time.Second
	}
	if cfg.Mesh == (mesh.Config{}) {
		cfg.Mesh = mesh.DefaultConfig()
	}

	handler, err := mesh.NewHandler(cfg.Self, transport, cfg.Mesh)
	if err != nil {
		return nil, fmt.Errorf("node.New: %w", err)
	}

	l := ledger.New(cfg.Ledger)
	state := craps.NewState(cfg.GameID, cfg.Participants)
	applier := newStateApplier(state, cfg.Rules, cfg.Treasury, l)
	engine := consensus.NewEngine(cfg.Self, cfg.Validators, applier, cfg.RoundTimeoutBase, cfg.RoundTimeoutCap)

	n := &Node{
		cfg:         cfg,
		self:        cfg.Self,
		log:         cfg.Logger,
		engine:      engine,
		applier:     applier,
		ledger:      l,
		randomness:  randomness.NewManager(),
		handler:     handler,
		loopBudget:  governor.NewLoopBudget(256, time.Second),
		idleTicker:  governor.NewAdaptiveInterval(50*time.Millisecond, 5*time.Second, 2.0, 10*time.Second),
		transportCB: governor.NewCircuitBreaker(5, 2, 30*time.Second),
		pending:         make(map[wire.Hash32]*pendingCommit),
		subs:            make(map[protocol.GameID][]chan StateDelta),
		queuedOffenders: make(map[identity.PeerID]struct{}),
	}

	if cfg.ChainDir != "" {
		cs, err := storage.OpenChainStore(cfg.ChainDir)
		if err != nil {
			return nil, err
		}
		n.chain = cs
		if err := n.replayChain(); err != nil {
			cs.Close()
			return nil, err
		}
	}
	if cfg.StateDir != "" {
		ss, err := storage.OpenStateStore(cfg.StateDir, cfg.SnapshotInterval)
		if err != nil {
			return nil, err
		}
		n.state = ss
	}

	handler.Deliver = n.onDeliver
	handler.OnRelay = n.onRelay
	return n, nil
}

// replayChain rebuilds the engine, game state, and ledger from the
// persisted chain, verifying every entry's quorum certificate and
// signature on the way back up, so a restarted node resumes from its
// committed tip with the same state replaying the log produces on any
// other node.
func (n *Node) replayChain() error {
	tip, _, ok, err := n.chain.Latest()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for h := uint64(0); h <= tip.Height; h++ {
		p, qc, ok, err := n.chain.GetByHeight(h)
		if err != nil {
			return err
		}
		if !ok {
			return bcerr.New(bcerr.KindPersistence, "node.replayChain", bcerr.ErrCorruptChain)
		}
		ce := protocol.CertifiedEntry{Proposal: p, QC: qc}
		if err := n.engine.ApplyCertifiedChain([]protocol.CertifiedEntry{ce}); err != nil {
			return bcerr.New(bcerr.KindPersistence, "node.replayChain", err)
		}
		n.recordRecent(ce)
		n.opCount++
	}
	n.log.Info("replayed persisted chain", zap.Uint64("height", n.engine.Height()))
	return nil
}

// Close releases any open persistence handles.
func (n *Node) Close() error {
	var firstErr error
	if n.chain != nil {
		if err := n.chain.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.state != nil {
		if err := n.state.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandleInbound decodes and processes one packet received from the
// transport. The loop budget is consulted before any work begins, so
// a flood of inbound traffic degrades into backpressure rather than
// unbounded CPU.
func (n *Node) HandleInbound(ctx context.Context, raw []byte) error {
	if !n.loopBudget.CanProceed() {
		_, err := n.loopBudget.Backoff()
		return err
	}
	if err := n.transportCB.Allow(); err != nil {
		return err
	}
	err := n.handler.HandleInbound(ctx, raw)
	if err != nil && bcerr.IsFatal(err) {
		n.transportCB.RecordFailure()
	} else {
		n.transportCB.RecordSuccess()
	}
	n.idleTicker.SignalActivity()
	return err
}

// PollInterval returns how long the caller's receive loop should wait
// before its next poll, widening during quiet periods to keep an idle
// mobile node off the radio.
func (n *Node) PollInterval() time.Duration {
	return n.idleTicker.Next()
}

// Engine exposes the underlying consensus engine for callers that need
// to drive round timeouts (TimeoutRound) on their own ticker; Node
// does not run its own timer goroutine so it stays usable from a
// single-threaded test harness.
func (n *Node) Engine() *consensus.Engine { return n.engine }

// Randomness exposes the randomness manager so a caller can drive
// StartRound/CloseCommitPhase/CloseRevealPhase on its own timers.
func (n *Node) Randomness() *randomness.Manager { return n.randomness }

// Ledger exposes the node's ledger for balance queries.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

func errField(err error) zap.Field { return zap.Error(err) }
