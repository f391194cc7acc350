package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/craps"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

// snapshotPrefix keys a game's snapshots: "s" || game_id || op_count(BE).
const snapshotPrefix = 's'

func snapshotKey(gameID protocol.GameID, opCount uint64) []byte {
	key := make([]byte, 1+16+8)
	key[0] = snapshotPrefix
	copy(key[1:], gameID[:])
	binary.BigEndian.PutUint64(key[17:], opCount)
	return key
}

// snapshotPrefixFor returns the key prefix common to every snapshot of
// a single game, for a reverse prefix scan.
func snapshotPrefixFor(gameID protocol.GameID) []byte {
	key := make([]byte, 1+16)
	key[0] = snapshotPrefix
	copy(key[1:], gameID[:])
	return key
}

// StateStore holds periodic snapshots of each game's craps.State,
// keyed by the number of operations applied when the snapshot was
// taken, so a restarted node can load the newest snapshot at or below
// a target height and replay only the handful of operations after it
// instead of the game's entire history.
type StateStore struct {
	db *pebble.DB
	// interval is how many applied operations pass between persisted
	// snapshots.
	interval uint64
}

// OpenStateStore opens (creating if absent) a StateStore rooted at
// dir, snapshotting every snapshotInterval committed operations.
func OpenStateStore(dir string, snapshotInterval uint64) (*StateStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistence, "storage.OpenStateStore", fmt.Errorf("open pebble at %s: %w", dir, err))
	}
	if snapshotInterval == 0 {
		snapshotInterval = 1
	}
	return &StateStore{db: db, interval: snapshotInterval}, nil
}

// Close releases the underlying pebble handle.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// DueForSnapshot reports whether opCount lands on a snapshot boundary.
func (s *StateStore) DueForSnapshot(opCount uint64) bool {
	return opCount%s.interval == 0
}

// SaveSnapshot persists a deep copy of state's contents under
// (gameID, opCount), fsyncing before returning.
func (s *StateStore) SaveSnapshot(opCount uint64, state *craps.State) error {
	raw, err := wire.Marshal(state)
	if err != nil {
		return bcerr.New(bcerr.KindPersistence, "StateStore.SaveSnapshot", err)
	}
	if err := s.db.Set(snapshotKey(state.GameID, opCount), raw, pebble.Sync); err != nil {
		return bcerr.New(bcerr.KindPersistence, "StateStore.SaveSnapshot", bcerr.ErrWriteFailed)
	}
	return nil
}

// LoadLatestSnapshot returns the newest snapshot at or below maxOpCount
// for gameID, if any, and the operation count it was taken at.
func (s *StateStore) LoadLatestSnapshot(gameID protocol.GameID, maxOpCount uint64) (*craps.State, uint64, bool, error) {
	upper := snapshotKey(gameID, maxOpCount)
	// snapshotKey encodes op count big-endian so lexicographic order
	// matches numeric order; the upper bound is exclusive in pebble's
	// iterator, so walk one past maxOpCount to include an exact match.
	upperExclusive := append(append([]byte{}, upper...), 0x00)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: snapshotPrefixFor(gameID),
		UpperBound: upperExclusive,
	})
	if err != nil {
		return nil, 0, false, bcerr.New(bcerr.KindPersistence, "StateStore.LoadLatestSnapshot", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, 0, false, nil
	}
	opCount := binary.BigEndian.Uint64(iter.Key()[17:])

	var state craps.State
	if err := wire.Unmarshal(iter.Value(), &state); err != nil {
		return nil, 0, false, bcerr.New(bcerr.KindPersistence, "StateStore.LoadLatestSnapshot", bcerr.ErrCorruptChain)
	}
	return &state, opCount, true, nil
}
