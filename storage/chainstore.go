package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/bitcraps/core/bcerr"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

// chain key layout: "c" || height(big-endian uint64) -> entry record.
// "m" -> the latest committed height (big-endian uint64), so Latest
// never has to scan. "e" || H(evidence) -> equivocation evidence, keyed
// by content hash so re-recording the same pair is idempotent.
const (
	chainPrefix    = 'c'
	metaLatest     = 'm'
	evidencePrefix = 'e'
)

// entry is what ChainStore persists per height: the committed proposal
// and the quorum certificate that finalized it.
type entry struct {
	Proposal protocol.Proposal          `cbor:"0,keyasint"`
	QC       protocol.QuorumCertificate `cbor:"1,keyasint"`
}

// ChainStore is the append-only, hash-linked log of committed rounds,
// backed by a pebble key-value store on disk.
type ChainStore struct {
	db *pebble.DB
}

// OpenChainStore opens (creating if absent) a ChainStore rooted at dir.
func OpenChainStore(dir string) (*ChainStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistence, "storage.OpenChainStore", fmt.Errorf("open pebble at %s: %w", dir, err))
	}
	return &ChainStore{db: db}, nil
}

// Close releases the underlying pebble handle.
func (c *ChainStore) Close() error {
	return c.db.Close()
}

func chainKey(height uint64) []byte {
	key := make([]byte, 9)
	key[0] = chainPrefix
	binary.BigEndian.PutUint64(key[1:], height)
	return key
}

// Append persists the proposal committed at p.Height together with the
// quorum certificate that finalized it, fsyncing before returning so a
// crash after Append never loses an acknowledged commit. It rejects an
// attempt to append anywhere but directly atop the current latest
// height, and (once a genesis
// entry exists) rejects a proposal whose Prev does not match the prior
// entry's id, catching a fork or a skipped height before it reaches
// disk.
func (c *ChainStore) Append(p protocol.Proposal, qc protocol.QuorumCertificate) error {
	latest, prevEntry, ok, err := c.latest()
	if err != nil {
		return err
	}
	if ok {
		if p.Height != latest+1 {
			return bcerr.New(bcerr.KindPartitionSync, "ChainStore.Append", fmt.Errorf("height %d is not the successor of latest %d", p.Height, latest))
		}
		if p.Prev != prevEntry.Proposal.ID {
			return bcerr.New(bcerr.KindPartitionSync, "ChainStore.Append", bcerr.ErrForkDetected)
		}
	} else if p.Height != 0 {
		return bcerr.New(bcerr.KindPartitionSync, "ChainStore.Append", fmt.Errorf("first entry must be genesis height 0, got %d", p.Height))
	}

	raw, err := wire.Marshal(entry{Proposal: p, QC: qc})
	if err != nil {
		return bcerr.New(bcerr.KindPersistence, "ChainStore.Append", err)
	}

	batch := c.db.NewBatch()
	if err := batch.Set(chainKey(p.Height), raw, nil); err != nil {
		return bcerr.New(bcerr.KindPersistence, "ChainStore.Append", err)
	}
	var metaVal [8]byte
	binary.BigEndian.PutUint64(metaVal[:], p.Height)
	if err := batch.Set([]byte{metaLatest}, metaVal[:], nil); err != nil {
		return bcerr.New(bcerr.KindPersistence, "ChainStore.Append", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return bcerr.New(bcerr.KindPersistence, "ChainStore.Append", bcerr.ErrWriteFailed)
	}
	return nil
}

// GetByHeight returns the entry committed at height, if any.
func (c *ChainStore) GetByHeight(height uint64) (protocol.Proposal, protocol.QuorumCertificate, bool, error) {
	val, closer, err := c.db.Get(chainKey(height))
	if err == pebble.ErrNotFound {
		return protocol.Proposal{}, protocol.QuorumCertificate{}, false, nil
	}
	if err != nil {
		return protocol.Proposal{}, protocol.QuorumCertificate{}, false, bcerr.New(bcerr.KindPersistence, "ChainStore.GetByHeight", err)
	}
	defer closer.Close()

	var e entry
	if err := wire.Unmarshal(val, &e); err != nil {
		return protocol.Proposal{}, protocol.QuorumCertificate{}, false, bcerr.New(bcerr.KindPersistence, "ChainStore.GetByHeight", bcerr.ErrCorruptChain)
	}
	return e.Proposal, e.QC, true, nil
}

// Latest returns the most recently appended entry, if the chain is
// non-empty.
func (c *ChainStore) Latest() (protocol.Proposal, protocol.QuorumCertificate, bool, error) {
	_, e, ok, err := c.latest()
	if err != nil || !ok {
		return protocol.Proposal{}, protocol.QuorumCertificate{}, ok, err
	}
	return e.Proposal, e.QC, true, nil
}

func (c *ChainStore) latest() (uint64, entry, bool, error) {
	val, closer, err := c.db.Get([]byte{metaLatest})
	if err == pebble.ErrNotFound {
		return 0, entry{}, false, nil
	}
	if err != nil {
		return 0, entry{}, false, bcerr.New(bcerr.KindPersistence, "ChainStore.latest", err)
	}
	height := binary.BigEndian.Uint64(val)
	closer.Close()

	p, qc, ok, err := c.GetByHeight(height)
	if err != nil || !ok {
		return height, entry{}, false, err
	}
	return height, entry{Proposal: p, QC: qc}, true, nil
}

// AppendEvidence persists one equivocation record so a restarted node
// still knows which validators it caught misbehaving before the crash.
// Re-appending identical evidence is a no-op.
func (c *ChainStore) AppendEvidence(ev protocol.EquivocationEvidence) error {
	raw, err := wire.Marshal(ev)
	if err != nil {
		return bcerr.New(bcerr.KindPersistence, "ChainStore.AppendEvidence", err)
	}
	hash := wire.SumBytes(raw)
	key := make([]byte, 1+len(hash))
	key[0] = evidencePrefix
	copy(key[1:], hash[:])
	if err := c.db.Set(key, raw, pebble.Sync); err != nil {
		return bcerr.New(bcerr.KindPersistence, "ChainStore.AppendEvidence", bcerr.ErrWriteFailed)
	}
	return nil
}

// Evidence returns every persisted equivocation record.
func (c *ChainStore) Evidence() ([]protocol.EquivocationEvidence, error) {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{evidencePrefix},
		UpperBound: []byte{evidencePrefix + 1},
	})
	if err != nil {
		return nil, bcerr.New(bcerr.KindPersistence, "ChainStore.Evidence", err)
	}
	defer iter.Close()

	var out []protocol.EquivocationEvidence
	for iter.First(); iter.Valid(); iter.Next() {
		var ev protocol.EquivocationEvidence
		if err := wire.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, bcerr.New(bcerr.KindPersistence, "ChainStore.Evidence", bcerr.ErrCorruptChain)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Verify walks the whole chain from genesis, checking that every
// entry's Prev matches the previous entry's id and every entry's QC
// actually covers that entry's proposal id.
func (c *ChainStore) Verify() error {
	latest, _, ok, err := c.latest()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var prevID wire.Hash32
	for h := uint64(0); h <= latest; h++ {
		p, qc, ok, err := c.GetByHeight(h)
		if err != nil {
			return err
		}
		if !ok {
			return bcerr.New(bcerr.KindPersistence, "ChainStore.Verify", fmt.Errorf("missing entry at height %d", h))
		}
		if h > 0 && p.Prev != prevID {
			return bcerr.New(bcerr.KindPersistence, "ChainStore.Verify", bcerr.ErrCorruptChain)
		}
		if qc.Proposal != p.ID {
			return bcerr.New(bcerr.KindPersistence, "ChainStore.Verify", fmt.Errorf("qc at height %d certifies a different proposal", h))
		}
		prevID = p.ID
	}
	return nil
}
