package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/protocol"
	"github.com/bitcraps/core/wire"
)

func mustProposal(t *testing.T, height uint64, prev [32]byte) protocol.Proposal {
	t.Helper()
	p := protocol.Proposal{Height: height, Round: 0, Prev: prev}
	_, err := p.ComputeID()
	require.NoError(t, err)
	return p
}

func openChainStore(t *testing.T) *ChainStore {
	t.Helper()
	cs, err := OpenChainStore(filepath.Join(t.TempDir(), "chain"))
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestChainStoreAppendAndGet(t *testing.T) {
	cs := openChainStore(t)

	genesis := mustProposal(t, 0, [32]byte{})
	require.NoError(t, cs.Append(genesis, protocol.QuorumCertificate{Proposal: genesis.ID}))

	next := mustProposal(t, 1, genesis.ID)
	require.NoError(t, cs.Append(next, protocol.QuorumCertificate{Proposal: next.ID}))

	got, _, ok, err := cs.GetByHeight(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next.ID, got.ID)

	latest, _, ok, err := cs.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), latest.Height)
}

func TestChainStoreRejectsSkippedHeight(t *testing.T) {
	cs := openChainStore(t)

	genesis := mustProposal(t, 0, [32]byte{})
	require.NoError(t, cs.Append(genesis, protocol.QuorumCertificate{Proposal: genesis.ID}))

	skipped := mustProposal(t, 2, genesis.ID)
	require.Error(t, cs.Append(skipped, protocol.QuorumCertificate{Proposal: skipped.ID}),
		"a skipped height must be rejected")
}

func TestChainStoreRejectsForkedPrev(t *testing.T) {
	cs := openChainStore(t)

	genesis := mustProposal(t, 0, [32]byte{})
	require.NoError(t, cs.Append(genesis, protocol.QuorumCertificate{Proposal: genesis.ID}))

	forked := mustProposal(t, 1, [32]byte{0xff})
	require.Error(t, cs.Append(forked, protocol.QuorumCertificate{Proposal: forked.ID}),
		"a forked prev must be rejected")
}

func TestChainStoreVerifyPassesOnCleanChain(t *testing.T) {
	cs := openChainStore(t)

	genesis := mustProposal(t, 0, [32]byte{})
	require.NoError(t, cs.Append(genesis, protocol.QuorumCertificate{Proposal: genesis.ID}))
	next := mustProposal(t, 1, genesis.ID)
	require.NoError(t, cs.Append(next, protocol.QuorumCertificate{Proposal: next.ID}))

	assert.NoError(t, cs.Verify())
}

func TestChainStoreGetByHeightMissing(t *testing.T) {
	cs := openChainStore(t)
	_, _, ok, err := cs.GetByHeight(5)
	require.NoError(t, err)
	assert.False(t, ok, "no entry expected at an unseen height")
}

func TestChainStoreEvidenceRoundTripsAndDedups(t *testing.T) {
	cs := openChainStore(t)

	var voter identity.PeerID
	voter[0] = 7
	ev := protocol.EquivocationEvidence{
		Voter:  voter,
		First:  protocol.Vote{Voter: voter, Height: 3},
		Second: protocol.Vote{Voter: voter, Height: 3, Round: 0, Proposal: wire.Hash32{1}},
	}

	require.NoError(t, cs.AppendEvidence(ev))
	require.NoError(t, cs.AppendEvidence(ev), "re-recording identical evidence is a no-op")

	got, err := cs.Evidence()
	require.NoError(t, err)
	require.Len(t, got, 1, "identical evidence dedups to one record")
	assert.Equal(t, voter, got[0].Voter)
}
