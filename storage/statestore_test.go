package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitcraps/core/craps"
	"github.com/bitcraps/core/identity"
	"github.com/bitcraps/core/protocol"
)

func openStateStore(t *testing.T, interval uint64) *StateStore {
	t.Helper()
	ss, err := OpenStateStore(filepath.Join(t.TempDir(), "state"), interval)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })
	return ss
}

func TestStateStoreSaveAndLoadLatest(t *testing.T) {
	ss := openStateStore(t, 10)
	gameID := protocol.GameID{1}
	id, err := identity.Generate(0)
	require.NoError(t, err)
	state := craps.NewState(gameID, []identity.PeerID{id.ID()})
	state.RollCount = 3

	require.NoError(t, ss.SaveSnapshot(10, state))
	state.RollCount = 7
	require.NoError(t, ss.SaveSnapshot(20, state))

	got, opCount, ok, err := ss.LoadLatestSnapshot(gameID, 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), opCount)
	assert.Equal(t, uint32(3), got.RollCount, "the 10-snapshot's roll count")

	got, opCount, ok, err = ss.LoadLatestSnapshot(gameID, 20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), opCount)
	assert.Equal(t, uint32(7), got.RollCount)
}

func TestStateStoreLoadLatestSnapshotMissing(t *testing.T) {
	ss := openStateStore(t, 10)
	_, _, ok, err := ss.LoadLatestSnapshot(protocol.GameID{9}, 100)
	require.NoError(t, err)
	assert.False(t, ok, "an unseen game has no snapshot")
}

func TestDueForSnapshot(t *testing.T) {
	ss := openStateStore(t, 5)
	cases := map[uint64]bool{0: true, 4: false, 5: true, 9: false, 10: true}
	for opCount, want := range cases {
		assert.Equal(t, want, ss.DueForSnapshot(opCount), "DueForSnapshot(%d)", opCount)
	}
}
