package badgerstore

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiejiajun/tispark-go/pkg/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenWithOptions(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPrewriteCommitThenSnapshotSees(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := []byte("row:1")
	secondary := []byte("index:1")

	require.NoError(t, s.PrewritePrimary(ctx, 0, 10, primary, []byte("v1"), 1000))
	require.NoError(t, s.PrewriteSecondaries(ctx, 10, primary, []kvstore.KV{{Key: secondary, Value: []byte("v2")}}, 1000))

	// Not yet committed: snapshot at a later ts sees nothing.
	snap, err := s.Snapshot(ctx, 20)
	require.NoError(t, err)
	hits, err := snap.BatchGet(ctx, [][]byte{primary, secondary})
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, s.CommitPrimary(ctx, 0, 10, 15, primary))
	require.NoError(t, s.CommitSecondaries(ctx, 10, 15, [][]byte{secondary}))

	snap, err = s.Snapshot(ctx, 20)
	require.NoError(t, err)
	hits, err = snap.BatchGet(ctx, [][]byte{primary, secondary})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), hits[string(primary)])
	assert.Equal(t, []byte("v2"), hits[string(secondary)])
}

func TestSnapshot_IsolatedFromStartTsBeforeCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := []byte("row:1")

	require.NoError(t, s.PrewritePrimary(ctx, 0, 10, key, []byte("v1"), 1000))
	require.NoError(t, s.CommitPrimary(ctx, 0, 10, 15, key))

	// A snapshot taken before the commitTs must not see the write.
	snap, err := s.Snapshot(ctx, 12)
	require.NoError(t, err)
	hits, err := snap.BatchGet(ctx, [][]byte{key})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSnapshot_SeesLatestCommitAtOrBeforeTs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := []byte("row:1")

	require.NoError(t, s.PrewritePrimary(ctx, 0, 10, key, []byte("v1"), 1000))
	require.NoError(t, s.CommitPrimary(ctx, 0, 10, 15, key))

	require.NoError(t, s.PrewritePrimary(ctx, 0, 20, key, []byte("v2"), 1000))
	require.NoError(t, s.CommitPrimary(ctx, 0, 20, 25, key))

	snap, err := s.Snapshot(ctx, 18)
	require.NoError(t, err)
	hits, err := snap.BatchGet(ctx, [][]byte{key})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), hits[string(key)])

	snap, err = s.Snapshot(ctx, 30)
	require.NoError(t, err)
	hits, err = snap.BatchGet(ctx, [][]byte{key})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), hits[string(key)])
}

func TestCommitPrimary_FailsWithoutMatchingLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.CommitPrimary(ctx, 0, 10, 15, []byte("row:1"))
	assert.Error(t, err)
}

func TestRefreshLockTTL_RequiresExistingLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := []byte("row:1")

	require.NoError(t, s.PrewritePrimary(ctx, 0, 10, key, []byte("v1"), 1000))
	require.NoError(t, s.RefreshLockTTL(ctx, key, 5000))

	require.NoError(t, s.CommitPrimary(ctx, 0, 10, 15, key))
	assert.Error(t, s.RefreshLockTTL(ctx, key, 5000))
}

func TestDial_ReturnsIndependentlyCloseableHandle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client, err := s.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	// The shared store must still be usable after the handle closes.
	require.NoError(t, s.PrewritePrimary(ctx, 0, 10, []byte("row:1"), []byte("v1"), 1000))
}
