package write

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/codec"
	"github.com/xiejiajun/tispark-go/pkg/config"
	"github.com/xiejiajun/tispark-go/pkg/dataset"
	"github.com/xiejiajun/tispark-go/pkg/kvstore/badgerstore"
	"github.com/xiejiajun/tispark-go/pkg/metaclient"
	"github.com/xiejiajun/tispark-go/pkg/pdclient"
	"github.com/xiejiajun/tispark-go/pkg/sidechannel"
	"github.com/xiejiajun/tispark-go/pkg/tablelock"
)

type fakeMeta struct {
	tables map[string]*catalog.Table
	seqs   map[[2]int64]int64
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{tables: make(map[string]*catalog.Table), seqs: make(map[[2]int64]int64)}
}

func (f *fakeMeta) put(desc *catalog.Table) {
	f.tables[desc.Database+"."+desc.Name] = desc
}

func (f *fakeMeta) GetTable(ctx context.Context, database, table string) (*catalog.Table, error) {
	desc, ok := f.tables[database+"."+table]
	if !ok {
		return nil, &metaclient.ErrContention{}
	}
	return desc, nil
}

func (f *fakeMeta) AllocIDs(ctx context.Context, dbID, tableID int64, step int64, unsigned bool) (int64, error) {
	key := [2]int64{dbID, tableID}
	start := f.seqs[key] + 1
	f.seqs[key] = start + step - 1
	return start, nil
}

func newTestCoordinator(t *testing.T, meta *fakeMeta, tableLock *tablelock.Manager) (*Coordinator, *badgerstore.Store) {
	t.Helper()
	kv, err := badgerstore.OpenWithOptions(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	c := New(Deps{
		KVDialer:  kv,
		Oracle:    pdclient.NewFake(),
		Meta:      meta,
		TableLock: tableLock,
	})
	return c, kv
}

func noPKTable() *catalog.Table {
	return &catalog.Table{
		Database: "db",
		Name:     "t",
		TableID:  1,
		Columns: []catalog.Column{
			{Name: "a", Offset: 0, Type: mysql.TypeLonglong},
			{Name: "b", Offset: 1, Type: mysql.TypeLonglong},
		},
	}
}

func pkHandleUniqueTable() *catalog.Table {
	return &catalog.Table{
		Database: "db",
		Name:     "t",
		TableID:  2,
		Columns: []catalog.Column{
			{Name: "id", Offset: 0, Type: mysql.TypeLonglong},
			{Name: "uk", Offset: 1, Type: mysql.TypeLonglong},
			{Name: "v", Offset: 2, Type: mysql.TypeVarchar},
		},
		PKIsHandle:   true,
		HandleColumn: 0,
		Indices: []catalog.Index{
			{IndexID: 1, Unique: true, Columns: []int{1}},
		},
	}
}

func TestWrite_FreshInsertNoPKHandleNoIndices(t *testing.T) {
	meta := newFakeMeta()
	desc := noPKTable()
	meta.put(desc)
	c, _ := newTestCoordinator(t, meta, nil)

	ds := dataset.New([]dataset.Record{
		{"a": int64(1), "b": int64(2)},
		{"a": int64(3), "b": int64(4)},
	}, 2)

	report, err := c.Write(context.Background(), "db", "t", ds, config.DefaultWriteOptions(), config.DefaultWriteKnobs{WriteConcurrency: 2, SnapshotBatchGetSize: 100, LockTTLSeconds: 20})
	require.NoError(t, err)
	assert.Equal(t, 2, report.RowsWritten)
	assert.Zero(t, report.ConflictsResolved)
	assert.Greater(t, report.CommitTs, report.StartTs)
	assert.Equal(t, 2, report.KVsWritten) // 2 row-KVs, no indices
}

func TestWrite_ReplaceOnUniqueIndexConflict(t *testing.T) {
	meta := newFakeMeta()
	desc := pkHandleUniqueTable()
	meta.put(desc)
	c, kv := newTestCoordinator(t, meta, nil)
	ctx := context.Background()

	seedOne := dataset.New([]dataset.Record{{"id": int64(1), "uk": int64(10), "v": "a"}}, 1)
	_, err := c.Write(ctx, "db", "t", seedOne, config.DefaultWriteOptions(), config.DefaultWriteKnobs{WriteConcurrency: 1, SnapshotBatchGetSize: 100, LockTTLSeconds: 20})
	require.NoError(t, err)

	opts := config.DefaultWriteOptions()
	opts.Replace = true
	replaceOne := dataset.New([]dataset.Record{{"id": int64(1), "uk": int64(10), "v": "b"}}, 1)
	report, err := c.Write(ctx, "db", "t", replaceOne, opts, config.DefaultWriteKnobs{WriteConcurrency: 1, SnapshotBatchGetSize: 100, LockTTLSeconds: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ConflictsResolved)

	snap, err := kv.Snapshot(ctx, report.CommitTs)
	require.NoError(t, err)
	rowKey := codec.EncodeRowKey(desc.TableID, 1)
	hits, err := snap.BatchGet(ctx, [][]byte{rowKey})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	decoded, err := codec.DecodeRowValue(hits[string(rowKey)], 1, desc)
	require.NoError(t, err)
	assert.Equal(t, "b", decoded[2])
}

func TestWrite_ConflictWithoutReplaceFails(t *testing.T) {
	meta := newFakeMeta()
	desc := pkHandleUniqueTable()
	meta.put(desc)
	c, _ := newTestCoordinator(t, meta, nil)
	ctx := context.Background()

	seedOne := dataset.New([]dataset.Record{{"id": int64(1), "uk": int64(10), "v": "a"}}, 1)
	_, err := c.Write(ctx, "db", "t", seedOne, config.DefaultWriteOptions(), config.DefaultWriteKnobs{WriteConcurrency: 1, SnapshotBatchGetSize: 100, LockTTLSeconds: 20})
	require.NoError(t, err)

	dup := dataset.New([]dataset.Record{{"id": int64(2), "uk": int64(10), "v": "b"}}, 1)
	_, err = c.Write(ctx, "db", "t", dup, config.DefaultWriteOptions(), config.DefaultWriteKnobs{WriteConcurrency: 1, SnapshotBatchGetSize: 100, LockTTLSeconds: 20})
	assert.Error(t, err)
}

func TestWrite_DryRunDoesNotCommit(t *testing.T) {
	meta := newFakeMeta()
	desc := noPKTable()
	meta.put(desc)
	c, kv := newTestCoordinator(t, meta, nil)
	ctx := context.Background()

	opts := config.DefaultWriteOptions()
	opts.DryRun = true
	ds := dataset.New([]dataset.Record{{"a": int64(1), "b": int64(2)}}, 1)
	report, err := c.Write(ctx, "db", "t", ds, opts, config.DefaultWriteKnobs{WriteConcurrency: 1, SnapshotBatchGetSize: 100, LockTTLSeconds: 20})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.NotEmpty(t, report.KVs)
	assert.Zero(t, report.CommitTs)

	snap, err := kv.Snapshot(ctx, 1<<30)
	require.NoError(t, err)
	hits, err := snap.BatchGet(ctx, [][]byte{report.KVs[0].Key})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestWrite_TableLockRequiredButUnconfiguredFails(t *testing.T) {
	meta := newFakeMeta()
	desc := noPKTable()
	meta.put(desc)
	c, _ := newTestCoordinator(t, meta, nil)

	opts := config.DefaultWriteOptions()
	opts.UseTableLock = true
	ds := dataset.New([]dataset.Record{{"a": int64(1), "b": int64(2)}}, 1)
	_, err := c.Write(context.Background(), "db", "t", ds, opts, config.DefaultWriteKnobs{WriteConcurrency: 1, SnapshotBatchGetSize: 100, LockTTLSeconds: 20})
	assert.Error(t, err)
}

func TestWrite_TableLockEscapeHatchAllowsProceeding(t *testing.T) {
	meta := newFakeMeta()
	desc := noPKTable()
	meta.put(desc)
	ch := sidechannel.NewFake()
	ch.SupportsLock = false
	mgr := tablelock.New(ch, nil)
	c, _ := newTestCoordinator(t, meta, mgr)

	opts := config.DefaultWriteOptions()
	opts.UseTableLock = true
	opts.WriteWithoutLockTable = true
	ds := dataset.New([]dataset.Record{{"a": int64(1), "b": int64(2)}}, 1)
	report, err := c.Write(context.Background(), "db", "t", ds, opts, config.DefaultWriteKnobs{WriteConcurrency: 1, SnapshotBatchGetSize: 100, LockTTLSeconds: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsWritten)
}

func TestWrite_PartitionedTableRejected(t *testing.T) {
	meta := newFakeMeta()
	desc := noPKTable()
	desc.Partitioned = true
	meta.put(desc)
	c, _ := newTestCoordinator(t, meta, nil)

	ds := dataset.New([]dataset.Record{{"a": int64(1), "b": int64(2)}}, 1)
	_, err := c.Write(context.Background(), "db", "t", ds, config.DefaultWriteOptions(), config.DefaultWriteKnobs{WriteConcurrency: 1, SnapshotBatchGetSize: 100, LockTTLSeconds: 20})
	assert.Error(t, err)
}
