package conflict

import (
	"context"
	"testing"

	"github.com/pingcap/tidb/pkg/parser/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/codec"
	"github.com/xiejiajun/tispark-go/pkg/dedup"
)

type fakeSnapshot struct {
	store map[string][]byte
}

func (f *fakeSnapshot) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := f.store[string(k)]; ok {
			out[string(k)] = v
		}
	}
	return out, nil
}

func testTable() *catalog.Table {
	return &catalog.Table{
		TableID:      1,
		Name:         "t",
		PKIsHandle:   true,
		HandleColumn: 0,
		Columns: []catalog.Column{
			{Name: "id", Offset: 0, Type: mysql.TypeLonglong},
			{Name: "uk", Offset: 1, Type: mysql.TypeLonglong},
			{Name: "v", Offset: 2, Type: mysql.TypeVarchar, Nullable: true},
		},
		Indices: []catalog.Index{
			{IndexID: 1, Unique: true, Columns: []int{1}},
		},
	}
}

func TestResolve_FindsConflictByHandle(t *testing.T) {
	desc := testTable()
	snap := &fakeSnapshot{store: map[string][]byte{}}

	oldValue, err := codec.EncodeRowValue(desc, []any{int64(1), int64(10), "old"})
	require.NoError(t, err)
	snap.store[string(codec.EncodeRowKey(1, 1))] = oldValue

	rows := []dedup.Row{{Handle: 1, Values: []any{int64(1), int64(10), "new"}}}
	conflicts, err := Resolve(context.Background(), desc, snap, rows, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, int64(1), conflicts[0].Handle)
	assert.Equal(t, "old", conflicts[0].Values[2])
}

func TestResolve_FindsConflictByUniqueIndex(t *testing.T) {
	desc := testTable()
	snap := &fakeSnapshot{store: map[string][]byte{}}

	idx := desc.Indices[0]
	indexKey, err := codec.EncodeUniqueIndexKey(desc.TableID, idx, []any{int64(99), int64(10), nil}, desc)
	require.NoError(t, err)
	snap.store[string(indexKey)] = codec.EncodeHandle(5)

	oldValue, err := codec.EncodeRowValue(desc, []any{int64(5), int64(10), "old"})
	require.NoError(t, err)
	snap.store[string(codec.EncodeRowKey(1, 5))] = oldValue

	rows := []dedup.Row{{Handle: 1, Values: []any{int64(1), int64(10), "new"}}}
	conflicts, err := Resolve(context.Background(), desc, snap, rows, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, int64(5), conflicts[0].Handle)
}

func TestResolve_NoConflicts(t *testing.T) {
	desc := testTable()
	snap := &fakeSnapshot{store: map[string][]byte{}}

	rows := []dedup.Row{{Handle: 1, Values: []any{int64(1), int64(10), "new"}}}
	conflicts, err := Resolve(context.Background(), desc, snap, rows, 0)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestCheckReplace_FailsWhenConflictsAndNotReplace(t *testing.T) {
	err := CheckReplace([]OldRow{{Handle: 1}}, false)
	assert.Error(t, err)
}

func TestCheckReplace_OKWhenReplace(t *testing.T) {
	err := CheckReplace([]OldRow{{Handle: 1}}, true)
	assert.NoError(t, err)
}

func TestCheckReplace_OKWhenNoConflicts(t *testing.T) {
	err := CheckReplace(nil, false)
	assert.NoError(t, err)
}
