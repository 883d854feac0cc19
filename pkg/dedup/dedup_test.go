package dedup

import (
	"context"
	"testing"

	"github.com/pingcap/tidb/pkg/parser/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
)

func tableWithPKAndUnique() *catalog.Table {
	return &catalog.Table{
		TableID:      1,
		Name:         "t",
		PKIsHandle:   true,
		HandleColumn: 0,
		Columns: []catalog.Column{
			{Name: "id", Offset: 0, Type: mysql.TypeLonglong},
			{Name: "uk", Offset: 1, Type: mysql.TypeLonglong},
		},
		Indices: []catalog.Index{
			{IndexID: 1, Unique: true, Columns: []int{1}},
		},
	}
}

func TestDeduplicate_DuplicateHandle(t *testing.T) {
	desc := tableWithPKAndUnique()
	rows := []Row{
		{Handle: 1, Values: []any{int64(1), int64(10)}},
		{Handle: 1, Values: []any{int64(1), int64(11)}},
		{Handle: 2, Values: []any{int64(2), int64(12)}},
	}

	out, err := Deduplicate(context.Background(), desc, rows, 4)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	handles := map[int64]bool{}
	for _, r := range out {
		handles[r.Handle] = true
	}
	assert.True(t, handles[1])
	assert.True(t, handles[2])
}

func TestDeduplicate_DuplicateUniqueIndex(t *testing.T) {
	desc := tableWithPKAndUnique()
	rows := []Row{
		{Handle: 1, Values: []any{int64(1), int64(99)}},
		{Handle: 2, Values: []any{int64(2), int64(99)}},
	}

	out, err := Deduplicate(context.Background(), desc, rows, 4)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestDeduplicate_NoDuplicates(t *testing.T) {
	desc := tableWithPKAndUnique()
	rows := []Row{
		{Handle: 1, Values: []any{int64(1), int64(10)}},
		{Handle: 2, Values: []any{int64(2), int64(20)}},
		{Handle: 3, Values: []any{int64(3), int64(30)}},
	}

	out, err := Deduplicate(context.Background(), desc, rows, 2)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestDeduplicate_Empty(t *testing.T) {
	desc := tableWithPKAndUnique()
	out, err := Deduplicate(context.Background(), desc, nil, 4)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDeduplicate_Deterministic(t *testing.T) {
	desc := tableWithPKAndUnique()
	rows := []Row{
		{Handle: 1, Values: []any{int64(1), int64(10)}},
		{Handle: 1, Values: []any{int64(1), int64(11)}},
	}

	out1, err := Deduplicate(context.Background(), desc, rows, 3)
	require.NoError(t, err)
	out2, err := Deduplicate(context.Background(), desc, rows, 3)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
}
