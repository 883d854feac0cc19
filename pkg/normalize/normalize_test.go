package normalize

import (
	"context"
	"testing"

	"github.com/pingcap/tidb/pkg/parser/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
)

type fakeAllocator struct {
	start int64
}

func (f *fakeAllocator) Allocate(ctx context.Context, dbID, tableID int64, step int64, unsigned bool) (int64, error) {
	return f.start, nil
}

func tableWithAutoIncrement() *catalog.Table {
	return &catalog.Table{
		TableID: 1,
		Name:    "t",
		Columns: []catalog.Column{
			{Name: "id", Offset: 0, Type: mysql.TypeLonglong, IsAutoIncrement: true},
			{Name: "v", Offset: 1, Type: mysql.TypeVarchar, Nullable: true},
		},
	}
}

func plainTable() *catalog.Table {
	return &catalog.Table{
		TableID: 2,
		Name:    "t2",
		Columns: []catalog.Column{
			{Name: "a", Offset: 0, Type: mysql.TypeLonglong},
			{Name: "b", Offset: 1, Type: mysql.TypeLonglong},
		},
	}
}

func TestNormalizeBatch_FillsOmittedAutoIncrement(t *testing.T) {
	n := New(tableWithAutoIncrement(), &fakeAllocator{start: 100})

	rows, err := n.NormalizeBatch(context.Background(), []ExternalRow{
		{"v": "x"},
		{"v": "y"},
		{"v": "z"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []any{int64(100), "x"}, rows[0])
	assert.Equal(t, []any{int64(101), "y"}, rows[1])
	assert.Equal(t, []any{int64(102), "z"}, rows[2])
}

func TestNormalizeBatch_RejectsNullInSuppliedAutoIncrement(t *testing.T) {
	n := New(tableWithAutoIncrement(), nil)

	_, err := n.NormalizeBatch(context.Background(), []ExternalRow{
		{"id": nil, "v": "x"},
	})
	assert.Error(t, err)
}

func TestNormalizeBatch_CaseInsensitiveFieldMatch(t *testing.T) {
	n := New(plainTable(), nil)

	rows, err := n.NormalizeBatch(context.Background(), []ExternalRow{
		{"A": int64(1), "B": int64(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, rows[0])
}

func TestNormalizeBatch_ColumnCountMismatch(t *testing.T) {
	n := New(plainTable(), nil)

	_, err := n.NormalizeBatch(context.Background(), []ExternalRow{
		{"a": int64(1)},
	})
	assert.Error(t, err)
}

func TestNormalizeBatch_Empty(t *testing.T) {
	n := New(plainTable(), nil)

	rows, err := n.NormalizeBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, rows)
}
