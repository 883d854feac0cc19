// Package normalize implements the Row Normalizer (C3, §4.3):
// projecting external rows (named fields, case-insensitive) onto the
// table's declared column order and filling an omitted
// auto-increment column. Values are placed as given: this package
// does not convert them to the column's declared type.
package normalize

import (
	"context"
	"strings"

	"github.com/xiejiajun/tispark-go/pkg/bwerr"
	"github.com/xiejiajun/tispark-go/pkg/catalog"
)

// Allocator is the subset of pkg/handle's surface the normalizer needs
// to fill an omitted auto-increment column.
type Allocator interface {
	Allocate(ctx context.Context, dbID, tableID int64, step int64, unsigned bool) (int64, error)
}

// ExternalRow is one record as delivered by the dataset layer: named
// fields, matched case-insensitively against the table's columns.
type ExternalRow map[string]any

// Normalizer projects ExternalRows onto a table's column order.
type Normalizer struct {
	desc  *catalog.Table
	alloc Allocator
}

// New builds a Normalizer for desc. alloc may be nil if the table has
// no auto-increment column or every input row supplies it.
func New(desc *catalog.Table, alloc Allocator) *Normalizer {
	return &Normalizer{desc: desc, alloc: alloc}
}

// NormalizeBatch implements §4.3 for an entire input batch so that an
// omitted auto-increment column can be filled with a single allocated
// range sized to the batch, with `value = start + rowIndex` in input
// order (§3's "else handle is allocated... in input order").
func (n *Normalizer) NormalizeBatch(ctx context.Context, rows []ExternalRow) ([][]any, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	autoCol, hasAuto := n.desc.AutoIncrementColumn()
	inputHasAutoCol := hasAuto && rowHasField(rows[0], autoCol.Name)

	if err := n.validateColumnCount(rows[0], hasAuto, inputHasAutoCol); err != nil {
		return nil, err
	}

	var autoStart int64
	fillAuto := hasAuto && !inputHasAutoCol
	if fillAuto {
		if n.alloc == nil {
			return nil, bwerr.ErrMetaService(nil)
		}
		start, err := n.alloc.Allocate(ctx, 0, n.desc.TableID, int64(len(rows)), false)
		if err != nil {
			return nil, err
		}
		autoStart = start
	}

	out := make([][]any, len(rows))
	for i, row := range rows {
		internal, err := n.normalizeOne(row, autoCol, hasAuto, fillAuto, autoStart+int64(i))
		if err != nil {
			return nil, err
		}
		out[i] = internal
	}
	return out, nil
}

func (n *Normalizer) validateColumnCount(row ExternalRow, hasAuto, inputHasAutoCol bool) error {
	want := len(n.desc.Columns)
	if hasAuto && !inputHasAutoCol {
		want--
	}
	if len(row) != want {
		return bwerr.ErrColumnCountMismatch(len(row), want)
	}
	return nil
}

func (n *Normalizer) normalizeOne(row ExternalRow, autoCol catalog.Column, hasAuto, fillAuto bool, autoValue int64) ([]any, error) {
	internal := make([]any, len(n.desc.Columns))

	for _, col := range n.desc.Columns {
		if hasAuto && col.Offset == autoCol.Offset {
			if fillAuto {
				internal[col.Offset] = autoValue
				continue
			}
			v, ok := lookupField(row, col.Name)
			if ok && v == nil {
				return nil, bwerr.ErrNullInAutoIncrement(col.Name)
			}
			internal[col.Offset] = v
			continue
		}

		v, ok := lookupField(row, col.Name)
		if !ok {
			internal[col.Offset] = nil
		} else {
			internal[col.Offset] = v
		}
		if !col.Nullable && internal[col.Offset] == nil {
			return nil, bwerr.ErrNullInNonNullColumn(col.Name)
		}
	}
	return internal, nil
}

func rowHasField(row ExternalRow, name string) bool {
	_, ok := lookupField(row, name)
	return ok
}

func lookupField(row ExternalRow, name string) (any, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	lower := strings.ToLower(name)
	for k, v := range row {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return nil, false
}
