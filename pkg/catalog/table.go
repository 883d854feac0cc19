// Package catalog holds the table/column/index descriptor types read
// from the (out-of-scope) catalog/meta client, generalized from a
// domain-model table descriptor to the §3 data model.
package catalog

import (
	"fmt"

	"github.com/pingcap/tidb/pkg/parser/mysql"
)

// Column describes one column of a table, ordered by Offset.
type Column struct {
	Name            string
	Offset          int
	Type            byte // one of the mysql.Type* constants
	Nullable        bool
	IsAutoIncrement bool
}

// Index describes one index of a table. Columns holds the offsets of
// the indexed columns, in index-key order.
type Index struct {
	IndexID int64
	Unique  bool
	Columns []int
}

// Table is the immutable-for-one-write table descriptor of §3.
type Table struct {
	TableID         int64
	Database        string
	Name            string
	UpdateTimestamp int64
	Columns         []Column
	PKIsHandle      bool
	HandleColumn    int // column offset of the handle, valid when PKIsHandle
	Indices         []Index
	Partitioned     bool
	HasGeneratedCol bool
}

// HasColumn reports whether name names a declared column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.GetColumn(name)
	return ok
}

// GetColumn looks up a column by name (case-sensitive; the dataset
// layer is responsible for case-insensitive matching per §6).
func (t *Table) GetColumn(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// AutoIncrementColumn returns the table's auto-increment column, if
// any.
func (t *Table) AutoIncrementColumn() (Column, bool) {
	for _, c := range t.Columns {
		if c.IsAutoIncrement {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnCount returns the number of declared columns.
func (t *Table) ColumnCount() int {
	return len(t.Columns)
}

// Clone returns a deep copy, used to snapshot a descriptor before a
// write so the schema-change guard (§4.8 step 10) can compare against
// a stable baseline.
func (t *Table) Clone() *Table {
	clone := *t
	clone.Columns = append([]Column(nil), t.Columns...)
	clone.Indices = make([]Index, len(t.Indices))
	for i, idx := range t.Indices {
		clone.Indices[i] = Index{
			IndexID: idx.IndexID,
			Unique:  idx.Unique,
			Columns: append([]int(nil), idx.Columns...),
		}
	}
	return &clone
}

// Validate checks the invariants of §3 that don't depend on the input
// rows (column count/null checks happen in pkg/normalize).
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("catalog: table name cannot be empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("catalog: table %s must have at least one column", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if seen[c.Name] {
			return fmt.Errorf("catalog: duplicate column name %s in table %s", c.Name, t.Name)
		}
		seen[c.Name] = true
	}
	if t.PKIsHandle {
		if t.HandleColumn < 0 || t.HandleColumn >= len(t.Columns) {
			return fmt.Errorf("catalog: table %s declares pkIsHandle with an invalid handle column offset", t.Name)
		}
	}
	return nil
}

// TypeName renders a mysql.Type* constant as its SQL name, used only
// for error messages and logging.
func TypeName(t byte) string {
	switch t {
	case mysql.TypeTiny, mysql.TypeShort, mysql.TypeInt24, mysql.TypeLong:
		return "INT"
	case mysql.TypeLonglong:
		return "BIGINT"
	case mysql.TypeFloat:
		return "FLOAT"
	case mysql.TypeDouble:
		return "DOUBLE"
	case mysql.TypeNewDecimal:
		return "DECIMAL"
	case mysql.TypeVarchar, mysql.TypeVarString, mysql.TypeString:
		return "VARCHAR"
	case mysql.TypeBlob, mysql.TypeTinyBlob, mysql.TypeMediumBlob, mysql.TypeLongBlob:
		return "BLOB"
	case mysql.TypeDate, mysql.TypeNewDate:
		return "DATE"
	case mysql.TypeDatetime:
		return "DATETIME"
	case mysql.TypeTimestamp:
		return "TIMESTAMP"
	case mysql.TypeDuration:
		return "TIME"
	case mysql.TypeJSON:
		return "JSON"
	case mysql.TypeBit:
		return "BIT"
	default:
		return fmt.Sprintf("TYPE(%d)", t)
	}
}
