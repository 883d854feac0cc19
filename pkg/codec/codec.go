// Package codec implements the key/value encoding of row keys,
// unique- and non-unique-index keys, and row values. Follows a
// KeyEncoder/ValueEncoder/RowCodec split, generalized from
// string-prefixed keys to a binary, region-sortable key format.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pingcap/tidb/pkg/parser/mysql"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
)

// Key prefixes discriminate row keys from index keys within the same
// table's key range; kept as single bytes so region boundaries stay
// tight byte ranges. A real store would slot these after the table ID
// the same way TiDB's 'm'/'t' namespace bytes do; this coordinator
// only needs them to be distinct and ordered ('i' < 'r', so index keys
// sort before row keys).
const (
	prefixRow   byte = 'r'
	prefixIndex byte = 'i'
)

// DeleteMarker is the empty-byte-value sentinel for a delete (§6).
var DeleteMarker = []byte{}

// nonUniqueValueMarker is the single-byte placeholder value stored at
// non-unique index keys (§4.6); the key itself already carries the
// handle, so the value carries no information.
var nonUniqueValueMarker = []byte{'0'}

// EncodeRowKey builds RowKey(tableId, handle): prefix, big-endian
// table ID, big-endian signed handle. Monotonic in handle among
// non-negative handles of a fixed table, so region routing can
// binary-search it directly; negative handles (two's complement) sort
// after every non-negative one.
func EncodeRowKey(tableID, handle int64) []byte {
	buf := make([]byte, 0, 1+8+8)
	buf = append(buf, prefixRow)
	buf = appendInt64(buf, tableID)
	buf = appendInt64(buf, handle)
	return buf
}

// EncodeUniqueIndexKey builds UniqueIndexKey(tableId, indexId,
// indexValues): prefix, table ID, index ID, then the canonicalized
// index column values in index-column order. No handle is embedded —
// the handle lives only in the value (decodeHandleFromUniqueIndex).
func EncodeUniqueIndexKey(tableID int64, idx catalog.Index, row []any, desc *catalog.Table) ([]byte, error) {
	buf := make([]byte, 0, 1+8+8+16*len(idx.Columns))
	buf = append(buf, prefixIndex)
	buf = appendInt64(buf, tableID)
	buf = appendInt64(buf, idx.IndexID)
	for _, off := range idx.Columns {
		if off < 0 || off >= len(desc.Columns) {
			return nil, fmt.Errorf("codec: index %d references out-of-range column offset %d", idx.IndexID, off)
		}
		encoded, err := encodeValue(desc.Columns[off].Type, row[off])
		if err != nil {
			return nil, fmt.Errorf("codec: encode index %d column %s: %w", idx.IndexID, desc.Columns[off].Name, err)
		}
		buf = appendLengthPrefixed(buf, encoded)
	}
	return buf, nil
}

// EncodeNonUniqueIndexKey builds NonUniqueIndexKey(tableId, indexId,
// indexValues, handle): identical to EncodeUniqueIndexKey but with the
// handle appended, since non-unique index values alone do not
// disambiguate rows (§4.1).
func EncodeNonUniqueIndexKey(tableID int64, idx catalog.Index, row []any, handle int64, desc *catalog.Table) ([]byte, error) {
	key, err := EncodeUniqueIndexKey(tableID, idx, row, desc)
	if err != nil {
		return nil, err
	}
	return appendInt64(key, handle), nil
}

// EncodeHandle renders a handle as the 8-byte big-endian signed value
// stored at unique-index keys (§3).
func EncodeHandle(handle int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(handle))
	return buf
}

// DecodeHandleFromUniqueIndex implements decodeHandleFromUniqueIndex.
func DecodeHandleFromUniqueIndex(value []byte) (int64, error) {
	if len(value) != 8 {
		return 0, fmt.Errorf("codec: unique-index value must be 8 bytes, got %d", len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

// NonUniqueIndexValue returns the single-byte marker stored at
// non-unique index keys.
func NonUniqueIndexValue() []byte {
	return append([]byte(nil), nonUniqueValueMarker...)
}

// EncodeRowValue implements encodeRowValue. The row value is a
// length-prefixed sequence of canonicalized column encodings, in
// table column order; pkIsHandle columns are still stored (the value
// is self-contained, independent of how the handle was derived).
func EncodeRowValue(desc *catalog.Table, row []any) ([]byte, error) {
	if len(row) != len(desc.Columns) {
		return nil, fmt.Errorf("codec: row has %d values, table %s has %d columns", len(row), desc.Name, len(desc.Columns))
	}
	var buf bytes.Buffer
	for i, col := range desc.Columns {
		encoded, err := encodeValue(col.Type, row[i])
		if err != nil {
			return nil, fmt.Errorf("codec: encode column %s: %w", col.Name, err)
		}
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(encoded)))
		isNull := byte(0)
		if row[i] == nil {
			isNull = 1
		}
		buf.WriteByte(isNull)
		buf.Write(lenBuf)
		buf.Write(encoded)
	}
	return buf.Bytes(), nil
}

// DecodeRowValue implements decodeRowValue, the inverse of
// EncodeRowValue, reconstructing one value per declared column.
func DecodeRowValue(data []byte, handle int64, desc *catalog.Table) ([]any, error) {
	row := make([]any, len(desc.Columns))
	pos := 0
	for i, col := range desc.Columns {
		if pos+5 > len(data) {
			return nil, fmt.Errorf("codec: truncated row value at column %s", col.Name)
		}
		isNull := data[pos]
		length := binary.BigEndian.Uint32(data[pos+1 : pos+5])
		pos += 5
		if pos+int(length) > len(data) {
			return nil, fmt.Errorf("codec: truncated row value payload at column %s", col.Name)
		}
		raw := data[pos : pos+int(length)]
		pos += int(length)

		if isNull == 1 {
			row[i] = nil
			continue
		}
		val, err := decodeValue(col.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("codec: decode column %s: %w", col.Name, err)
		}
		row[i] = val
	}
	if desc.PKIsHandle && desc.HandleColumn < len(row) {
		row[desc.HandleColumn] = handle
	}
	return row, nil
}

func appendInt64(buf []byte, v int64) []byte {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, uint64(v))
	return append(buf, tmp...)
}

func appendLengthPrefixed(buf []byte, v []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(v)))
	buf = append(buf, lenBuf...)
	return append(buf, v...)
}

// encodeValue canonicalizes a single Go value to its on-disk byte
// encoding for the given declared column type. Integers are
// big-endian fixed-width so that encoded index keys retain a byte
// order compatible with numeric order (§3); everything else is
// length-prefixed bytes so the format round-trips exactly.
func encodeValue(colType byte, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch colType {
	case mysql.TypeTiny, mysql.TypeShort, mysql.TypeInt24, mysql.TypeLong, mysql.TypeLonglong:
		i, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		// XOR the sign bit so two's-complement negatives sort before
		// positives under plain byte-wise comparison.
		binary.BigEndian.PutUint64(buf, uint64(i)^(1<<63))
		return buf, nil
	case mysql.TypeFloat, mysql.TypeDouble:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil
	case mysql.TypeVarchar, mysql.TypeVarString, mysql.TypeString, mysql.TypeBlob,
		mysql.TypeTinyBlob, mysql.TypeMediumBlob, mysql.TypeLongBlob, mysql.TypeJSON:
		switch s := v.(type) {
		case string:
			return []byte(s), nil
		case []byte:
			return s, nil
		default:
			return []byte(fmt.Sprintf("%v", v)), nil
		}
	default:
		return []byte(fmt.Sprintf("%v", v)), nil
	}
}

func decodeValue(colType byte, raw []byte) (any, error) {
	switch colType {
	case mysql.TypeTiny, mysql.TypeShort, mysql.TypeInt24, mysql.TypeLong, mysql.TypeLonglong:
		if len(raw) != 8 {
			return nil, fmt.Errorf("integer value must be 8 bytes, got %d", len(raw))
		}
		u := binary.BigEndian.Uint64(raw) ^ (1 << 63)
		return int64(u), nil
	case mysql.TypeFloat, mysql.TypeDouble:
		if len(raw) != 8 {
			return nil, fmt.Errorf("float value must be 8 bytes, got %d", len(raw))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	case mysql.TypeVarchar, mysql.TypeVarString, mysql.TypeString, mysql.TypeBlob,
		mysql.TypeTinyBlob, mysql.TypeMediumBlob, mysql.TypeLongBlob, mysql.TypeJSON:
		return string(raw), nil
	default:
		return string(raw), nil
	}
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case float64:
		return int64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case int:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
