// Package kvexpand implements the KV Expander (C6, §4.6): producing
// one row-KV and K index-KVs per (row, handle, mode). Grounded on the
// teacher's RowCodec/KeyEncoder split (pkg/resource/badger), composed
// here over pkg/codec instead of reimplementing encoding.
package kvexpand

import (
	"fmt"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/codec"
	"github.com/xiejiajun/tispark-go/pkg/kvstore"
)

// Mode is put or delete (§4.6).
type Mode int

const (
	ModePut Mode = iota
	ModeDelete
)

// Expand implements §4.6: given (row, handle, mode), produce exactly
// 1+numIndices KV pairs — a row-KV plus one KV per declared index.
func Expand(desc *catalog.Table, row []any, handle int64, mode Mode) ([]kvstore.KV, error) {
	out := make([]kvstore.KV, 0, 1+len(desc.Indices))

	rowKey := codec.EncodeRowKey(desc.TableID, handle)
	if mode == ModeDelete {
		out = append(out, kvstore.KV{Key: rowKey, Value: codec.DeleteMarker})
	} else {
		value, err := codec.EncodeRowValue(desc, row)
		if err != nil {
			return nil, fmt.Errorf("kvexpand: encode row value for handle %d: %w", handle, err)
		}
		out = append(out, kvstore.KV{Key: rowKey, Value: value})
	}

	for _, idx := range desc.Indices {
		if idx.Unique {
			key, err := codec.EncodeUniqueIndexKey(desc.TableID, idx, row, desc)
			if err != nil {
				return nil, fmt.Errorf("kvexpand: encode unique index %d: %w", idx.IndexID, err)
			}
			value := codec.DeleteMarker
			if mode == ModePut {
				value = codec.EncodeHandle(handle)
			}
			out = append(out, kvstore.KV{Key: key, Value: value})
			continue
		}

		key, err := codec.EncodeNonUniqueIndexKey(desc.TableID, idx, row, handle, desc)
		if err != nil {
			return nil, fmt.Errorf("kvexpand: encode non-unique index %d: %w", idx.IndexID, err)
		}
		value := codec.DeleteMarker
		if mode == ModePut {
			value = codec.NonUniqueIndexValue()
		}
		out = append(out, kvstore.KV{Key: key, Value: value})
	}

	return out, nil
}

// ExpandAll runs Expand over a batch of (row, handle) pairs, all in
// the same mode.
func ExpandAll(desc *catalog.Table, rows [][]any, handles []int64, mode Mode) ([]kvstore.KV, error) {
	if len(rows) != len(handles) {
		return nil, fmt.Errorf("kvexpand: %d rows but %d handles", len(rows), len(handles))
	}
	out := make([]kvstore.KV, 0, len(rows)*2)
	for i, row := range rows {
		kvs, err := Expand(desc, row, handles[i], mode)
		if err != nil {
			return nil, err
		}
		out = append(out, kvs...)
	}
	return out, nil
}

// Merge implements the insert-over-delete merge of §4.5/§4.6: group
// puts and deletes by encoded key; within a group, any put masks any
// delete.
func Merge(puts, deletes []kvstore.KV) []kvstore.KV {
	byKey := make(map[string]kvstore.KV, len(puts)+len(deletes))
	order := make([]string, 0, len(puts)+len(deletes))

	for _, kv := range deletes {
		k := string(kv.Key)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = kv
	}
	for _, kv := range puts {
		k := string(kv.Key)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = kv // put masks delete, and any earlier put, for the same key
	}

	out := make([]kvstore.KV, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}
