// Package conflict implements the Conflict Resolver (C5, §4.5):
// reading existing row/index entries from a startTs snapshot that
// collide with the input, so they can be overwritten atomically.
// Follows a snapshot-read pattern generalized from a local *badger.Txn
// to the kvstore.Snapshot RPC contract.
package conflict

import (
	"context"
	"fmt"

	"github.com/xiejiajun/tispark-go/pkg/bwerr"
	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/codec"
	"github.com/xiejiajun/tispark-go/pkg/dedup"
	"github.com/xiejiajun/tispark-go/pkg/kvstore"
)

// OldRow is an existing row discovered to collide with the input,
// identified by its own handle (distinct from any new handle it
// collides with).
type OldRow struct {
	Handle int64
	Values []any
}

// Resolve implements §4.5 steps 1-4 for one partition's worth of
// deduped input rows, batched by batchSize snapshot.batchGet calls.
func Resolve(ctx context.Context, desc *catalog.Table, snapshot kvstore.Snapshot, rows []dedup.Row, batchSize int) ([]OldRow, error) {
	if batchSize <= 0 {
		batchSize = len(rows)
		if batchSize == 0 {
			batchSize = 1
		}
	}

	byHandleKey := make(map[string]OldRow)

	// Step 1: handle batch.
	if desc.PKIsHandle {
		rowKeys := make([][]byte, len(rows))
		for i, r := range rows {
			rowKeys[i] = codec.EncodeRowKey(desc.TableID, r.Handle)
		}
		hits, err := batchGetAll(ctx, snapshot, rowKeys, batchSize)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			key := codec.EncodeRowKey(desc.TableID, r.Handle)
			raw, ok := hits[string(key)]
			if !ok {
				continue
			}
			old, err := codec.DecodeRowValue(raw, r.Handle, desc)
			if err != nil {
				return nil, fmt.Errorf("conflict: decode existing row at handle %d: %w", r.Handle, err)
			}
			byHandleKey[string(key)] = OldRow{Handle: r.Handle, Values: old}
		}
	}

	// Step 2: unique-index batch, one per unique index.
	var oldHandles []int64
	for _, idx := range desc.Indices {
		if !idx.Unique {
			continue
		}
		indexKeys := make([][]byte, len(rows))
		for i, r := range rows {
			key, err := codec.EncodeUniqueIndexKey(desc.TableID, idx, r.Values, desc)
			if err != nil {
				return nil, err
			}
			indexKeys[i] = key
		}
		hits, err := batchGetAll(ctx, snapshot, indexKeys, batchSize)
		if err != nil {
			return nil, err
		}
		for _, raw := range hits {
			handle, err := codec.DecodeHandleFromUniqueIndex(raw)
			if err != nil {
				return nil, fmt.Errorf("conflict: decode handle from unique index %d: %w", idx.IndexID, err)
			}
			oldHandles = append(oldHandles, handle)
		}
	}

	// Step 3: second-level row probe for handles discovered via
	// unique indices — the index value alone doesn't carry the row.
	if len(oldHandles) > 0 {
		rowKeys := make([][]byte, len(oldHandles))
		for i, h := range oldHandles {
			rowKeys[i] = codec.EncodeRowKey(desc.TableID, h)
		}
		hits, err := batchGetAll(ctx, snapshot, rowKeys, batchSize)
		if err != nil {
			return nil, err
		}
		for i, h := range oldHandles {
			key := rowKeys[i]
			raw, ok := hits[string(key)]
			if !ok {
				continue
			}
			old, err := codec.DecodeRowValue(raw, h, desc)
			if err != nil {
				return nil, fmt.Errorf("conflict: decode existing row at handle %d (via unique index): %w", h, err)
			}
			byHandleKey[string(key)] = OldRow{Handle: h, Values: old}
		}
	}

	// Step 4: union of step-1 and step-3 results.
	out := make([]OldRow, 0, len(byHandleKey))
	for _, old := range byHandleKey {
		out = append(out, old)
	}
	return out, nil
}

// CheckReplace implements §4.5's replace-mode gate: fail the write if
// conflicts were found and replace is false.
func CheckReplace(conflicts []OldRow, replace bool) error {
	if len(conflicts) > 0 && !replace {
		return bwerr.ErrConflictFound(len(conflicts))
	}
	return nil
}

func batchGetAll(ctx context.Context, snapshot kvstore.Snapshot, keys [][]byte, batchSize int) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		hits, err := snapshot.BatchGet(ctx, keys[start:end])
		if err != nil {
			return nil, bwerr.ErrKVRPC("batchGet", err)
		}
		for k, v := range hits {
			out[k] = v
		}
	}
	return out, nil
}
