// Package dedup implements the Deduplicator (C4, §4.4): collapsing
// duplicate primary-handle and unique-index keys within one write's
// input. Rows are split into shardCount shards by input position
// (row i goes to shard i % shardCount), each shard is deduped on its
// own goroutine, and the survivors are then reduced across shards.
// Shards are not chosen by hashing the row or index key.
package dedup

import (
	"context"
	"sync"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/codec"
)

// Row pairs one normalized internal row with its assigned handle, the
// unit C4 operates on (§4.4).
type Row struct {
	Handle int64
	Values []any
}

// Deduplicate implements §4.4: group by rowKey (when pkIsHandle) and
// by each unique-index key, retaining one arbitrary-but-deterministic
// representative per group. "Deterministic per partition" is realized
// here by always keeping the first-seen row of a shard in input
// order, and shards are processed with a fixed, input-order-stable
// split so re-running the same input produces the same survivors.
func Deduplicate(ctx context.Context, desc *catalog.Table, rows []Row, shardCount int) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if shardCount <= 0 {
		shardCount = 1
	}

	shards := make([][]Row, shardCount)
	for i, r := range rows {
		shard := i % shardCount
		shards[shard] = append(shards[shard], r)
	}

	deduped := make([][]Row, shardCount)
	errs := make([]error, shardCount)
	var wg sync.WaitGroup
	for i := range shards {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := dedupeShard(desc, shards[i])
			deduped[i] = out
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	// A row surviving its own shard can still collide with a survivor
	// from another shard (duplicates aren't necessarily co-located by
	// the i%shardCount split), so reduce once more over the
	// shard-local survivors, in shard order, to guarantee a single
	// deterministic representative overall.
	var merged []Row
	for _, shard := range deduped {
		merged = append(merged, shard...)
	}
	return dedupeShard(desc, merged)
}



func dedupeShard(desc *catalog.Table, rows []Row) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	seenRowKey := make(map[string]bool, len(rows))
	seenIndexKey := make(map[string]bool, len(rows))
	out := make([]Row, 0, len(rows))

	for _, r := range rows {
		rowKeyDup := false
		if desc.PKIsHandle {
			k := string(codec.EncodeRowKey(desc.TableID, r.Handle))
			if seenRowKey[k] {
				rowKeyDup = true
			} else {
				seenRowKey[k] = true
			}
		}
		if rowKeyDup {
			continue
		}

		indexDup := false
		var indexKeys []string
		for _, idx := range desc.Indices {
			if !idx.Unique {
				continue
			}
			key, err := codec.EncodeUniqueIndexKey(desc.TableID, idx, r.Values, desc)
			if err != nil {
				return nil, err
			}
			ks := string(key)
			if seenIndexKey[ks] {
				indexDup = true
				break
			}
			indexKeys = append(indexKeys, ks)
		}
		if indexDup {
			continue
		}
		for _, ks := range indexKeys {
			seenIndexKey[ks] = true
		}

		out = append(out, r)
	}
	return out, nil
}
