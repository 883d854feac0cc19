// Package partition implements the Region Partitioner (C7, §4.7):
// routing KV pairs to workers by owning region, capped by
// writeConcurrency. Uses sort.Search for the region binary search
// (see DESIGN.md) and pkg/workerpool's Config{Size} partition-cap
// idiom for the concurrency cap.
package partition

import (
	"bytes"
	"sort"

	"github.com/xiejiajun/tispark-go/pkg/kvstore"
	"github.com/xiejiajun/tispark-go/pkg/pdclient"
)

// Router routes keys to partitions using a fixed, sorted region list.
type Router struct {
	regions          []pdclient.Region
	writeConcurrency int
	partitionCount   int
}

// NewRouter builds a Router over regions (must be sorted by EndKey
// ascending, last EndKey nil meaning unbounded) with the given
// writeConcurrency (§4.7: "regionIndex mod writeConcurrency", or
// regionIndex itself when writeConcurrency <= 0).
func NewRouter(regions []pdclient.Region, writeConcurrency int) *Router {
	partitionCount := writeConcurrency
	if partitionCount <= 0 {
		partitionCount = len(regions)
		if partitionCount == 0 {
			partitionCount = 1
		}
	}
	return &Router{
		regions:          regions,
		writeConcurrency: writeConcurrency,
		partitionCount:   partitionCount,
	}
}

// PartitionCount returns the number of partitions KVs may be routed
// to.
func (r *Router) PartitionCount() int {
	return r.partitionCount
}

// RegionIndex finds the owning region of key via binary search on
// EndKey (§4.7), returning the region's position in the sorted list.
func (r *Router) RegionIndex(key []byte) int {
	if len(r.regions) == 0 {
		return 0
	}
	idx := sort.Search(len(r.regions), func(i int) bool {
		end := r.regions[i].EndKey
		if end == nil {
			return true // unbounded last region always "contains" key
		}
		return bytes.Compare(key, end) < 0
	})
	if idx >= len(r.regions) {
		idx = len(r.regions) - 1
	}
	return idx
}

// Partition maps key to its worker partition index: regionIndex mod
// partitionCount (or regionIndex itself when writeConcurrency <= 0,
// in which case partitionCount == len(regions) and the mod is a
// no-op).
func (r *Router) Partition(key []byte) int {
	regionIdx := r.RegionIndex(key)
	if r.partitionCount == 0 {
		return 0
	}
	return regionIdx % r.partitionCount
}

// Partitioned is one partition's KV pairs, keyed by the worker index
// assigned by Partition.
type Partitioned struct {
	Index int
	KVs   []kvstore.KV
}

// Route distributes kvs across partitions via the router, running a
// reduceByKey pre-step that collapses any residual duplicate keys —
// a defensive no-op after C4 (§4.7) — by keeping the first value seen
// per key, in input order.
func Route(router *Router, kvs []kvstore.KV) []Partitioned {
	deduped := reduceByKey(kvs)

	buckets := make(map[int][]kvstore.KV, router.PartitionCount())
	order := make([]int, 0, router.PartitionCount())
	for _, kv := range deduped {
		idx := router.Partition(kv.Key)
		if _, ok := buckets[idx]; !ok {
			order = append(order, idx)
		}
		buckets[idx] = append(buckets[idx], kv)
	}

	sort.Ints(order)
	out := make([]Partitioned, 0, len(order))
	for _, idx := range order {
		out = append(out, Partitioned{Index: idx, KVs: buckets[idx]})
	}
	return out
}

func reduceByKey(kvs []kvstore.KV) []kvstore.KV {
	seen := make(map[string]bool, len(kvs))
	out := make([]kvstore.KV, 0, len(kvs))
	for _, kv := range kvs {
		k := string(kv.Key)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, kv)
	}
	return out
}
