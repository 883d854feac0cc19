// Package dataset defines the external compute-engine contract of
// §1: a partitioned, lazily materialized sequence of records with
// named fields. The Dataset interface offers map, filter, count,
// take(n) and per-partition iteration, and NewPartitioned places
// records with a custom Partitioner; it has no group-by-key,
// reduce-by-key, min or max operation. Generalizes a
// DataSource/Row shape from a synchronous CRUD source to a
// partitioned record stream, reading rows lazily and exposing them as
// plain field maps.
package dataset

import (
	"context"
	"sync/atomic"

	"github.com/xiejiajun/tispark-go/pkg/normalize"
)

// Record is one external row with named fields, matched
// case-insensitively against the target table's columns (§6).
type Record = normalize.ExternalRow

// Partitioner assigns a record to a partition index given the total
// partition count, mirroring the compute engine's "reduce-by-key with
// a custom partitioner" contract (§1).
type Partitioner func(key string, partitionCount int) int

// Dataset is a partitioned, lazily materialized record stream. Every
// method that returns a new Dataset is itself lazy: it queues a
// transformation without reading any partition.
type Dataset interface {
	// PartitionCount reports how many partitions the dataset is split
	// into.
	PartitionCount() int

	// ForEachPartition invokes fn once per partition, concurrently, on
	// worker goroutines. fn receives a slice of that partition's
	// records. Every partition's callback runs even after one fails;
	// the first error received is returned.
	ForEachPartition(ctx context.Context, fn func(ctx context.Context, partitionIndex int, records []Record) error) error

	// Map returns a lazily-transformed dataset.
	Map(fn func(Record) Record) Dataset

	// Filter returns a lazily-filtered dataset.
	Filter(fn func(Record) bool) Dataset

	// Count materializes the dataset enough to report its total record
	// count across all partitions.
	Count(ctx context.Context) (int64, error)

	// Take materializes at most n records, in partition order.
	Take(ctx context.Context, n int) ([]Record, error)
}

// collection is the in-memory Dataset used by tests and the local
// demo: partitions are pre-split slices of Record, transformations
// are queued as a function chain applied at materialization time.
type collection struct {
	partitions [][]Record
	transforms []func(Record) (Record, bool) // ok=false drops the record
}

// New partitions rows round-robin into partitionCount partitions,
// preserving input order within each partition.
func New(rows []Record, partitionCount int) Dataset {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	partitions := make([][]Record, partitionCount)
	for i, r := range rows {
		p := i % partitionCount
		partitions[p] = append(partitions[p], r)
	}
	return &collection{partitions: partitions}
}

// NewPartitioned lets the caller control partition assignment
// directly, exercising the compute engine's custom-partitioner
// contract (§1).
func NewPartitioned(rows []Record, partitionCount int, keyFn func(Record) string, partitioner Partitioner) Dataset {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	partitions := make([][]Record, partitionCount)
	for _, r := range rows {
		p := partitioner(keyFn(r), partitionCount)
		if p < 0 || p >= partitionCount {
			p = 0
		}
		partitions[p] = append(partitions[p], r)
	}
	return &collection{partitions: partitions}
}

func (c *collection) PartitionCount() int { return len(c.partitions) }

func (c *collection) apply(r Record) (Record, bool) {
	for _, t := range c.transforms {
		var ok bool
		r, ok = t(r)
		if !ok {
			return nil, false
		}
	}
	return r, true
}

func (c *collection) materializePartition(idx int) []Record {
	src := c.partitions[idx]
	out := make([]Record, 0, len(src))
	for _, r := range src {
		if rr, ok := c.apply(r); ok {
			out = append(out, rr)
		}
	}
	return out
}

func (c *collection) ForEachPartition(ctx context.Context, fn func(ctx context.Context, partitionIndex int, records []Record) error) error {
	errCh := make(chan error, len(c.partitions))
	for i := range c.partitions {
		go func(idx int) {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}
			errCh <- fn(ctx, idx, c.materializePartition(idx))
		}(i)
	}
	var firstErr error
	for range c.partitions {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *collection) Map(fn func(Record) Record) Dataset {
	return &collection{
		partitions: c.partitions,
		transforms: append(append([]func(Record) (Record, bool){}, c.transforms...), func(r Record) (Record, bool) {
			return fn(r), true
		}),
	}
}

func (c *collection) Filter(fn func(Record) bool) Dataset {
	return &collection{
		partitions: c.partitions,
		transforms: append(append([]func(Record) (Record, bool){}, c.transforms...), func(r Record) (Record, bool) {
			if fn(r) {
				return r, true
			}
			return nil, false
		}),
	}
}

func (c *collection) Count(ctx context.Context) (int64, error) {
	var total atomic.Int64
	err := c.ForEachPartition(ctx, func(ctx context.Context, idx int, records []Record) error {
		total.Add(int64(len(records)))
		return nil
	})
	return total.Load(), err
}

func (c *collection) Take(ctx context.Context, n int) ([]Record, error) {
	out := make([]Record, 0, n)
	for i := range c.partitions {
		for _, r := range c.materializePartition(i) {
			if len(out) >= n {
				return out, nil
			}
			out = append(out, r)
		}
	}
	return out, nil
}

var _ Dataset = (*collection)(nil)
