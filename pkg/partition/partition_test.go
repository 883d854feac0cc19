package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiejiajun/tispark-go/pkg/kvstore"
	"github.com/xiejiajun/tispark-go/pkg/pdclient"
)

func threeRegions() []pdclient.Region {
	return []pdclient.Region{
		{ID: 1, EndKey: []byte("d")},
		{ID: 2, EndKey: []byte("m")},
		{ID: 3, EndKey: nil},
	}
}

func TestRegionIndex_BinarySearch(t *testing.T) {
	r := NewRouter(threeRegions(), 0)

	assert.Equal(t, 0, r.RegionIndex([]byte("a")))
	assert.Equal(t, 1, r.RegionIndex([]byte("e")))
	assert.Equal(t, 2, r.RegionIndex([]byte("z")))
}

func TestPartition_WriteConcurrencyLTEZero_UsesRegionCount(t *testing.T) {
	r := NewRouter(threeRegions(), 0)
	assert.Equal(t, 3, r.PartitionCount())
	assert.Equal(t, r.RegionIndex([]byte("a")), r.Partition([]byte("a")))
}

func TestPartition_ModsByWriteConcurrency(t *testing.T) {
	r := NewRouter(threeRegions(), 2)
	assert.Equal(t, 2, r.PartitionCount())
	assert.Equal(t, 2%2, r.Partition([]byte("z"))) // region index 2 mod 2 == 0
}

func TestRoute_GroupsByPartitionAndDedupes(t *testing.T) {
	r := NewRouter(threeRegions(), 0)
	kvs := []kvstore.KV{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("a"), Value: []byte("2")}, // duplicate key, first wins
		{Key: []byte("z"), Value: []byte("9")},
	}

	partitions := Route(r, kvs)
	total := 0
	for _, p := range partitions {
		total += len(p.KVs)
	}
	assert.Equal(t, 2, total)

	for _, p := range partitions {
		if p.Index == 0 {
			assert.Equal(t, []byte("1"), p.KVs[0].Value)
		}
	}
}

func TestRoute_Empty(t *testing.T) {
	r := NewRouter(threeRegions(), 0)
	assert.Empty(t, Route(r, nil))
}
