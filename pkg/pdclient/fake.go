package pdclient

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Fake is an in-memory Client for tests and local demos: a
// process-wide monotonic counter for timestamps (grounded on the
// teacher's SequenceManager atomic-counter idiom,
// pkg/resource/badger/transaction.go) and a hand-seeded region table.
type Fake struct {
	clock   atomic.Int64
	mu      sync.RWMutex
	regions map[int64][]Region
	splits  []SplitRequest
}

// SplitRequest records a RequestSplit call, inspectable by tests.
type SplitRequest struct {
	StartKey   []byte
	EndKey     []byte
	SplitCount int
}

// NewFake builds a Fake PD client whose clock starts at 1 (timestamp 0
// is reserved to mean "unset").
func NewFake() *Fake {
	f := &Fake{regions: make(map[int64][]Region)}
	f.clock.Store(1)
	return f
}

// SeedRegions installs the region list for tableID, as a real PD would
// report after the table's ranges are created. Regions are sorted by
// EndKey; a nil EndKey sorts last (no upper bound).
func (f *Fake) SeedRegions(tableID int64, regions []Region) {
	sorted := append([]Region(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].EndKey == nil {
			return false
		}
		if sorted[j].EndKey == nil {
			return true
		}
		return bytes.Compare(sorted[i].EndKey, sorted[j].EndKey) < 0
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions[tableID] = sorted
}

// GetTimestamp implements Client: a strictly increasing counter, so
// successive calls always satisfy commitTs > startTs (§8 property 5).
func (f *Fake) GetTimestamp(ctx context.Context) (int64, error) {
	return f.clock.Add(1), nil
}

// ListRegions implements Client.
func (f *Fake) ListRegions(ctx context.Context, tableID int64) ([]Region, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	regions := f.regions[tableID]
	if len(regions) == 0 {
		return []Region{{ID: 1, EndKey: nil}}, nil
	}
	return append([]Region(nil), regions...), nil
}

// RequestSplit implements Client by recording the request; it never
// fails.
func (f *Fake) RequestSplit(ctx context.Context, startKey, endKey []byte, splitCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.splits = append(f.splits, SplitRequest{
		StartKey:   append([]byte(nil), startKey...),
		EndKey:     append([]byte(nil), endKey...),
		SplitCount: splitCount,
	})
	return nil
}

// Splits returns every RequestSplit call observed so far, for test
// assertions.
func (f *Fake) Splits() []SplitRequest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]SplitRequest(nil), f.splits...)
}

var _ Client = (*Fake)(nil)
