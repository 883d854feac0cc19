// Package tablelock implements Table Lock & Region Split (C9, §4.9):
// an optional pessimistic table write-lock over the side-channel, and
// fire-and-forget pre-split hints for the table's and its indices'
// regions. Carries the `database/sql` dialect conventions used by
// pkg/sidechannel, and follows pkg/reliability/error_recovery.go's
// "log and continue" texture for the non-test-mode error-swallowing
// path.
package tablelock

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/xiejiajun/tispark-go/pkg/bwerr"
	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/codec"
	"github.com/xiejiajun/tispark-go/pkg/sidechannel"
)

// RegionSplitMinHandleSpan is the empirical constant from §9: a table
// split is only worth sending when the handle range spans more than
// regionSplitNum * this many handles.
const RegionSplitMinHandleSpan = 1000

// DefaultSplitSizeMB is used to estimate a split count from
// totalBytes when the caller didn't supply an explicit regionSplitNum.
const DefaultSplitSizeMB = 96

// Manager drives table-lock acquisition/release and region-split hints
// over a single sidechannel.Channel, which lives on the coordinator
// only (§5).
type Manager struct {
	channel sidechannel.Channel
	logger  *zap.Logger
	locked  bool
}

// New wraps an already-dialed side-channel. A nil channel makes every
// method a no-op returning nil, for the common case where no side
// channel was configured at all.
func New(channel sidechannel.Channel, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{channel: channel, logger: logger.Named("tablelock")}
}

// AcquireTableLock implements §4.8 step 2: attempt LOCK TABLES ...
// WRITE LOCAL. If the channel reports the lock unsupported, the write
// fails unless writeWithoutLock is set (the escape hatch).
func (m *Manager) AcquireTableLock(ctx context.Context, database, table string, writeWithoutLock bool) (held bool, err error) {
	if m.channel == nil {
		return false, nil
	}
	if err := m.channel.LockTable(ctx, database, table); err != nil {
		if writeWithoutLock {
			m.logger.Warn("table lock unsupported, proceeding without it",
				zap.String("database", database), zap.String("table", table))
			return false, nil
		}
		return false, err
	}
	m.locked = true
	return true, nil
}

// ReleaseTableLock implements §4.8 step 14: release after primary
// commit. Safe to call even when no lock was acquired.
func (m *Manager) ReleaseTableLock(ctx context.Context) error {
	if m.channel == nil || !m.locked {
		return nil
	}
	m.locked = false
	return m.channel.UnlockTable(ctx)
}

// Healthy implements §4.8 step 11: check the side-channel is still
// usable before primary commit. A nil channel (no side-channel
// configured) is always healthy — there is nothing to check.
func (m *Manager) Healthy(ctx context.Context) bool {
	if m.channel == nil {
		return true
	}
	return m.channel.Healthy(ctx)
}

// SplitOptions controls the region-split heuristics of §4.9.
type SplitOptions struct {
	EnableRegionSplit bool
	RegionSplitNum    int
	IsTest            bool
	SplitSizeMB       int64
}

// RequestTableSplit implements the non-index branch of §4.9.
func (m *Manager) RequestTableSplit(ctx context.Context, desc *catalog.Table, database, table string, minHandle, maxHandle, totalBytes int64, opts SplitOptions) error {
	if m.channel == nil || !opts.EnableRegionSplit {
		return nil
	}

	var startKey, endKey []byte
	var splitCount int

	if opts.RegionSplitNum > 0 {
		splitCount = opts.RegionSplitNum
		startKey = codec.EncodeRowKey(desc.TableID, 0)
		endKey = codec.EncodeRowKey(desc.TableID, math.MaxInt32)
	} else {
		splitSizeMB := opts.SplitSizeMB
		if splitSizeMB <= 0 {
			splitSizeMB = DefaultSplitSizeMB
		}
		splitCount = int(ceilDiv(totalBytes, splitSizeMB*1024*1024))
		if splitCount <= 0 {
			return nil
		}
		if maxHandle-minHandle <= int64(splitCount)*RegionSplitMinHandleSpan {
			return nil
		}
		startKey = codec.EncodeRowKey(desc.TableID, minHandle)
		endKey = codec.EncodeRowKey(desc.TableID, maxHandle)
	}

	return m.requestSplit(ctx, database, table, startKey, endKey, splitCount, opts.IsTest)
}

// RequestIndexSplits implements the index branch of §4.9: per index,
// sort the input by the first indexed column's string representation,
// take min/max, and request a split over that range. Skipped when
// regionSplitNum <= 1.
func (m *Manager) RequestIndexSplits(ctx context.Context, desc *catalog.Table, database, table string, rows [][]any, opts SplitOptions) error {
	if m.channel == nil || !opts.EnableRegionSplit || opts.RegionSplitNum <= 1 {
		return nil
	}

	for _, idx := range desc.Indices {
		if len(idx.Columns) == 0 || len(rows) == 0 {
			continue
		}
		firstCol := idx.Columns[0]

		sorted := make([][]any, len(rows))
		copy(sorted, rows)
		sort.Slice(sorted, func(i, j int) bool {
			return stringOf(sorted[i][firstCol]) < stringOf(sorted[j][firstCol])
		})
		minRow, maxRow := sorted[0], sorted[len(sorted)-1]

		startKey, err := codec.EncodeNonUniqueIndexKey(desc.TableID, idx, minRow, 0, desc)
		if err != nil {
			return err
		}
		endKey, err := codec.EncodeNonUniqueIndexKey(desc.TableID, idx, maxRow, 0, desc)
		if err != nil {
			return err
		}

		if err := m.requestSplit(ctx, database, table, startKey, endKey, opts.RegionSplitNum, opts.IsTest); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) requestSplit(ctx context.Context, database, table string, startKey, endKey []byte, splitCount int, isTest bool) error {
	err := m.channel.RequestSplit(ctx, database, table, startKey, endKey, splitCount)
	if err == nil {
		return nil
	}
	if isTest {
		return bwerr.ErrSideChannel(err)
	}
	m.logger.Warn("region split hint rejected, ignoring",
		zap.String("database", database), zap.String("table", table), zap.Error(err))
	return nil
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
