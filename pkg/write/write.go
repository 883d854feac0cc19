// Package write implements the top-level write entrypoint (§5): wiring
// C1-C9 into one call — normalize, allocate handles, dedup, resolve
// conflicts, expand+merge KVs, partition by region, and drive the
// Two-Phase Commit Driver — plus the Write Report (C10) and dry-run
// mode (C11). Follows a "validate preconditions, dispatch, run the
// pipeline, return a report" entrypoint shape.
package write

import (
	"context"

	"go.uber.org/zap"

	"github.com/xiejiajun/tispark-go/pkg/bwerr"
	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/conflict"
	"github.com/xiejiajun/tispark-go/pkg/config"
	"github.com/xiejiajun/tispark-go/pkg/dataset"
	"github.com/xiejiajun/tispark-go/pkg/dedup"
	"github.com/xiejiajun/tispark-go/pkg/handle"
	"github.com/xiejiajun/tispark-go/pkg/kvexpand"
	"github.com/xiejiajun/tispark-go/pkg/kvstore"
	"github.com/xiejiajun/tispark-go/pkg/metaclient"
	"github.com/xiejiajun/tispark-go/pkg/normalize"
	"github.com/xiejiajun/tispark-go/pkg/partition"
	"github.com/xiejiajun/tispark-go/pkg/pdclient"
	"github.com/xiejiajun/tispark-go/pkg/tablelock"
	"github.com/xiejiajun/tispark-go/pkg/txn"
)

// Deps are the coordinator's external collaborators (§1): the KV RPC
// dialer, the Placement Driver, the meta/catalog service, and the
// optional table-lock side-channel.
type Deps struct {
	KVDialer    kvstore.Dialer
	Oracle      pdclient.Client
	Meta        metaclient.Client
	TableLock   *tablelock.Manager // nil-safe; pass nil when no side channel is configured
	Logger      *zap.Logger
}

// Report is the Write Report (C10): the outcome of one Write call.
// Embeds the 2PC driver's report when a commit was actually attempted.
type Report struct {
	txn.Report
	ConflictsResolved int
	RowsWritten        int
	DryRun             bool
	KVs                []kvstore.KV // populated only when DryRun
}

// Coordinator wires C1-C9 over one set of Deps and exposes Write.
type Coordinator struct {
	deps        Deps
	handleAlloc *handle.Allocator
	txnDriver   *txn.Driver
	logger      *zap.Logger
}

// New builds a Coordinator over deps. The knobs passed to Write seed
// any WriteOptions field the caller leaves at its zero value
// (config.WriteOptions.Fill).
func New(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		deps:        deps,
		handleAlloc: handle.New(deps.Meta, handle.DefaultPolicy(), logger),
		txnDriver:   txn.New(deps.KVDialer, deps.Oracle, deps.Meta, deps.TableLock, logger),
		logger:      logger.Named("write"),
	}
}

// Write implements the full pipeline of §4-§5 for one batch: resolve
// the table descriptor, validate it against the Non-goals, optionally
// hold the table lock, run C3-C7, and (unless DryRun) drive C8.
func (c *Coordinator) Write(ctx context.Context, database, table string, ds dataset.Dataset, opts config.WriteOptions, knobs config.DefaultWriteKnobs) (Report, error) {
	opts = opts.Fill(knobs)

	desc, err := c.deps.Meta.GetTable(ctx, database, table)
	if err != nil {
		return Report{}, bwerr.ErrMetaService(err)
	}
	if err := validateNonGoals(desc); err != nil {
		return Report{}, err
	}

	startTs, err := c.deps.Oracle.GetTimestamp(ctx)
	if err != nil {
		return Report{}, bwerr.ErrTimestampOracle(err)
	}

	var tableLockHeld bool
	if opts.UseTableLock && !opts.DryRun {
		if c.deps.TableLock == nil {
			return Report{}, bwerr.ErrTableLockUnsupported()
		}
		held, err := c.deps.TableLock.AcquireTableLock(ctx, database, table, opts.WriteWithoutLockTable)
		if err != nil {
			return Report{}, err
		}
		tableLockHeld = held
		defer func() {
			if tableLockHeld {
				if err := c.deps.TableLock.ReleaseTableLock(ctx); err != nil {
					c.logger.Warn("failed to release table lock after write", zap.Error(err))
				}
			}
		}()
	}

	rows, err := collectRows(ctx, ds)
	if err != nil {
		return Report{}, err
	}
	if len(rows) == 0 {
		return Report{DryRun: opts.DryRun}, nil
	}

	normalizer := normalize.New(desc, c.handleAlloc)
	internalRows, err := normalizer.NormalizeBatch(ctx, rows)
	if err != nil {
		return Report{}, err
	}

	handles, err := c.assignHandles(ctx, desc, internalRows)
	if err != nil {
		return Report{}, err
	}

	dedupInput := make([]dedup.Row, len(internalRows))
	for i, r := range internalRows {
		dedupInput[i] = dedup.Row{Handle: handles[i], Values: r}
	}
	concurrency := opts.WriteConcurrency
	deduped, err := dedup.Deduplicate(ctx, desc, dedupInput, concurrency)
	if err != nil {
		return Report{}, err
	}

	client, err := c.deps.KVDialer.Dial(ctx)
	if err != nil {
		return Report{}, bwerr.ErrKVRPC("dial", err)
	}
	defer client.Close()
	snapshot, err := client.Snapshot(ctx, startTs)
	if err != nil {
		return Report{}, bwerr.ErrKVRPC("snapshot", err)
	}

	conflictDesc := desc
	if !opts.ConstraintCheckIsNeeded {
		conflictDesc = withoutUniqueIndices(desc)
	}
	conflicts, err := conflict.Resolve(ctx, conflictDesc, snapshot, deduped, opts.SnapshotBatchGetSize)
	if err != nil {
		return Report{}, err
	}
	if err := conflict.CheckReplace(conflicts, opts.Replace); err != nil {
		return Report{}, err
	}

	values := make([][]any, len(deduped))
	newHandles := make([]int64, len(deduped))
	for i, r := range deduped {
		values[i] = r.Values
		newHandles[i] = r.Handle
	}
	puts, err := kvexpand.ExpandAll(desc, values, newHandles, kvexpand.ModePut)
	if err != nil {
		return Report{}, err
	}

	oldValues := make([][]any, len(conflicts))
	oldHandles := make([]int64, len(conflicts))
	for i, o := range conflicts {
		oldValues[i] = o.Values
		oldHandles[i] = o.Handle
	}
	deletes, err := kvexpand.ExpandAll(desc, oldValues, oldHandles, kvexpand.ModeDelete)
	if err != nil {
		return Report{}, err
	}
	merged := kvexpand.Merge(puts, deletes)

	report := Report{ConflictsResolved: len(conflicts), RowsWritten: len(deduped), DryRun: opts.DryRun}

	regions, err := c.deps.Oracle.ListRegions(ctx, desc.TableID)
	if err != nil {
		return report, bwerr.ErrTimestampOracle(err)
	}
	router := partition.NewRouter(regions, opts.WriteConcurrency)
	routed := partition.Route(router, merged)
	if opts.DryRun {
		report.KVs = merged
		return report, nil
	}
	txnPartitions := make([]txn.Partition, len(routed))
	for i, p := range routed {
		txnPartitions[i] = txn.Partition{Index: p.Index, KVs: p.KVs}
	}

	txnReport, err := c.txnDriver.Commit(ctx, desc, startTs, txnPartitions, txn.Options{
		WriteConcurrency:          opts.WriteConcurrency,
		SkipCommitSecondaryKey:    opts.SkipCommitSecondaryKey,
		IsTTLUpdate:               opts.IsTTLUpdate,
		LockTTLSeconds:            opts.LockTTLSeconds,
		TableLockHeld:             tableLockHeld,
		SideChannelInUse:          opts.UseTableLock,
		SleepAfterPrewritePrimary: opts.SleepAfterPrewritePrimaryKey,
		SleepAfterPrewriteSecond:  opts.SleepAfterPrewriteSecondaryKey,
		SleepAfterGetCommitTS:     opts.SleepAfterGetCommitTS,
	})
	report.Report = txnReport
	if err != nil {
		return report, err
	}

	if opts.EnableRegionSplit && c.deps.TableLock != nil {
		c.requestSplits(ctx, desc, database, table, newHandles, values, merged, opts)
	}

	return report, nil
}

func (c *Coordinator) assignHandles(ctx context.Context, desc *catalog.Table, internalRows [][]any) ([]int64, error) {
	handles := make([]int64, len(internalRows))
	if desc.PKIsHandle {
		for i, r := range internalRows {
			v, ok := r[desc.HandleColumn].(int64)
			if !ok {
				return nil, bwerr.ErrNullInNonNullColumn(desc.Columns[desc.HandleColumn].Name)
			}
			handles[i] = v
		}
		return handles, nil
	}

	base, err := c.handleAlloc.Allocate(ctx, 0, desc.TableID, int64(len(internalRows)), false)
	if err != nil {
		return nil, err
	}
	for i := range internalRows {
		handles[i] = base + int64(i)
	}
	return handles, nil
}

func (c *Coordinator) requestSplits(ctx context.Context, desc *catalog.Table, database, table string, handles []int64, values [][]any, merged []kvstore.KV, opts config.WriteOptions) {
	if len(handles) == 0 {
		return
	}
	minH, maxH := handles[0], handles[0]
	for _, h := range handles[1:] {
		if h < minH {
			minH = h
		}
		if h > maxH {
			maxH = h
		}
	}
	var totalBytes int64
	for _, kv := range merged {
		totalBytes += int64(len(kv.Key) + len(kv.Value))
	}

	splitOpts := tablelock.SplitOptions{
		EnableRegionSplit: opts.EnableRegionSplit,
		RegionSplitNum:    opts.RegionSplitNum,
		IsTest:            opts.IsTest,
	}
	if err := c.deps.TableLock.RequestTableSplit(ctx, desc, database, table, minH, maxH, totalBytes, splitOpts); err != nil {
		c.logger.Warn("table split request failed", zap.Error(err))
	}
	if err := c.deps.TableLock.RequestIndexSplits(ctx, desc, database, table, values, splitOpts); err != nil {
		c.logger.Warn("index split request failed", zap.Error(err))
	}
}

// collectRows materializes the whole dataset in partition order —
// deterministic for a given Dataset, used as "input order" for handle
// assignment (§4.2) and auto-increment filling (§4.3).
func collectRows(ctx context.Context, ds dataset.Dataset) ([]normalize.ExternalRow, error) {
	total, err := ds.Count(ctx)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	return ds.Take(ctx, int(total))
}

func withoutUniqueIndices(desc *catalog.Table) *catalog.Table {
	clone := desc.Clone()
	filtered := make([]catalog.Index, 0, len(clone.Indices))
	for _, idx := range clone.Indices {
		if !idx.Unique {
			filtered = append(filtered, idx)
		}
	}
	clone.Indices = filtered
	return clone
}

func validateNonGoals(desc *catalog.Table) error {
	if desc.Partitioned {
		return bwerr.ErrTablePartitioned(desc.Name)
	}
	if desc.HasGeneratedCol {
		return bwerr.ErrGeneratedColumns(desc.Name)
	}
	return nil
}
