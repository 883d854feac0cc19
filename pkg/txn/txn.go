// Package txn implements the Two-Phase Commit Driver (C8, §4.8): the
// protocol core that drives primary prewrite, secondary-prewrite
// fan-out, primary commit, and secondary-commit fan-out over the
// external kvstore.Client RPC surface, with TTL keep-alive of the
// primary lock and the schema-change guard. Grounded on
// pkg/workerpool/pool.go for the partitioned fan-out (Pool.SubmitBatch)
// and pkg/reliability/error_recovery.go's RecoveryStrategy/backoff
// idiom, reused directly to retry the primary's dial/prewrite/commit
// RPCs (the calls a stuck transaction can least afford to give up on
// after one transient failure) before surfacing bwerr.ErrKVRPC.
package txn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiejiajun/tispark-go/pkg/bwerr"
	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/kvstore"
	"github.com/xiejiajun/tispark-go/pkg/metaclient"
	"github.com/xiejiajun/tispark-go/pkg/pdclient"
	"github.com/xiejiajun/tispark-go/pkg/reliability"
	"github.com/xiejiajun/tispark-go/pkg/tablelock"
	"github.com/xiejiajun/tispark-go/pkg/workerpool"
)

// primaryRPCRetryStrategy governs retries of the primary's dial,
// prewrite, and commit RPCs: a handful of short, backing-off attempts
// rather than the manager's 3-retry, 1s-interval default, since a transaction
// already holding a lock TTL should not burn much of it waiting on
// retries.
var primaryRPCRetryStrategy = &reliability.RecoveryStrategy{
	MaxRetries:    2,
	RetryInterval: 20 * time.Millisecond,
	BackoffFactor: 2.0,
	Action:        reliability.ActionRetry,
}

// State is the coordinator's view of transaction progress (§4.8).
// LOCKED and ENCODED are reached upstream, before Driver.Commit is
// called (table-lock acquisition and the C3-C7 pipeline respectively);
// Driver.Commit starts from PrewrotePrimary.
type State int

const (
	StateInit State = iota
	StateLocked
	StateEncoded
	StatePrewrotePrimary
	StatePrewroteAll
	StateCommittedPrimary
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLocked:
		return "LOCKED"
	case StateEncoded:
		return "ENCODED"
	case StatePrewrotePrimary:
		return "PREWROTE_PRIMARY"
	case StatePrewroteAll:
		return "PREWROTE_ALL"
	case StateCommittedPrimary:
		return "COMMITTED_PRIMARY"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Timing constants named per §4.8; values are this coordinator's own
// defaults for what's otherwise left to the KV client library.
const (
	// MinDelayCleanTableLockMillis is the minimum tolerated value of
	// the server-side delay-clean-table-lock setting.
	MinDelayCleanTableLockMillis = 60_000
	// delayCleanAndCommitBackoffDeltaMillis separates the commit
	// backoff from the server's stale-lock cleanup deadline.
	delayCleanAndCommitBackoffDeltaMillis = 30_000
	// PrimaryCommitBackoffMillis must finish before the server would
	// clean up the stale table lock.
	PrimaryCommitBackoffMillis = MinDelayCleanTableLockMillis - delayCleanAndCommitBackoffDeltaMillis
	// DefaultBatchPrewriteBackoffMillis is this coordinator's default
	// for BATCH_PREWRITE_BACKOFF (§4.8); the exact value is otherwise
	// left to the KV client library.
	DefaultBatchPrewriteBackoffMillis = 100
)

// Partition is one worker's share of the merged, region-routed KV
// stream (pkg/partition.Partitioned, duplicated here as a narrow
// struct so this package doesn't need to import pkg/partition just for
// a field-compatible type).
type Partition struct {
	Index int
	KVs   []kvstore.KV
}

// Options controls one Commit call; field names mirror the
// recognized options of §6 relevant to C8.
type Options struct {
	WriteConcurrency           int
	SkipCommitSecondaryKey     bool
	IsTTLUpdate                bool
	LockTTLSeconds             int
	BatchPrewriteBackoffMillis int
	TableLockHeld              bool
	SideChannelInUse           bool
	SleepAfterPrewritePrimary  time.Duration
	SleepAfterPrewriteSecond   time.Duration
	SleepAfterGetCommitTS      time.Duration
}

// Report is the Write Report (C10): a summary of what one Commit call
// did, returned on success.
type Report struct {
	StartTs               int64
	CommitTs              int64
	PrimaryKey            []byte
	KVsWritten            int
	SecondaryCommitErrors int
	State                 State
}

// Driver implements the protocol core of §4.8.
type Driver struct {
	kvDialer  kvstore.Dialer
	oracle    pdclient.Client
	meta      metaclient.Client
	tableLock *tablelock.Manager
	logger    *zap.Logger
	recovery  *reliability.ErrorRecoveryManager
}

// New builds a Driver. tableLock may be nil if no side-channel was
// configured for this write (tablelock.Manager is itself nil-safe).
func New(kvDialer kvstore.Dialer, oracle pdclient.Client, meta metaclient.Client, tableLock *tablelock.Manager, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	recovery := reliability.NewErrorRecoveryManager()
	recovery.RegisterStrategy(reliability.ErrorTypeConnection, primaryRPCRetryStrategy)
	return &Driver{kvDialer: kvDialer, oracle: oracle, meta: meta, tableLock: tableLock, logger: logger.Named("txn"), recovery: recovery}
}

// Commit runs §4.8 steps 4-15: given the already-acquired startTs and
// the merged, partitioned KV stream (steps 1-3 are the caller's
// responsibility — acquiring startTs, the table lock, and running
// C3-C7 — since they precede and feed this call), designate a primary,
// prewrite it, fan out secondary prewrites, acquire commitTs, guard
// against schema change, commit the primary, and fan out best-effort
// secondary commits.
func (d *Driver) Commit(ctx context.Context, desc *catalog.Table, startTs int64, partitions []Partition, opts Options) (Report, error) {
	state := StatePrewrotePrimary
	report := Report{StartTs: startTs}

	primaryKey, primaryValue, secondaries, ok := designatePrimary(partitions)
	if !ok {
		report.State = StateDone
		return report, nil // empty stream: success with no work done (§4.8 step 4)
	}
	report.PrimaryKey = primaryKey

	backoff := opts.BatchPrewriteBackoffMillis
	if backoff <= 0 {
		backoff = DefaultBatchPrewriteBackoffMillis
	}

	var client kvstore.Client
	if err := d.recovery.ExecuteWithRetry(reliability.ErrorTypeConnection, func() error {
		c, dialErr := d.kvDialer.Dial(ctx)
		if dialErr != nil {
			return dialErr
		}
		client = c
		return nil
	}); err != nil {
		report.State = StateAborted
		return report, bwerr.ErrKVRPC("dial", err)
	}
	defer client.Close()

	lockTTLMillis := int64(opts.LockTTLSeconds) * 1000
	if lockTTLMillis <= 0 {
		lockTTLMillis = 20_000
	}

	if err := d.recovery.ExecuteWithRetry(reliability.ErrorTypeConnection, func() error {
		return client.PrewritePrimary(ctx, backoff, startTs, primaryKey, primaryValue, lockTTLMillis)
	}); err != nil {
		report.State = StateAborted
		return report, bwerr.ErrKVRPC("prewritePrimary", err)
	}
	maybeSleep(opts.SleepAfterPrewritePrimary)

	var keepAlive *ttlKeepAlive
	if opts.IsTTLUpdate {
		keepAlive = startTTLKeepAlive(ctx, client, primaryKey, lockTTLMillis, d.logger)
	}
	abort := func(cause error) (Report, error) {
		if keepAlive != nil {
			keepAlive.stop()
		}
		report.State = StateAborted
		return report, cause
	}

	if err := d.prewriteSecondaries(ctx, startTs, primaryKey, secondaries, lockTTLMillis, opts); err != nil {
		return abort(err)
	}
	maybeSleep(opts.SleepAfterPrewriteSecond)
	state = StatePrewroteAll

	commitTs, err := d.oracle.GetTimestamp(ctx)
	if err != nil {
		return abort(bwerr.ErrTimestampOracle(err))
	}
	maybeSleep(opts.SleepAfterGetCommitTS)
	if commitTs <= startTs {
		return abort(bwerr.ErrCommitTsNotAfterStartTs(startTs, commitTs))
	}
	report.CommitTs = commitTs

	if !opts.TableLockHeld {
		if err := d.checkSchemaUnchanged(ctx, desc); err != nil {
			return abort(err)
		}
	}

	if opts.SideChannelInUse && d.tableLock != nil && !d.tableLock.Healthy(ctx) {
		return abort(bwerr.ErrSideChannelClosed())
	}

	if err := d.recovery.ExecuteWithRetry(reliability.ErrorTypeConnection, func() error {
		return client.CommitPrimary(ctx, PrimaryCommitBackoffMillis, startTs, commitTs, primaryKey)
	}); err != nil {
		return abort(bwerr.ErrKVRPC("commitPrimary", err))
	}
	state = StateCommittedPrimary

	if keepAlive != nil {
		keepAlive.stop()
	}
	if d.tableLock != nil {
		if err := d.tableLock.ReleaseTableLock(ctx); err != nil {
			d.logger.Warn("failed to release table lock after primary commit", zap.Error(err))
		}
	}

	// From here on the write is durable regardless of what secondaries
	// do (§4.8): failures are logged, never propagated.
	if !opts.SkipCommitSecondaryKey {
		report.SecondaryCommitErrors = d.commitSecondaries(ctx, startTs, commitTs, secondaries, opts)
	}

	state = StateDone
	report.State = state
	report.KVsWritten = 1 + countKVs(secondaries)
	return report, nil
}

// designatePrimary implements §4.8 step 4-5: the first KV of the first
// non-empty partition is the primary; everything else (including the
// rest of that same partition) is secondaries.
func designatePrimary(partitions []Partition) (key, value []byte, secondaries []Partition, ok bool) {
	for i, p := range partitions {
		if len(p.KVs) == 0 {
			continue
		}
		primary := p.KVs[0]

		rest := make([]Partition, 0, len(partitions))
		if remainder := p.KVs[1:]; len(remainder) > 0 {
			rest = append(rest, Partition{Index: p.Index, KVs: append([]kvstore.KV(nil), remainder...)})
		}
		rest = append(rest, partitions[i+1:]...)

		return primary.Key, primary.Value, rest, true
	}
	return nil, nil, nil, false
}

func countKVs(partitions []Partition) int {
	n := 0
	for _, p := range partitions {
		n += len(p.KVs)
	}
	return n
}

func (d *Driver) prewriteSecondaries(ctx context.Context, startTs int64, primaryKey []byte, partitions []Partition, lockTTLMillis int64, opts Options) error {
	if len(partitions) == 0 {
		return nil
	}
	concurrency := opts.WriteConcurrency
	if concurrency <= 0 {
		concurrency = len(partitions)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	pool, err := workerpool.New(workerpool.Config{Size: concurrency, QueueSize: len(partitions)})
	if err != nil {
		return err
	}
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Close()

	tasks := make([]workerpool.Task, len(partitions))
	for i, part := range partitions {
		part := part
		tasks[i] = func(ctx context.Context) error {
			client, err := d.kvDialer.Dial(ctx)
			if err != nil {
				return bwerr.ErrKVRPC("dial", err)
			}
			defer client.Close()
			if err := client.PrewriteSecondaries(ctx, startTs, primaryKey, part.KVs, lockTTLMillis); err != nil {
				return bwerr.ErrKVRPC("prewriteSecondaries", err)
			}
			return nil
		}
	}

	results, err := pool.SubmitBatch(ctx, tasks)
	if err != nil {
		return err
	}
	var firstErr error
	for r := range results {
		if r.Error != nil && firstErr == nil {
			firstErr = r.Error
		}
	}
	return firstErr
}

func (d *Driver) commitSecondaries(ctx context.Context, startTs, commitTs int64, partitions []Partition, opts Options) int {
	if len(partitions) == 0 {
		return 0
	}
	concurrency := opts.WriteConcurrency
	if concurrency <= 0 {
		concurrency = len(partitions)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	pool, err := workerpool.New(workerpool.Config{Size: concurrency, QueueSize: len(partitions)})
	if err != nil {
		d.logger.Warn("secondary commit pool setup failed, skipping", zap.Error(err))
		return len(partitions)
	}
	if err := pool.Start(); err != nil {
		d.logger.Warn("secondary commit pool start failed, skipping", zap.Error(err))
		return len(partitions)
	}
	defer pool.Close()

	tasks := make([]workerpool.Task, len(partitions))
	for i, part := range partitions {
		part := part
		tasks[i] = func(ctx context.Context) error {
			client, err := d.kvDialer.Dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			keys := make([][]byte, len(part.KVs))
			for i, kv := range part.KVs {
				keys[i] = kv.Key
			}
			return client.CommitSecondaries(ctx, startTs, commitTs, keys)
		}
	}

	results, err := pool.SubmitBatch(ctx, tasks)
	if err != nil {
		d.logger.Warn("secondary commit fan-out failed to submit, skipping", zap.Error(err))
		return len(partitions)
	}
	errCount := 0
	for r := range results {
		if r.Error != nil {
			errCount++
			d.logger.Warn("secondary commit failed, relying on primary's committed write record", zap.Error(r.Error))
		}
	}
	return errCount
}

func (d *Driver) checkSchemaUnchanged(ctx context.Context, desc *catalog.Table) error {
	fresh, err := d.meta.GetTable(ctx, desc.Database, desc.Name)
	if err != nil {
		return bwerr.ErrMetaService(err)
	}
	if fresh.UpdateTimestamp > desc.UpdateTimestamp {
		return bwerr.ErrSchemaChanged(desc.Name, desc.UpdateTimestamp, fresh.UpdateTimestamp)
	}
	return nil
}

func maybeSleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// ttlKeepAlive is the coordinator-local cooperative task of §9: a
// single-goroutine loop with exactly one cancellation point, refreshing
// the primary lock's TTL before it expires.
type ttlKeepAlive struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startTTLKeepAlive(ctx context.Context, client kvstore.Client, primaryKey []byte, lockTTLMillis int64, logger *zap.Logger) *ttlKeepAlive {
	loopCtx, cancel := context.WithCancel(ctx)
	k := &ttlKeepAlive{cancel: cancel, done: make(chan struct{})}

	interval := time.Duration(lockTTLMillis) * time.Millisecond / 2
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := client.RefreshLockTTL(loopCtx, primaryKey, lockTTLMillis); err != nil {
					if errors.Is(err, kvstore.ErrTTLRefreshUnsupported) {
						logger.Info("store does not support online TTL refresh, stopping keep-alive")
						return
					}
					logger.Warn("TTL keep-alive refresh failed", zap.Error(err))
				}
			}
		}
	}()
	return k
}

func (k *ttlKeepAlive) stop() {
	k.once.Do(func() {
		k.cancel()
		<-k.done
	})
}
