// Package kvstore defines the KV RPC client contract (§1, §4.8): the
// external collaborator exposing percolator-style prewrite/commit and
// snapshot batch-get. pkg/kvstore/badgerstore backs it with an
// embedded badger.DB for tests and local runs.
package kvstore

import (
	"context"
	"errors"
)

// ErrTTLRefreshUnsupported is returned by RefreshLockTTL when the
// backing store has no online TTL refresh RPC (server < 3.0.5, §6).
var ErrTTLRefreshUnsupported = errors.New("kvstore: online TTL refresh not supported")

// KV is one key/value pair. An empty (non-nil, zero-length) Value is
// the delete sentinel (§6).
type KV struct {
	Key   []byte
	Value []byte
}

// Snapshot is a consistent read-view at a fixed timestamp (§4.5).
type Snapshot interface {
	// BatchGet resolves keys against the snapshot. Keys with no
	// committed value at or before the snapshot's timestamp are
	// omitted from the result.
	BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error)
}

// Client is the coordinator's KV RPC surface (§4.8).
type Client interface {
	// Snapshot opens a read-view at startTs.
	Snapshot(ctx context.Context, startTs int64) (Snapshot, error)

	// PrewritePrimary writes a lock+data pair at startTs with key
	// marked primary. backoffMillis bounds retry time inside the
	// client implementation.
	PrewritePrimary(ctx context.Context, backoffMillis int, startTs int64, key, value []byte, lockTTLMillis int64) error

	// PrewriteSecondaries writes locks+data for secondaries pointing
	// at primaryKey.
	PrewriteSecondaries(ctx context.Context, startTs int64, primaryKey []byte, kvs []KV, lockTTLMillis int64) error

	// CommitPrimary converts the primary lock into a committed write
	// record at commitTs.
	CommitPrimary(ctx context.Context, backoffMillis int, startTs, commitTs int64, key []byte) error

	// CommitSecondaries does the same for secondaries; callers treat
	// failures here as best-effort (§4.8 step 15).
	CommitSecondaries(ctx context.Context, startTs, commitTs int64, keys [][]byte) error

	// RefreshLockTTL extends the TTL of the lock at key, used by the
	// TTL keep-alive task (§4.8 step 7). Implementations that don't
	// support online TTL refresh return ErrTTLRefreshUnsupported.
	RefreshLockTTL(ctx context.Context, key []byte, newTTLMillis int64) error

	// Close releases client resources. Each worker partition opens its
	// own Client and closes it at the end of its task (§5).
	Close() error
}

// Dialer opens a new Client, one per worker partition task (§5 "each
// worker creates its own KV client and closes it at the end of each
// partition task").
type Dialer interface {
	Dial(ctx context.Context) (Client, error)
}
