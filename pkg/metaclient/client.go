// Package metaclient defines the catalog/meta client contract: the
// external collaborator (out of scope per §1) that vends table
// descriptors and allocates contiguous auto-increment/handle ranges.
// Production deployments talk to the real meta service over
// RPC; pkg/metaclient/gormmeta backs tests and local runs with a
// sqlite-backed store.
package metaclient

import (
	"context"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
)

// Client is the catalog/meta surface the coordinator depends on.
type Client interface {
	// GetTable resolves database.table against the catalog.
	GetTable(ctx context.Context, database, table string) (*catalog.Table, error)

	// AllocIDs reserves a contiguous range [start, start+step) of
	// 64-bit IDs for dbID/tableID that no other caller will be given,
	// returning start. Used both for handle allocation (§3) and for
	// auto-increment column filling (§4.3).
	AllocIDs(ctx context.Context, dbID, tableID int64, step int64, unsigned bool) (start int64, err error)
}

// ErrContention is returned by an implementation's AllocIDs when the
// underlying distributed lock was held by another writer; callers
// (pkg/handle) retry with backoff on this error.
type ErrContention struct {
	Cause error
}

func (e *ErrContention) Error() string {
	if e.Cause != nil {
		return "metaclient: allocation contention: " + e.Cause.Error()
	}
	return "metaclient: allocation contention"
}

func (e *ErrContention) Unwrap() error { return e.Cause }
