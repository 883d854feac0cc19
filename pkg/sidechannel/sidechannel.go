// Package sidechannel implements the synchronous SQL side-channel
// (C9, §4.9) used only for optional table-lock acquisition and
// region-split hints — never for KV data. Built on `database/sql` +
// `go-sql-driver/mysql` conventions.
package sidechannel

import "context"

// Channel is the coordinator's synchronous SQL side-channel contract.
// A single Channel lives on the coordinator only (§5 "Shared
// resources") and is never shared across worker partitions.
type Channel interface {
	// LockTable attempts LOCK TABLES t WRITE LOCAL. Returns
	// ErrTableLockUnsupported-classified error if the server doesn't
	// advertise support.
	LockTable(ctx context.Context, database, table string) error

	// UnlockTable releases a previously acquired table lock. Safe to
	// call even if no lock is held.
	UnlockTable(ctx context.Context) error

	// RequestSplit is a fire-and-forget region-split hint; callers
	// should ignore its error outside test mode (§4.9).
	RequestSplit(ctx context.Context, database, table string, startKey, endKey []byte, splitCount int) error

	// Healthy reports whether the underlying connection is still
	// usable; the driver checks this before primary commit (§4.8 step
	// 11).
	Healthy(ctx context.Context) bool

	// Close releases the connection.
	Close() error
}

// Dialer opens a Channel against a side-channel endpoint URL
// (options.url in §6).
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}
