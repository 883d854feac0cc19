// Package pdclient defines the Placement Driver contract (§1): the
// timestamp oracle and region router. Production deployments dial a
// real PD cluster; tests use the in-memory fake in this package.
package pdclient

import "context"

// Region is a contiguous keyspace range owned by one replica group
// (§3 GLOSSARY). EndKey is exclusive; the last region's EndKey is nil
// meaning "no upper bound".
type Region struct {
	ID     int64
	EndKey []byte
}

// Client is the coordinator's PD surface: timestamps and region
// routing (§4.7, §4.8).
type Client interface {
	// GetTimestamp returns a fresh monotonic timestamp from the
	// oracle. Called once for startTs and once for commitTs per write
	// (§4.8 steps 1 and 9).
	GetTimestamp(ctx context.Context) (int64, error)

	// ListRegions returns the regions covering tableID's keyspace,
	// sorted by EndKey ascending, for C7's binary-search routing.
	ListRegions(ctx context.Context, tableID int64) ([]Region, error)

	// RequestSplit asks PD to split the region(s) covering [startKey,
	// endKey) into splitCount pieces. Fire-and-forget: callers ignore
	// errors unless in test mode (§4.9, §7).
	RequestSplit(ctx context.Context, startKey, endKey []byte, splitCount int) error
}
