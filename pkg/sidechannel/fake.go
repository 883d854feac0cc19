package sidechannel

import (
	"context"

	"github.com/xiejiajun/tispark-go/pkg/bwerr"
)

// Fake is an in-memory sidechannel.Channel for tests: LockTable
// succeeds unless SupportsLock is false, RequestSplit records every
// call, and Healthy reflects Closed.
type Fake struct {
	SupportsLock bool
	Closed       bool
	Locked       bool
	Splits       []FakeSplit
}

// FakeSplit records one RequestSplit call.
type FakeSplit struct {
	Database, Table string
	StartKey, EndKey []byte
	SplitCount       int
}

// NewFake returns a Fake with table-lock support enabled.
func NewFake() *Fake {
	return &Fake{SupportsLock: true}
}

func (f *Fake) LockTable(ctx context.Context, database, table string) error {
	if !f.SupportsLock {
		return bwerr.ErrTableLockUnsupported()
	}
	f.Locked = true
	return nil
}

func (f *Fake) UnlockTable(ctx context.Context) error {
	f.Locked = false
	return nil
}

func (f *Fake) RequestSplit(ctx context.Context, database, table string, startKey, endKey []byte, splitCount int) error {
	f.Splits = append(f.Splits, FakeSplit{Database: database, Table: table, StartKey: startKey, EndKey: endKey, SplitCount: splitCount})
	return nil
}

func (f *Fake) Healthy(ctx context.Context) bool {
	return !f.Closed
}

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}

var _ Channel = (*Fake)(nil)
