// Package bwerr defines the typed error kinds of the batch-write
// coordinator, using a constructor-function error style extended with
// errors.Is sentinels so callers can branch on failure class.
package bwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure per §7.
type Kind int

const (
	KindConfiguration Kind = iota
	KindValidation
	KindConflict
	KindTransaction
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransaction:
		return "transaction"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is to test the kind of a wrapped Error.
var (
	ErrConfiguration = errors.New("batchwrite: configuration error")
	ErrValidation    = errors.New("batchwrite: validation error")
	ErrConflict      = errors.New("batchwrite: conflict error")
	ErrTransaction   = errors.New("batchwrite: transaction error")
	ErrExternal      = errors.New("batchwrite: external error")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	case KindTransaction:
		return ErrTransaction
	case KindExternal:
		return ErrExternal
	default:
		return ErrExternal
	}
}

// Error is the typed error carried through the write pipeline.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinelFor(e.Kind)
}

func new_(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func wrap(k Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ---- Configuration ----

func ErrBatchWriteDisabled() error {
	return new_(KindConfiguration, "batch write is disabled")
}

func ErrTableNotFound(database, table string) error {
	return new_(KindConfiguration, "table %s.%s not found", database, table)
}

func ErrTablePartitioned(table string) error {
	return new_(KindConfiguration, "table %s is partitioned, batch write not supported", table)
}

func ErrGeneratedColumns(table string) error {
	return new_(KindConfiguration, "table %s has generated columns, batch write not supported", table)
}

// ---- Validation ----

func ErrColumnCountMismatch(got, want int) error {
	return new_(KindValidation, "column count mismatch: got %d, want %d", got, want)
}

func ErrNullInAutoIncrement(column string) error {
	return new_(KindValidation, "null value in auto-increment column %s", column)
}

func ErrNullInNonNullColumn(column string) error {
	return new_(KindValidation, "null value in non-null column %s", column)
}

func ErrDuplicateHandle(handle int64) error {
	return new_(KindValidation, "duplicate handle %d in input", handle)
}

// ---- Conflict ----

func ErrConflictFound(count int) error {
	return new_(KindConflict, "found %d conflicting row(s), replace=false", count)
}

// ---- Transaction ----

func ErrCommitTsNotAfterStartTs(startTs, commitTs int64) error {
	return new_(KindTransaction, "commitTs (%d) must be greater than startTs (%d)", commitTs, startTs)
}

func ErrSchemaChanged(table string, oldTs, newTs int64) error {
	return new_(KindTransaction, "schema of table %s changed during prewrite (updateTimestamp %d -> %d)", table, oldTs, newTs)
}

func ErrSideChannelClosed() error {
	return new_(KindTransaction, "side-channel connection closed before commit")
}

func ErrTableLockUnsupported() error {
	return new_(KindTransaction, "server does not support table lock and write-without-lock is not enabled")
}

// ---- External ----

func ErrKVRPC(op string, cause error) error {
	return wrap(KindExternal, cause, "kv rpc %s failed", op)
}

func ErrTimestampOracle(cause error) error {
	return wrap(KindExternal, cause, "timestamp oracle request failed")
}

func ErrMetaService(cause error) error {
	return wrap(KindExternal, cause, "meta service request failed")
}

func ErrSideChannel(cause error) error {
	return wrap(KindExternal, cause, "side-channel request failed")
}
