// Package badgerstore is a percolator-shaped fake of kvstore.Client
// backed by an embedded badger.DB, used for tests and local demos of
// the two-phase commit driver. All state, including in-flight locks,
// lives in *badger.DB transactions, laid out as a percolator
// lock/data/write three-column-family scheme over badger's single
// keyspace.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/xiejiajun/tispark-go/pkg/kvstore"
)

const (
	prefixLock  = 'L'
	prefixData  = 'D'
	prefixWrite = 'W'
)

// lockRecord is the value stored at a key's lock entry.
type lockRecord struct {
	StartTs      int64  `json:"start_ts"`
	Primary      []byte `json:"primary"`
	TTLExpiresAt int64  `json:"ttl_expires_at_unix_millis"`
}

// Store implements kvstore.Client and kvstore.Dialer over badger,
// with one lock/data/write column family per logical key, emulating
// percolator's MVCC layout closely enough to exercise the two-phase
// commit driver end to end.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) a badger database at dir. Pass
// badger.DefaultOptions("").WithInMemory(true) via OpenWithOptions for
// ephemeral tests.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	return OpenWithOptions(badger.DefaultOptions(dir).WithLogger(nil), logger)
}

// OpenWithOptions opens badger with caller-supplied options (e.g. an
// in-memory instance for tests).
func OpenWithOptions(opts badger.Options, logger *zap.Logger) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("badgerstore")}, nil
}

// Close releases the badger database. Satisfies kvstore.Client.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dial implements kvstore.Dialer by returning the same underlying
// Store: every "worker" shares the one embedded database instance
// (there is no network boundary to cross in the fake), but each
// caller is still expected to treat the returned Client as its own
// and Close it — the returned handle's Close is always a no-op, so a
// worker closing its handle doesn't tear down the shared database out
// from under others still running; only Store.Close releases it.
func (s *Store) Dial(ctx context.Context) (kvstore.Client, error) {
	return &workerHandle{Store: s}, nil
}

// workerHandle is the per-worker kvstore.Client handle returned by
// Dial; its Close is a no-op so the shared embedded database outlives
// any single worker.
type workerHandle struct{ *Store }

func (w *workerHandle) Close() error { return nil }

func lockKey(key []byte) []byte  { return append([]byte{prefixLock}, key...) }
func dataKey(key []byte, startTs int64) []byte {
	buf := make([]byte, 1+len(key)+8)
	buf[0] = prefixData
	copy(buf[1:], key)
	binary.BigEndian.PutUint64(buf[1+len(key):], uint64(startTs))
	return buf
}
func writeKeyPrefix(key []byte) []byte { return append([]byte{prefixWrite}, key...) }
func writeKey(key []byte, commitTs int64) []byte {
	buf := make([]byte, 1+len(key)+8)
	buf[0] = prefixWrite
	copy(buf[1:], key)
	binary.BigEndian.PutUint64(buf[1+len(key):], uint64(commitTs))
	return buf
}

// PrewritePrimary implements kvstore.Client.
func (s *Store) PrewritePrimary(ctx context.Context, backoffMillis int, startTs int64, key, value []byte, lockTTLMillis int64) error {
	return s.prewriteOne(startTs, key, key, value, lockTTLMillis)
}

// PrewriteSecondaries implements kvstore.Client.
func (s *Store) PrewriteSecondaries(ctx context.Context, startTs int64, primaryKey []byte, kvs []kvstore.KV, lockTTLMillis int64) error {
	for _, kv := range kvs {
		if err := s.prewriteOne(startTs, primaryKey, kv.Key, kv.Value, lockTTLMillis); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) prewriteOne(startTs int64, primaryKey, key, value []byte, lockTTLMillis int64) error {
	lock := lockRecord{
		StartTs:      startTs,
		Primary:      primaryKey,
		TTLExpiresAt: time.Now().Add(time.Duration(lockTTLMillis) * time.Millisecond).UnixMilli(),
	}
	lockBytes, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("badgerstore: marshal lock: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(lockKey(key), lockBytes); err != nil {
			return err
		}
		return txn.Set(dataKey(key, startTs), value)
	})
}

// CommitPrimary implements kvstore.Client.
func (s *Store) CommitPrimary(ctx context.Context, backoffMillis int, startTs, commitTs int64, key []byte) error {
	return s.commitOne(startTs, commitTs, key)
}

// CommitSecondaries implements kvstore.Client. Per-key failures are
// collected but all keys are attempted; the caller (pkg/txn) treats
// the aggregate result as best-effort.
func (s *Store) CommitSecondaries(ctx context.Context, startTs, commitTs int64, keys [][]byte) error {
	var firstErr error
	for _, key := range keys {
		if err := s.commitOne(startTs, commitTs, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) commitOne(startTs, commitTs int64, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("badgerstore: no lock found at key for startTs %d (already committed or resolved)", startTs)
			}
			return err
		}
		var lock lockRecord
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &lock) }); err != nil {
			return err
		}
		if lock.StartTs != startTs {
			return fmt.Errorf("badgerstore: lock startTs %d does not match commit startTs %d", lock.StartTs, startTs)
		}

		cBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(cBuf, uint64(startTs))
		if err := txn.Set(writeKey(key, commitTs), cBuf); err != nil {
			return err
		}
		return txn.Delete(lockKey(key))
	})
}

// RefreshLockTTL implements kvstore.Client.
func (s *Store) RefreshLockTTL(ctx context.Context, key []byte, newTTLMillis int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(key))
		if err != nil {
			return err
		}
		var lock lockRecord
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &lock) }); err != nil {
			return err
		}
		lock.TTLExpiresAt = time.Now().Add(time.Duration(newTTLMillis) * time.Millisecond).UnixMilli()
		lockBytes, err := json.Marshal(lock)
		if err != nil {
			return err
		}
		return txn.Set(lockKey(key), lockBytes)
	})
}

// Snapshot implements kvstore.Client: a read-view at startTs.
func (s *Store) Snapshot(ctx context.Context, startTs int64) (kvstore.Snapshot, error) {
	return &snapshot{store: s, ts: startTs}, nil
}

type snapshot struct {
	store *Store
	ts    int64
}

// BatchGet implements kvstore.Snapshot by, for each key, scanning its
// write column family for the highest commitTs <= ts and fetching the
// data at the pointed-to startTs.
func (sn *snapshot) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := sn.store.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			value, ok, err := sn.readOne(txn, key)
			if err != nil {
				return err
			}
			if ok {
				out[string(key)] = value
			}
		}
		return nil
	})
	return out, err
}

func (sn *snapshot) readOne(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	prefix := writeKeyPrefix(key)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var bestCommitTs int64 = -1
	var bestStartTs int64

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		commitTs := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
		if commitTs > sn.ts {
			continue
		}
		if commitTs <= bestCommitTs {
			continue
		}
		var startTs int64
		if err := item.Value(func(v []byte) error {
			startTs = int64(binary.BigEndian.Uint64(v))
			return nil
		}); err != nil {
			return nil, false, err
		}
		bestCommitTs = commitTs
		bestStartTs = startTs
	}
	if bestCommitTs < 0 {
		return nil, false, nil
	}

	item, err := txn.Get(dataKey(key, bestStartTs))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

var _ kvstore.Client = (*Store)(nil)
var _ kvstore.Dialer = (*Store)(nil)
var _ kvstore.Snapshot = (*snapshot)(nil)
