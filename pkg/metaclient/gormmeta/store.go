// Package gormmeta is a database/sql + modernc.org/sqlite-backed fake
// of the catalog/meta client, used by tests and local demos. Uses the
// "sqlite" driver name (sql.Open("sqlite", ":memory:")) backed by
// modernc.org/sqlite's pure-Go driver.
package gormmeta

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/metaclient"
)

const schema = `
CREATE TABLE IF NOT EXISTS bw_tables (
	db_id INTEGER NOT NULL,
	table_id INTEGER NOT NULL,
	database TEXT NOT NULL,
	name TEXT NOT NULL,
	desc_json TEXT NOT NULL,
	PRIMARY KEY (db_id, table_id)
);
CREATE TABLE IF NOT EXISTS bw_sequences (
	db_id INTEGER NOT NULL,
	table_id INTEGER NOT NULL,
	next INTEGER NOT NULL,
	PRIMARY KEY (db_id, table_id)
);
`

// Store implements metaclient.Client over a sqlite database opened at
// dsn (use ":memory:" for ephemeral tests).
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the sqlite-backed meta store at dsn and
// creates its schema.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("gormmeta: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // modernc's sqlite driver is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("gormmeta: create schema: %w", err)
	}
	return &Store{db: db, logger: log.Named("gormmeta")}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutTable registers or replaces a table descriptor, as a real meta
// service would after a DDL statement. Not part of metaclient.Client
// — this is store setup, used by tests and the demo CLI.
func (s *Store) PutTable(t *catalog.Table) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("gormmeta: marshal table %s: %w", t.Name, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO bw_tables(db_id, table_id, database, name, desc_json) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(db_id, table_id) DO UPDATE SET database=excluded.database, name=excluded.name, desc_json=excluded.desc_json`,
		0, t.TableID, t.Database, t.Name, string(data),
	)
	return err
}

// GetTable implements metaclient.Client.
func (s *Store) GetTable(ctx context.Context, database, table string) (*catalog.Table, error) {
	var descJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT desc_json FROM bw_tables WHERE database = ? AND name = ?`,
		database, table,
	).Scan(&descJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("gormmeta: table %s.%s not found", database, table)
	}
	if err != nil {
		return nil, fmt.Errorf("gormmeta: get table %s.%s: %w", database, table, err)
	}

	var desc catalog.Table
	if err := json.Unmarshal([]byte(descJSON), &desc); err != nil {
		return nil, fmt.Errorf("gormmeta: decode table %s.%s: %w", database, table, err)
	}
	return &desc, nil
}

// AllocIDs implements metaclient.Client by atomically advancing the
// sequence counter inside a SQL transaction: a "reserve a contiguous
// batch" idiom.
func (s *Store) AllocIDs(ctx context.Context, dbID, tableID int64, step int64, unsigned bool) (int64, error) {
	if step <= 0 {
		return 0, fmt.Errorf("gormmeta: step must be positive, got %d", step)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &metaclient.ErrContention{Cause: err}
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT next FROM bw_sequences WHERE db_id = ? AND table_id = ?`, dbID, tableID,
	).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		next = 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bw_sequences(db_id, table_id, next) VALUES (?, ?, ?)`,
			dbID, tableID, next+step); err != nil {
			return 0, &metaclient.ErrContention{Cause: err}
		}
	case err != nil:
		return 0, &metaclient.ErrContention{Cause: err}
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE bw_sequences SET next = ? WHERE db_id = ? AND table_id = ?`,
			next+step, dbID, tableID); err != nil {
			return 0, &metaclient.ErrContention{Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &metaclient.ErrContention{Cause: err}
	}

	s.logger.Debug("allocated id range",
		zap.Int64("db_id", dbID), zap.Int64("table_id", tableID),
		zap.Int64("start", next), zap.Int64("step", step))
	return next, nil
}

var _ metaclient.Client = (*Store)(nil)
