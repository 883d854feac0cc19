// Package mysqlchannel implements sidechannel.Channel over a single
// *sql.DB connection to the server's SQL port, grounded on the
// teacher's dialect usage (server/datasource/mysql/dialect.go):
// mysqldriver.NewConfig()+FormatDSN() to build the DSN, a blank import
// of the driver, and database/sql for everything past that.
package mysqlchannel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/xiejiajun/tispark-go/pkg/bwerr"
	"github.com/xiejiajun/tispark-go/pkg/sidechannel"
)

type dialer struct{}

// NewDialer returns a sidechannel.Dialer backed by go-sql-driver/mysql.
func NewDialer() sidechannel.Dialer { return dialer{} }

func (dialer) Dial(ctx context.Context, url string) (sidechannel.Channel, error) {
	if _, err := mysqldriver.ParseDSN(url); err != nil {
		return nil, bwerr.ErrSideChannel(fmt.Errorf("parse dsn: %w", err))
	}
	db, err := sql.Open("mysql", url)
	if err != nil {
		return nil, bwerr.ErrSideChannel(fmt.Errorf("open: %w", err))
	}
	db.SetMaxOpenConns(1) // LOCK TABLES is connection-scoped; never hand this out to a pool
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, bwerr.ErrSideChannel(fmt.Errorf("ping: %w", err))
	}
	return &channel{db: db}, nil
}

type channel struct {
	db     *sql.DB
	locked bool
}

func (c *channel) LockTable(ctx context.Context, database, table string) error {
	stmt := fmt.Sprintf("LOCK TABLES `%s`.`%s` WRITE LOCAL", escapeIdent(database), escapeIdent(table))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return bwerr.ErrTableLockUnsupported()
	}
	c.locked = true
	return nil
}

func (c *channel) UnlockTable(ctx context.Context) error {
	if !c.locked {
		return nil
	}
	_, err := c.db.ExecContext(ctx, "UNLOCK TABLES")
	c.locked = false
	if err != nil {
		return bwerr.ErrSideChannel(err)
	}
	return nil
}

// RequestSplit issues a best-effort SPLIT TABLE hint. startKey/endKey
// are raw encoded keys (pkg/codec); the trailing 8 bytes of each are
// read as the big-endian handle bound, since row keys and non-unique
// index keys end in a fixed-width handle (unique index keys do not).
// Not every server dialect supports this
// statement; callers in §4.9 are expected to ignore its error outside
// test mode.
func (c *channel) RequestSplit(ctx context.Context, database, table string, startKey, endKey []byte, splitCount int) error {
	stmt := fmt.Sprintf(
		"SPLIT TABLE `%s`.`%s` BETWEEN (%d) AND (%d) REGIONS %d",
		escapeIdent(database), escapeIdent(table), handleBound(startKey, 0), handleBound(endKey, 1<<63-1), splitCount,
	)
	_, err := c.db.ExecContext(ctx, stmt)
	if err != nil {
		return bwerr.ErrSideChannel(err)
	}
	return nil
}

func (c *channel) Healthy(ctx context.Context) bool {
	return c.db.PingContext(ctx) == nil
}

func (c *channel) Close() error {
	return c.db.Close()
}

func escapeIdent(name string) string {
	return strings.ReplaceAll(name, "`", "``")
}

// handleBound reads the trailing 8-byte big-endian handle off an
// encoded key, falling back to def when the key is empty (unbounded).
func handleBound(k []byte, def int64) int64 {
	if len(k) < 8 {
		return def
	}
	tail := k[len(k)-8:]
	return int64(uint64(tail[0])<<56 | uint64(tail[1])<<48 | uint64(tail[2])<<40 | uint64(tail[3])<<32 |
		uint64(tail[4])<<24 | uint64(tail[5])<<16 | uint64(tail[6])<<8 | uint64(tail[7]))
}

var _ sidechannel.Channel = (*channel)(nil)
var _ sidechannel.Dialer = dialer{}
