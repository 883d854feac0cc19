package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/xiejiajun/tispark-go/pkg/catalog"
	"github.com/xiejiajun/tispark-go/pkg/config"
	"github.com/xiejiajun/tispark-go/pkg/dataset"
	"github.com/xiejiajun/tispark-go/pkg/kvstore/badgerstore"
	"github.com/xiejiajun/tispark-go/pkg/logutil"
	"github.com/xiejiajun/tispark-go/pkg/metaclient/gormmeta"
	"github.com/xiejiajun/tispark-go/pkg/pdclient"
	"github.com/xiejiajun/tispark-go/pkg/sidechannel"
	"github.com/xiejiajun/tispark-go/pkg/sidechannel/mysqlchannel"
	"github.com/xiejiajun/tispark-go/pkg/tablelock"
	"github.com/xiejiajun/tispark-go/pkg/write"
)

func main() {
	configPath := flag.String("config", "", "path to coordinator config JSON (defaults: $BATCHWRITE_CONFIG, ./config.json, built-in defaults)")
	schemaPath := flag.String("schema", "", "path to a table descriptor JSON, registered into the local meta store before the write")
	database := flag.String("database", "", "target database name")
	table := flag.String("table", "", "target table name")
	rowsPath := flag.String("rows", "", "path to a JSON array of rows to write")
	badgerDir := flag.String("kv-dir", "", "directory for the embedded KV store (defaults to an in-memory store)")
	metaDSN := flag.String("meta-dsn", ":memory:", "sqlite DSN for the local meta store")
	replace := flag.Bool("replace", false, "replace on unique-index conflict instead of failing")
	useTableLock := flag.Bool("use-table-lock", false, "acquire a table write-lock over the side channel before writing")
	writeWithoutLock := flag.Bool("write-without-lock-table", false, "proceed without a table lock if the side channel doesn't support one")
	dryRun := flag.Bool("dry-run", false, "run C3-C7 and print row, conflict and KV-pair counts without committing")
	flag.Parse()

	cfg := config.LoadConfigOrDefault()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	logger, err := logutil.New(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if *database == "" || *table == "" || *rowsPath == "" {
		log.Fatal("-database, -table, and -rows are required")
	}

	meta, err := gormmeta.Open(*metaDSN, logger)
	if err != nil {
		log.Fatalf("open meta store: %v", err)
	}
	defer meta.Close()

	if *schemaPath != "" {
		desc, err := loadSchema(*schemaPath)
		if err != nil {
			log.Fatalf("load schema: %v", err)
		}
		if err := meta.PutTable(desc); err != nil {
			log.Fatalf("register schema: %v", err)
		}
	}

	var kv *badgerstore.Store
	if *badgerDir == "" {
		kv, err = badgerstore.OpenWithOptions(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), logger)
	} else {
		kv, err = badgerstore.Open(*badgerDir, logger)
	}
	if err != nil {
		log.Fatalf("open kv store: %v", err)
	}
	defer kv.Close()

	oracle := pdclient.NewFake()

	var channel sidechannel.Channel
	if cfg.Server.SideChannelURL != "" {
		channel, err = mysqlchannel.NewDialer().Dial(context.Background(), cfg.Server.SideChannelURL)
		if err != nil {
			log.Fatalf("dial side channel: %v", err)
		}
		defer channel.Close()
	}
	tableLockMgr := tablelock.New(channel, logger)

	rows, err := loadRows(*rowsPath)
	if err != nil {
		log.Fatalf("load rows: %v", err)
	}

	coordinator := write.New(write.Deps{
		KVDialer:  kv,
		Oracle:    oracle,
		Meta:      meta,
		TableLock: tableLockMgr,
		Logger:    logger,
	})

	opts := config.DefaultWriteOptions()
	opts.Replace = *replace
	opts.UseTableLock = *useTableLock
	opts.WriteWithoutLockTable = *writeWithoutLock
	opts.DryRun = *dryRun

	ds := dataset.New(rows, cfg.Write.WriteConcurrency)

	report, err := coordinator.Write(context.Background(), *database, *table, ds, opts, cfg.Write)
	if err != nil {
		log.Fatalf("write failed: %v", err)
	}

	if report.DryRun {
		fmt.Printf("dry run: %d rows, %d conflicts resolved, %d kv pairs\n", report.RowsWritten, report.ConflictsResolved, len(report.KVs))
		return
	}
	fmt.Printf("committed: startTs=%d commitTs=%d kvsWritten=%d conflictsResolved=%d secondaryCommitErrors=%d state=%s\n",
		report.StartTs, report.CommitTs, report.KVsWritten, report.ConflictsResolved, report.SecondaryCommitErrors, report.State)
}

func loadSchema(path string) (*catalog.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var desc catalog.Table
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}

func loadRows(path string) ([]dataset.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rows []dataset.Record
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rows, nil
}
